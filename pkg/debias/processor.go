package debias

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Background noise diagnostics use the same clipping as star detection.
const (
	noiseClipping     = 3.0
	noiseAllowedError = 0.001
	noiseMaxIter      = 20
)

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver registers an observer for infill and per-star outcomes.
func WithObserver(o Observer) Option {
	return func(p *Processor) {
		if o != nil {
			p.observer = o
		}
	}
}

// Processor runs the full pipeline for one detector at a time. A Processor
// is safe for concurrent use by multiple detectors; each Process call owns
// its buffers.
type Processor struct {
	params   Params
	psf      PSFModel
	cov      CovarianceProvider
	logger   *zap.Logger
	observer Observer
}

// NewProcessor validates params and binds the PSF and covariance
// collaborators.
func NewProcessor(params *Params, psf PSFModel, cov CovarianceProvider, opts ...Option) (*Processor, error) {
	if params == nil {
		params = NewParams()
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if psf == nil || cov == nil {
		return nil, errors.New("processor needs a PSF model and a covariance provider")
	}
	p := &Processor{
		params:   *params,
		psf:      psf,
		cov:      cov,
		logger:   zap.NewNop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Params returns a copy of the processor's parameters.
func (p *Processor) Params() Params { return p.params }

// Run loads one detector from src, processes it and hands the result to
// sink.
func (p *Processor) Run(ctx context.Context, src ExposureSource, sink ResultSink, detector string) (*CCDResult, error) {
	in, err := src.LoadCCD(ctx, detector)
	if err != nil {
		return nil, fmt.Errorf("loading detector %s: %w", detector, err)
	}
	res, err := p.Process(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := sink.WriteCCD(ctx, res); err != nil {
		return res, fmt.Errorf("writing detector %s: %w", detector, err)
	}
	return res, nil
}

// Process computes the debiased statistics of every catalog star. Input
// errors abort the detector; numerical failures are confined to the
// affected rows.
func (p *Processor) Process(ctx context.Context, in *CCDInput) (*CCDResult, error) {
	if in == nil {
		return nil, errors.New("no detector input")
	}
	if err := p.validateInput(in); err != nil {
		return nil, fmt.Errorf("detector %s: %w", in.Detector, err)
	}
	start := time.Now()
	log := p.logger.With(zap.String("detector", in.Detector))
	width, height := in.Image.Width, in.Image.Height

	resid := subtractImages(in.Image, in.Model)
	starOnly := subtractImages(in.Model, in.Sky)

	mask, flagged, err := p.staticMask(in)
	if err != nil {
		return nil, fmt.Errorf("detector %s %w", in.Detector, err)
	}
	log.Debug("static mask built",
		zap.Int("flagged", flagged),
		zap.Int("masked", mask.Count()),
		zap.Int("stars", len(in.Stars)))

	result := &CCDResult{Detector: in.Detector}
	result.Metrics.NoiseBefore = KappaSigmaNoise(resid, mask, noiseClipping, noiseAllowedError, noiseMaxIter)

	scratch := NewInfillScratch(width, height)
	defer scratch.Close()
	filled, report, err := Infill(resid, mask, scratch, p.params.Infill)
	if err != nil {
		return nil, fmt.Errorf("detector %s infill: %w", in.Detector, err)
	}
	result.Infill = report
	p.observer.ObserveInfill(in.Detector, report)
	if report.Degraded {
		log.Warn("infill hit iteration cap, remaining pixels set to median",
			zap.Int("iterations", report.Iterations),
			zap.Int("width", report.FinalWidth),
			zap.Int("unresolved", report.Unresolved),
			zap.Float64("median", report.Median))
	} else {
		log.Debug("infill converged",
			zap.Int("iterations", report.Iterations),
			zap.Int("width", report.FinalWidth))
	}

	if err := InjectSkyNoise(filled, mask, in.Sky, in.Gain, p.params.Seed); err != nil {
		return nil, fmt.Errorf("detector %s noise injection: %w", in.Detector, err)
	}
	result.Metrics.NoiseAfter = KappaSigmaNoise(filled, nil, noiseClipping, noiseAllowedError, noiseMaxIter)

	job := &ccdJob{
		detector: in.Detector,
		filled:   filled,
		resid:    resid,
		weight:   in.Weight,
		starOnly: starOnly,
		mask:     mask,
	}
	rows := make([]StarRow, len(in.Stars))

	var g errgroup.Group
	g.SetLimit(p.params.Workers)
	for i, star := range in.Stars {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			rows[i] = p.processStar(job, i, star)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range rows {
		row := &rows[i]
		switch row.Status {
		case StatusOK:
			result.Metrics.Processed++
		case StatusExcluded:
			result.Metrics.Excluded++
		case StatusFailed:
			result.Metrics.Failed++
			log.Warn("star failed",
				zap.Int("star", i),
				zap.Int64("id", row.Star.ID),
				zap.Error(row.Err))
		case StatusFaint:
			result.Metrics.Faint++
			log.Debug("star below threshold, no footprint",
				zap.Int("star", i),
				zap.Int64("id", row.Star.ID),
				zap.Float64("flux", row.Star.Flux))
		}
		if row.BorderCleared {
			result.Metrics.BorderHits++
		}
		p.observer.ObserveStar(in.Detector, row.Status)
	}
	result.Rows = rows

	log.Info("detector processed",
		zap.Int("processed", result.Metrics.Processed),
		zap.Int("excluded", result.Metrics.Excluded),
		zap.Int("failed", result.Metrics.Failed),
		zap.Int("faint", result.Metrics.Faint),
		zap.Int("border", result.Metrics.BorderHits),
		zap.Float64("noise_before", result.Metrics.NoiseBefore.Sigma),
		zap.Float64("noise_after", result.Metrics.NoiseAfter.Sigma),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// staticMask combines the data-quality flags with the static PSF footprint
// of every catalog star. The reference stamp is evaluated on the pixel
// nearest the detector centre so the footprint stays centred on each star.
func (p *Processor) staticMask(in *CCDInput) (*BoolMask, int, error) {
	mask := MaskFromFlags(in.DataQuality)
	flagged := mask.Count()
	cx, cy := float64((in.Image.Width+1)/2), float64((in.Image.Height+1)/2)
	static, err := evalStamp(p.psf, cx, cy, p.params.StaticPSFSize)
	if err != nil {
		return nil, 0, fmt.Errorf("static PSF: %w", err)
	}
	if err := BuildStaticMask(mask, static, p.params.StaticPSFSize, in.Stars, p.params.Threshold); err != nil {
		return nil, 0, fmt.Errorf("static mask: %w", err)
	}
	return mask, flagged, nil
}

// ccdJob holds the read-only per-detector images shared by the star workers.
type ccdJob struct {
	detector string
	filled   *Image
	resid    *Image
	weight   *Image
	starOnly *Image
	mask     *BoolMask
}

func (p *Processor) processStar(job *ccdJob, index int, star StarRecord) StarRow {
	row := StarRow{Star: star, Stats: invalidStatistics()}
	np := p.params.PatchSize
	if !interior(star, np, job.resid.Width, job.resid.Height) {
		row.Status = StatusExcluded
		return row
	}
	fail := func(err error) StarRow {
		row.Status = StatusFailed
		row.Stats = invalidStatistics()
		row.Err = &StarError{Detector: job.detector, Index: index, ID: star.ID, Err: err}
		return row
	}

	cx, cy := star.Center()
	stamps, err := CutStamps(cx, cy, np, job.resid, job.weight, job.starOnly, job.mask)
	if err != nil {
		return fail(err)
	}
	pm, err := ComposePixelMask(stamps.Mask, p.psf, star, np, p.params.Threshold, p.params.effectiveMargin())
	if err != nil {
		return fail(err)
	}
	row.MaskedCount = pm.Count
	row.BorderCleared = pm.BorderCleared
	part, err := pm.Partition()
	if err != nil {
		return fail(err)
	}
	if len(part.PSFMasked) == 0 {
		row.Status = StatusFaint
		return row
	}
	local, err := p.cov.LocalCovariance(job.filled, star, np)
	if err != nil {
		return fail(fmt.Errorf("local covariance: %w", err))
	}
	if local == nil || local.Cov == nil {
		return fail(fmt.Errorf("%w: covariance provider returned no matrix", ErrDimensionMismatch))
	}

	stats, err := ConditionalEstimate(ConditionalInput{
		Cov:       local.Cov,
		Mean:      local.Mean,
		Partition: part,
		Resid:     stamps.Resid,
		Weight:    stamps.Weight,
		StarOnly:  stamps.StarOnly,
		PSF:       pm.PSF,
	})
	if err != nil {
		return fail(err)
	}
	row.Stats = stats
	row.Status = StatusOK
	return row
}

func (p *Processor) validateInput(in *CCDInput) error {
	if in.Image == nil {
		return fmt.Errorf("%w: missing image", ErrDimensionMismatch)
	}
	width, height := in.Image.Width, in.Image.Height
	if width < 1 || height < 1 || len(in.Image.Pix) != width*height {
		return fmt.Errorf("%w: image is %dx%d with %d pixels", ErrDimensionMismatch, width, height, len(in.Image.Pix))
	}
	planes := []struct {
		name string
		img  *Image
	}{
		{"weight", in.Weight}, {"data quality", in.DataQuality}, {"model", in.Model}, {"sky", in.Sky},
	}
	for _, pl := range planes {
		if !pl.img.sameShape(width, height) {
			return fmt.Errorf("%w: %s plane does not match %dx%d image", ErrDimensionMismatch, pl.name, width, height)
		}
	}
	if !(in.Gain > 0) || math.IsInf(in.Gain, 0) {
		return fmt.Errorf("%w: got %f", ErrInvalidGain, in.Gain)
	}
	return checkFluxes(in.Stars)
}
