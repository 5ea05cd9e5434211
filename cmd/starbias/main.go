package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"starbias/internal/config"
	"starbias/internal/logging"
	"starbias/internal/metrics"
	"starbias/pkg/ccdio"
	"starbias/pkg/covest"
	"starbias/pkg/debias"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	detector   string
	paths      ccdio.Paths
	outDir     string
	overlay    string
	metrics    string
	gain       float64
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("starbias", flag.ContinueOnError)
	o := &options{}
	fs.StringVar(&o.configPath, "config", "", "TOML configuration file")
	fs.StringVar(&o.detector, "detector", "", "detector (EXTNAME) to process; empty for single-HDU files")
	fs.StringVar(&o.paths.Image, "image", "", "calibrated image FITS file")
	fs.StringVar(&o.paths.Weight, "weight", "", "inverse-variance weight FITS file")
	fs.StringVar(&o.paths.DataQuality, "dq", "", "data-quality FITS file (optional)")
	fs.StringVar(&o.paths.Model, "model", "", "fitted model FITS file (sky plus stars)")
	fs.StringVar(&o.paths.Sky, "sky", "", "sky FITS file")
	fs.StringVar(&o.paths.Catalog, "catalog", "", "star catalog FITS table (x, y, flux, id)")
	fs.StringVar(&o.outDir, "out", "", "output directory (overrides config)")
	fs.StringVar(&o.overlay, "overlay", "", "field overlay JPEG path (overrides config)")
	fs.StringVar(&o.metrics, "metrics", "", "Prometheus textfile path (overrides config)")
	fs.Float64Var(&o.gain, "gain", 0, "gain in e-/ADU (overrides header and config)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.paths.Image == "" || o.paths.Catalog == "" {
		return nil, errors.New("usage: starbias -image <file> -weight <file> -model <file> -sky <file> -catalog <file> [-dq <file>] [-config <file>]")
	}
	return o, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg, opts)

	runID := uuid.NewString()
	logger := newLogger(cfg.LoggingConfig())
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("run_id", runID))

	fmt.Printf("Loading: %s\n", opts.paths.Image)
	startTime := time.Now()

	src := &ccdio.FileSource{Paths: opts.paths, Gain: cfg.Pipeline.Gain}
	in, err := src.LoadCCD(ctx, opts.detector)
	if err != nil {
		return err
	}
	width, height := in.Image.Width, in.Image.Height
	fmt.Printf("FITS loaded: %dx%d, %d stars, gain %.3f\n", width, height, len(in.Stars), in.Gain)

	psf, err := choosePSF(in, cfg, logger)
	if err != nil {
		return err
	}
	cov, err := covest.New(cfg.CovarianceOptions())
	if err != nil {
		return err
	}
	m := metrics.New(runID)
	proc, err := debias.NewProcessor(cfg.Params(), psf, cov,
		debias.WithLogger(logger),
		debias.WithObserver(m),
	)
	if err != nil {
		return err
	}

	sink := &ccdio.FileSink{Dir: cfg.Output.Dir}
	detStart := time.Now()
	res, err := proc.Run(ctx, loadedSource{in: in}, sink, opts.detector)
	m.RecordDetector(opts.detector, time.Since(detStart), err)
	if cfg.Output.MetricsFile != "" {
		if merr := m.WriteTextfile(cfg.Output.MetricsFile); merr != nil {
			logger.Warn("metrics textfile not written", zap.Error(merr))
		}
	}
	if err != nil {
		return err
	}

	printSummary(res, psf, width, height, time.Since(startTime))
	fmt.Printf("Results: %s\n", sink.Written)

	field := debias.SummarizeField(res, width, height)
	if field != nil {
		printField(field)
		if cfg.Output.Overlay != "" {
			if err := debias.RenderFieldOverlay(field, res, width, height, cfg.Output.Overlay); err != nil {
				return err
			}
			fmt.Printf("Overlay: %s\n", cfg.Output.Overlay)
		}
	}
	return nil
}

// newLogger builds the configured logger, falling back to stderr when an
// output path cannot be opened.
func newLogger(cfg logging.Config) *zap.Logger {
	logger, err := logging.New(cfg)
	if err == nil {
		return logger
	}
	fallback := logging.NewDefault()
	if cfg.Development {
		fallback = logging.NewDevelopment()
	}
	fallback.Warn("logger configuration unusable, logging to stderr",
		zap.Strings("output_paths", cfg.OutputPaths),
		zap.Error(err))
	return fallback
}

func applyOverrides(cfg *config.Config, o *options) {
	if o.outDir != "" {
		cfg.Output.Dir = o.outDir
	}
	if o.overlay != "" {
		cfg.Output.Overlay = o.overlay
	}
	if o.metrics != "" {
		cfg.Output.MetricsFile = o.metrics
	}
	if o.gain > 0 {
		cfg.Pipeline.Gain = o.gain
	}
	if cfg.Output.Overlay != "" && !filepath.IsAbs(cfg.Output.Overlay) && filepath.Dir(cfg.Output.Overlay) == "." {
		cfg.Output.Overlay = filepath.Join(cfg.Output.Dir, cfg.Output.Overlay)
	}
}

// loadedSource hands an already loaded detector to the processor.
type loadedSource struct {
	in *debias.CCDInput
}

func (s loadedSource) LoadCCD(ctx context.Context, detector string) (*debias.CCDInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.in, nil
}

func printSummary(res *debias.CCDResult, psf debias.GaussianPSF, width, height int, elapsed time.Duration) {
	fmt.Println()
	fmt.Printf("=== Debiasing Results (%.1fs) ===\n", elapsed.Seconds())
	fmt.Printf("  Image size:      %d x %d\n", width, height)
	fmt.Printf("  PSF sigma:       %.3f x %.3f px\n", psf.SigmaX, psf.SigmaY)
	fmt.Printf("  Stars:           %d (ok %d, excluded %d, faint %d, failed %d)\n",
		len(res.Rows), res.Metrics.Processed, res.Metrics.Excluded, res.Metrics.Faint, res.Metrics.Failed)
	fmt.Printf("  Border cleared:  %d\n", res.Metrics.BorderHits)
	fmt.Printf("  Infill:          %d rounds, width %d", res.Infill.Iterations, res.Infill.FinalWidth)
	if res.Infill.Degraded {
		fmt.Printf(", %d px set to median %.3f", res.Infill.Unresolved, res.Infill.Median)
	}
	fmt.Println()
	fmt.Printf("  Noise:           %.3f -> %.3f\n", res.Metrics.NoiseBefore.Sigma, res.Metrics.NoiseAfter.Sigma)

	var inflation, chi2, corr []float64
	for _, r := range res.Rows {
		if r.Status != debias.StatusOK {
			continue
		}
		if r.Stats.StdWDiag > 0 {
			inflation = append(inflation, r.Stats.StdW/r.Stats.StdWDiag)
		}
		chi2 = append(chi2, r.Stats.Chi20)
		corr = append(corr, r.Stats.DebiasedFlux/r.Star.Flux)
	}
	if len(inflation) > 0 {
		med, mad := medianMAD(inflation)
		fmt.Printf("  Inflation:       %.3f +/- %.3f\n", med, mad)
	}
	if len(chi2) > 0 {
		med, mad := medianMAD(chi2)
		fmt.Printf("  chi2 (known):    %.1f +/- %.1f\n", med, mad)
		med, mad = medianMAD(corr)
		fmt.Printf("  Flux correction: %.4f +/- %.4f\n", med, mad)
	}
	fmt.Println("==============================")
}

func printField(field *debias.FieldSummary) {
	fmt.Println()
	fmt.Println("=== Field Summary (3x3) ===")
	zoneOrder := []debias.ZonePosition{
		debias.ZoneTopLeft, debias.ZoneTop, debias.ZoneTopRight,
		debias.ZoneLeft, debias.ZoneCenter, debias.ZoneRight,
		debias.ZoneBottomLeft, debias.ZoneBottom, debias.ZoneBottomRight,
	}
	for i, pos := range zoneOrder {
		z := field.Zones[pos]
		fmt.Printf("  %-8s infl=%.3f  corr=%.4f  n=%d\n", z.Label, z.MedianInflation, z.MedianCorrection, z.StarCount)
		if (i+1)%3 == 0 && i < 8 {
			fmt.Println("  ---")
		}
	}
	fmt.Printf("\n  Off-axis: %.1f%% (worst: %s)\n", field.OffAxisPct, field.WorstZone)
	if !field.Reliable {
		fmt.Println("  [LOW STAR COUNT - UNRELIABLE]")
	}
	fmt.Println("==============================")
}

func medianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	median := middle(sorted)

	deviations := make([]float64, len(sorted))
	for i := range sorted {
		deviations[i] = math.Abs(sorted[i] - median)
	}
	sort.Float64s(deviations)
	return median, 1.4826 * middle(deviations)
}

func middle(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}
