package debias

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Image is a row-major detector image. Pixel coordinates handed to the
// public API are 1-based (FITS convention): pixel (1, 1) is Pix[0].
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// NewImage allocates a zeroed width x height image.
func NewImage(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// At returns the value at 1-based pixel (x, y).
func (im *Image) At(x, y int) float64 { return im.Pix[(y-1)*im.Width+(x-1)] }

// Set stores v at 1-based pixel (x, y).
func (im *Image) Set(x, y int, v float64) { im.Pix[(y-1)*im.Width+(x-1)] = v }

func (im *Image) Clone() *Image {
	out := &Image{Width: im.Width, Height: im.Height, Pix: make([]float64, len(im.Pix))}
	copy(out.Pix, im.Pix)
	return out
}

func (im *Image) sameShape(w, h int) bool {
	return im != nil && im.Width == w && im.Height == h && len(im.Pix) == w*h
}

// BoolMask marks pixels needing infill or exclusion. Same layout as Image.
type BoolMask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewBoolMask allocates an all-false mask.
func NewBoolMask(width, height int) *BoolMask {
	return &BoolMask{Width: width, Height: height, Bits: make([]bool, width*height)}
}

// MaskFromFlags marks every pixel whose data-quality value is non-zero.
func MaskFromFlags(dq *Image) *BoolMask {
	m := NewBoolMask(dq.Width, dq.Height)
	for i, v := range dq.Pix {
		m.Bits[i] = v != 0
	}
	return m
}

func (m *BoolMask) At(x, y int) bool { return m.Bits[(y-1)*m.Width+(x-1)] }

func (m *BoolMask) Clone() *BoolMask {
	out := &BoolMask{Width: m.Width, Height: m.Height, Bits: make([]bool, len(m.Bits))}
	copy(out.Bits, m.Bits)
	return out
}

// Count returns the number of set pixels.
func (m *BoolMask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

func (m *BoolMask) sameShape(w, h int) bool {
	return m != nil && m.Width == w && m.Height == h && len(m.Bits) == w*h
}

// StarRecord is one catalog row. X and Y are continuous 1-based pixel
// positions; stamps are centred on the rounded position.
type StarRecord struct {
	X    float64
	Y    float64
	Flux float64
	ID   int64
}

// Center returns the rounded stamp centre.
func (s StarRecord) Center() (int, int) {
	return int(math.Round(s.X)), int(math.Round(s.Y))
}

func (s StarRecord) String() string {
	return fmt.Sprintf("{ID=%d, X=%f, Y=%f, Flux=%f}", s.ID, s.X, s.Y, s.Flux)
}

// LocalCovariance is the covariance of a flattened Np x Np patch around
// one star, together with the patch mean.
type LocalCovariance struct {
	Cov  *mat.SymDense
	Mean []float64
}

// StarStatistics holds the per-star outputs in their fixed column order.
type StarStatistics struct {
	StdW         float64
	StdWDiag     float64
	VarWDB       float64
	DebiasedFlux float64
	ResidMean    float64
	PredMean     float64
	Chi20        float64
}

// StatisticNames lists the output columns in Vector order.
var StatisticNames = [7]string{"std_w", "std_wdiag", "var_wdb", "flux_db", "resid_mean", "pred_mean", "chi20"}

// Vector returns the statistics in the fixed output order.
func (s StarStatistics) Vector() [7]float64 {
	return [7]float64{s.StdW, s.StdWDiag, s.VarWDB, s.DebiasedFlux, s.ResidMean, s.PredMean, s.Chi20}
}

func invalidStatistics() StarStatistics {
	nan := math.NaN()
	return StarStatistics{nan, nan, nan, nan, nan, nan, nan}
}

// StarStatus classifies the outcome for one catalog row.
type StarStatus int

const (
	StatusOK StarStatus = iota
	StatusExcluded
	StatusFailed
	// StatusFaint marks a star with no pixel above the flux-scaled
	// threshold; it has no footprint to debias.
	StatusFaint
)

func (s StarStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusExcluded:
		return "excluded"
	case StatusFailed:
		return "failed"
	case StatusFaint:
		return "faint"
	default:
		return "unknown"
	}
}

// StarRow is one output row, aligned with the input catalog.
type StarRow struct {
	Star          StarRecord
	Stats         StarStatistics
	Status        StarStatus
	MaskedCount   int
	BorderCleared bool
	Err           error
}

// Params contains the tunables of the per-detector pipeline.
type Params struct {
	PatchSize     int
	Threshold     float64
	StaticPSFSize int
	MaskMargin    int
	Infill        InfillOptions
	Seed          uint64
	Workers       int
}

// NewParams creates a Params with default values.
func NewParams() *Params {
	return &Params{
		PatchSize:     33,
		Threshold:     20,
		StaticPSFSize: 65,
		MaskMargin:    0,
		Infill:        DefaultInfillOptions(),
		Seed:          2021,
		Workers:       4,
	}
}

// Validate rejects configurations that cannot be processed.
func (p *Params) Validate() error {
	if err := checkPatchSize(p.PatchSize); err != nil {
		return err
	}
	if err := checkPatchSize(p.StaticPSFSize); err != nil {
		return fmt.Errorf("static PSF size: %w", err)
	}
	if !(p.Threshold > 0) || math.IsInf(p.Threshold, 0) {
		return fmt.Errorf("threshold must be positive and finite, got %f", p.Threshold)
	}
	if p.MaskMargin < 0 || p.MaskMargin > p.PatchSize*p.PatchSize {
		return fmt.Errorf("mask margin must be in [0, %d], got %d", p.PatchSize*p.PatchSize, p.MaskMargin)
	}
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", p.Workers)
	}
	return p.Infill.Validate()
}

// effectiveMargin returns the configured mask margin, or the border pixel
// count of the patch when unset.
func (p *Params) effectiveMargin() int {
	if p.MaskMargin > 0 {
		return p.MaskMargin
	}
	return borderMargin(p.PatchSize)
}

func borderMargin(np int) int { return 4 * (np - 1) }

func checkPatchSize(np int) error {
	if np < 3 || np%2 == 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidPatchSize, np)
	}
	return nil
}

// CCDInput bundles everything the I/O collaborator supplies for one detector.
type CCDInput struct {
	Detector    string
	Image       *Image
	Weight      *Image
	DataQuality *Image
	Model       *Image
	Sky         *Image
	Gain        float64
	Stars       []StarRecord
}

// CCDMetrics tracks per-detector row outcomes.
type CCDMetrics struct {
	Processed  int
	Excluded   int
	Failed     int
	Faint      int
	BorderHits int
	// Background noise of the residual before infill and of the
	// infilled, noise-injected residual.
	NoiseBefore KappaSigmaResult
	NoiseAfter  KappaSigmaResult
}

// CCDResult is the output of one detector, rows in catalog order.
type CCDResult struct {
	Detector string
	Rows     []StarRow
	Infill   InfillReport
	Metrics  CCDMetrics
}
