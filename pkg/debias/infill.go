package debias

import (
	"fmt"
	"math"
)

// InfillOptions controls the growing-boxcar infill.
type InfillOptions struct {
	InitialWidth  int
	Growth        float64
	MinCount      int
	MaxIterations int
}

// DefaultInfillOptions returns the standard schedule: 19 px window,
// x1.4 growth, more than 10 contributing pixels, at most 10 rounds.
func DefaultInfillOptions() InfillOptions {
	return InfillOptions{
		InitialWidth:  19,
		Growth:        1.4,
		MinCount:      10,
		MaxIterations: 10,
	}
}

func (o InfillOptions) Validate() error {
	if o.InitialWidth < 1 {
		return fmt.Errorf("infill width must be positive, got %d", o.InitialWidth)
	}
	if !(o.Growth > 1) || math.IsInf(o.Growth, 0) {
		return fmt.Errorf("infill growth must be > 1, got %f", o.Growth)
	}
	if o.MinCount < 0 {
		return fmt.Errorf("infill minimum count must be non-negative, got %d", o.MinCount)
	}
	if o.MaxIterations < 1 {
		return fmt.Errorf("infill iterations must be at least 1, got %d", o.MaxIterations)
	}
	return nil
}

// InfillReport describes how an infill terminated.
type InfillReport struct {
	Iterations int
	FinalWidth int
	// Unresolved is the number of pixels still pending when the iteration
	// cap was hit; they were set to Median.
	Unresolved int
	Degraded   bool
	Median     float64
}

// InfillScratch holds the detector-scoped buffers reused across smoothing
// rounds. It must not be shared between concurrently processed detectors.
type InfillScratch struct {
	values  Mat
	counts  Mat
	sum     Mat
	n       Mat
	out     *Image
	pending *BoolMask
}

// NewInfillScratch allocates buffers for a width x height detector.
func NewInfillScratch(width, height int) *InfillScratch {
	return &InfillScratch{
		values:  NewMatWithSize(height, width),
		counts:  NewMatWithSize(height, width),
		sum:     NewMat(),
		n:       NewMat(),
		out:     NewImage(width, height),
		pending: NewBoolMask(width, height),
	}
}

func (s *InfillScratch) Close() {
	s.values.Close()
	s.counts.Close()
	s.sum.Close()
	s.n.Close()
}

// Infill replaces the masked pixels of resid by local means of the unmasked
// pixels, growing the window until every pixel has enough support. The
// returned image is owned by s and is overwritten by the next call.
func Infill(resid *Image, mask *BoolMask, s *InfillScratch, opts InfillOptions) (*Image, InfillReport, error) {
	if err := opts.Validate(); err != nil {
		return nil, InfillReport{}, err
	}
	width, height := resid.Width, resid.Height
	if !mask.sameShape(width, height) || !s.out.sameShape(width, height) || !s.pending.sameShape(width, height) {
		return nil, InfillReport{}, fmt.Errorf("%w: infill of %dx%d image", ErrDimensionMismatch, width, height)
	}

	// Masked pixels are zeroed so they drop out of the local sums.
	ensureMat(&s.values, height, width)
	ensureMat(&s.counts, height, width)
	values := s.values.DataFloat32()
	counts := s.counts.DataFloat32()
	out := s.out.Pix
	pending := s.pending.Bits
	remaining := 0
	for i, v := range resid.Pix {
		if mask.Bits[i] {
			values[i] = 0
			counts[i] = 0
			out[i] = 0
			pending[i] = true
			remaining++
		} else {
			values[i] = float32(v)
			counts[i] = 1
			out[i] = v
			pending[i] = false
		}
	}

	report := InfillReport{FinalWidth: opts.InitialWidth}
	wid := opts.InitialWidth
	for remaining > 0 && report.Iterations < opts.MaxIterations {
		boxSum(s.values, &s.sum, wid)
		boxSum(s.counts, &s.n, wid)
		sums := s.sum.DataFloat32()
		ns := s.n.DataFloat32()

		for i, p := range pending {
			if !p {
				continue
			}
			c := math.Round(float64(ns[i]))
			if c > float64(opts.MinCount) {
				out[i] = float64(sums[i]) / c
				pending[i] = false
				remaining--
			}
		}

		report.Iterations++
		report.FinalWidth = wid
		wid = int(math.Round(float64(wid) * opts.Growth))
	}

	if remaining > 0 {
		report.Degraded = true
		report.Unresolved = remaining
		report.Median = median(resid.Pix)
		for i, p := range pending {
			if p {
				out[i] = report.Median
			}
		}
	}
	return s.out, report, nil
}

// median returns the empirical median without modifying values.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	return medianOf(sorted)
}
