package debias

import (
	"fmt"
	"math"
)

// PixelMask is the per-star mask over a flattened np x np patch.
type PixelMask struct {
	Size          int
	PSF           []float64
	StarMasked    []bool
	PSFMasked     []bool
	Count         int
	BorderCleared bool
}

// Partition returns the index-set view of the mask.
func (m *PixelMask) Partition() (Partition, error) {
	return NewPartition(m.StarMasked, m.PSFMasked)
}

// ComposePixelMask combines the star's local window of the detector mask
// with its own PSF mask (psf > thr/|flux|). When more than np*np - margin
// pixels end up masked, the one-pixel border is cleared in both components
// and the union is recomputed from the cleared components.
func ComposePixelMask(local []bool, psf PSFModel, star StarRecord, np int, thr float64, margin int) (*PixelMask, error) {
	if err := checkPatchSize(np); err != nil {
		return nil, err
	}
	if len(local) != np*np {
		return nil, fmt.Errorf("%w: local mask has %d values, want %d", ErrDimensionMismatch, len(local), np*np)
	}
	if !(star.Flux > 0) || math.IsInf(star.Flux, 0) {
		return nil, fmt.Errorf("%w: got %f", ErrInvalidFlux, star.Flux)
	}
	stamp, err := evalStamp(psf, star.X, star.Y, np)
	if err != nil {
		return nil, err
	}

	cut := thr / math.Abs(star.Flux)
	global := make([]bool, np*np)
	copy(global, local)
	m := &PixelMask{
		Size:       np,
		PSF:        stamp,
		StarMasked: make([]bool, np*np),
		PSFMasked:  make([]bool, np*np),
	}
	for i, v := range stamp {
		m.PSFMasked[i] = v > cut
	}
	m.Count = unionInto(m.StarMasked, global, m.PSFMasked)

	if m.Count > np*np-margin {
		clearBorder(global, np)
		clearBorder(m.PSFMasked, np)
		m.Count = unionInto(m.StarMasked, global, m.PSFMasked)
		m.BorderCleared = true
	}
	return m, nil
}

func unionInto(dst, a, b []bool) int {
	n := 0
	for i := range dst {
		dst[i] = a[i] || b[i]
		if dst[i] {
			n++
		}
	}
	return n
}

func clearBorder(bits []bool, np int) {
	last := np - 1
	for k := 0; k < np; k++ {
		bits[k] = false
		bits[last*np+k] = false
		bits[k*np] = false
		bits[k*np+last] = false
	}
}
