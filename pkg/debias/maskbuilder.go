package debias

import (
	"fmt"
	"math"
)

// BuildStaticMask ORs into mask every pixel where the reference PSF stamp,
// centred on a star's rounded position, exceeds thr/|flux|. The stamp is
// clipped to the image independently along each axis.
func BuildStaticMask(mask *BoolMask, psf []float64, psfSize int, stars []StarRecord, thr float64) error {
	if err := checkPatchSize(psfSize); err != nil {
		return fmt.Errorf("PSF stamp: %w", err)
	}
	if len(psf) != psfSize*psfSize {
		return fmt.Errorf("%w: PSF stamp has %d values, want %d", ErrDimensionMismatch, len(psf), psfSize*psfSize)
	}
	if err := checkFluxes(stars); err != nil {
		return err
	}

	half := (psfSize - 1) / 2
	width, height := mask.Width, mask.Height
	for _, s := range stars {
		xr, yr := s.Center()
		cut := thr / math.Abs(s.Flux)

		x0 := max(1, xr-half)
		x1 := min(width, xr+half)
		y0 := max(1, yr-half)
		y1 := min(height, yr+half)

		for y := y0; y <= y1; y++ {
			psfRow := (y - (yr - half)) * psfSize
			maskRow := (y - 1) * width
			for x := x0; x <= x1; x++ {
				if psf[psfRow+x-(xr-half)] > cut {
					mask.Bits[maskRow+x-1] = true
				}
			}
		}
	}
	return nil
}

func checkFluxes(stars []StarRecord) error {
	for i, s := range stars {
		if !(s.Flux > 0) || math.IsInf(s.Flux, 0) {
			return fmt.Errorf("%w: star %d (id %d) has flux %f", ErrInvalidFlux, i, s.ID, s.Flux)
		}
	}
	return nil
}
