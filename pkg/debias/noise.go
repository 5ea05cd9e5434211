package debias

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// InjectSkyNoise replaces every masked pixel v of img with
// sky - Poisson(gain*(sky-v))/gain, giving infilled pixels photon noise at
// the local background level while keeping their mean. Pixels with a
// non-positive expected count keep their value. The draw sequence is fixed
// by seed and the row-major pixel order.
func InjectSkyNoise(img *Image, mask *BoolMask, sky *Image, gain float64, seed uint64) error {
	if !(gain > 0) || math.IsInf(gain, 0) {
		return fmt.Errorf("%w: got %f", ErrInvalidGain, gain)
	}
	if !mask.sameShape(img.Width, img.Height) || !sky.sameShape(img.Width, img.Height) {
		return fmt.Errorf("%w: noise injection on %dx%d image", ErrDimensionMismatch, img.Width, img.Height)
	}

	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	for i, masked := range mask.Bits {
		if !masked {
			continue
		}
		lambda := gain * (sky.Pix[i] - img.Pix[i])
		if !(lambda > 0) || math.IsInf(lambda, 0) {
			continue
		}
		counts := distuv.Poisson{Lambda: lambda, Src: src}.Rand()
		img.Pix[i] = sky.Pix[i] - counts/gain
	}
	return nil
}
