/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package debias

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// KappaSigmaResult holds noise estimation results.
type KappaSigmaResult struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
}

func (r KappaSigmaResult) String() string {
	return fmt.Sprintf("{Sigma=%f, BackgroundMean=%f, NumIterations=%d}", r.Sigma, r.BackgroundMean, r.NumIterations)
}

// KappaSigmaNoise performs iterative kappa-sigma clipping of the pixel
// values, skipping masked pixels when mask is non-nil. Unlike the detection
// variant it clips symmetrically, since residual images are centred on zero.
func KappaSigmaNoise(img *Image, mask *BoolMask, clippingMultiplier, allowedError float64, maxIterations int) KappaSigmaResult {
	values := make([]float64, 0, len(img.Pix))
	for i, v := range img.Pix {
		if mask != nil && mask.Bits[i] {
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}
	if len(values) < 2 {
		return KappaSigmaResult{}
	}

	lastSigma := 1.0
	lastBackgroundMean := 0.0
	numIterations := 0
	clipped := values
	kept := make([]float64, 0, len(values))

	for numIterations < maxIterations {
		meanVal, sigmaVal := stat.PopMeanStdDev(clipped, nil)

		numIterations++
		if numIterations > 1 {
			if math.Abs(sigmaVal-lastSigma) <= allowedError {
				lastSigma = sigmaVal
				lastBackgroundMean = meanVal
				break
			}
		}
		lastSigma = sigmaVal
		lastBackgroundMean = meanVal

		kept = kept[:0]
		limit := clippingMultiplier * sigmaVal
		for _, v := range values {
			if math.Abs(v-meanVal) <= limit {
				kept = append(kept, v)
			}
		}
		if len(kept) < 2 {
			break
		}
		clipped, kept = kept, clipped[:0:0]
	}

	return KappaSigmaResult{
		Sigma:          lastSigma,
		BackgroundMean: lastBackgroundMean,
		NumIterations:  numIterations,
	}
}

// subtractImages returns a - b.
func subtractImages(a, b *Image) *Image {
	out := NewImage(a.Width, a.Height)
	for i := range out.Pix {
		out.Pix[i] = a.Pix[i] - b.Pix[i]
	}
	return out
}
