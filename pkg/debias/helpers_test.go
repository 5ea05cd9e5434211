package debias

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var testPSF = GaussianPSF{SigmaX: 1.5, SigmaY: 1.5}

func constImage(w, h int, v float64) *Image {
	img := NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// addStar adds flux times the unit PSF centred on (x, y).
func addStar(t *testing.T, img *Image, psf PSFModel, x, y, flux float64, size int) {
	t.Helper()
	stamp, err := psf.Stamp(x, y, size)
	require.NoError(t, err)
	cx, cy := int(math.Round(x)), int(math.Round(y))
	half := size / 2
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			px, py := cx-half+i, cy-half+j
			if px < 1 || py < 1 || px > img.Width || py > img.Height {
				continue
			}
			img.Set(px, py, img.At(px, py)+flux*stamp[j*size+i])
		}
	}
}

// syntheticCCD builds a detector whose model is exactly sky plus stars and
// whose image adds white Gaussian noise of the given sigma.
func syntheticCCD(t *testing.T, w, h int, stars []StarRecord, sky, sigma float64, seed uint64) *CCDInput {
	t.Helper()
	model := constImage(w, h, sky)
	for _, s := range stars {
		addStar(t, model, testPSF, s.X, s.Y, s.Flux, 25)
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	image := model.Clone()
	for i := range image.Pix {
		image.Pix[i] += sigma * rng.NormFloat64()
	}
	return &CCDInput{
		Detector:    "S1",
		Image:       image,
		Weight:      constImage(w, h, 1/(sigma*sigma)),
		DataQuality: NewImage(w, h),
		Model:       model,
		Sky:         constImage(w, h, sky),
		Gain:        4,
		Stars:       stars,
	}
}

// diagonalCovariance is a white-noise CovarianceProvider.
type diagonalCovariance struct {
	variance float64
}

func (d diagonalCovariance) LocalCovariance(_ *Image, _ StarRecord, np int) (*LocalCovariance, error) {
	n := np * np
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, d.variance)
	}
	return &LocalCovariance{Cov: cov, Mean: make([]float64, n)}, nil
}

// squaredExpCovariance returns a smooth, strictly positive definite
// covariance over an np x np patch.
func squaredExpCovariance(np int, amp, length, nugget float64) *mat.SymDense {
	n := np * np
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dx := float64(i%np - j%np)
			dy := float64(i/np - j/np)
			v := amp * math.Exp(-(dx*dx+dy*dy)/(2*length*length))
			if i == j {
				v += nugget
			}
			cov.SetSym(i, j, v)
		}
	}
	return cov
}

func testParams() *Params {
	p := NewParams()
	p.PatchSize = 9
	p.StaticPSFSize = 15
	p.Workers = 3
	return p
}
