// Package covest estimates the local pixel covariance around a star from
// the infilled residual image, assuming the background is stationary over
// a window around the star.
package covest

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"starbias/pkg/debias"
)

// ErrWindowTooSmall is returned when the clipped sampling window cannot hold
// a single patch.
var ErrWindowTooSmall = errors.New("sampling window smaller than the patch")

// Options controls the estimator.
type Options struct {
	// HalfWidth of the square sampling window around the star. Raised to
	// np-1 when smaller, so every lag inside the patch has support.
	HalfWidth int
	// Jitter is added to the diagonal.
	Jitter float64
}

// DefaultOptions returns a 97 x 97 sampling window without jitter.
func DefaultOptions() Options {
	return Options{HalfWidth: 48}
}

func (o Options) Validate() error {
	if o.HalfWidth < 1 {
		return fmt.Errorf("covariance half width must be positive, got %d", o.HalfWidth)
	}
	if o.Jitter < 0 || math.IsNaN(o.Jitter) || math.IsInf(o.Jitter, 0) {
		return fmt.Errorf("covariance jitter must be non-negative and finite, got %f", o.Jitter)
	}
	return nil
}

// Provider implements debias.CovarianceProvider. It holds no mutable state
// and can be shared by all star workers.
type Provider struct {
	opts Options
}

var _ debias.CovarianceProvider = (*Provider)(nil)

// New validates opts and returns a Provider.
func New(opts Options) (*Provider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Provider{opts: opts}, nil
}

// LocalCovariance builds the np² x np² covariance of the patch centred on
// the star from the biased sample autocovariance of the sampling window.
// The biased estimator keeps the matrix positive semi-definite.
func (p *Provider) LocalCovariance(img *debias.Image, star debias.StarRecord, np int) (*debias.LocalCovariance, error) {
	if np < 1 || np%2 == 0 {
		return nil, fmt.Errorf("%w: got %d", debias.ErrInvalidPatchSize, np)
	}
	win, w, h, err := p.window(img, star, np)
	if err != nil {
		return nil, err
	}
	mean := stat.Mean(win, nil)
	for i := range win {
		win[i] -= mean
	}

	lag := np - 1
	acf := autocovariance(win, w, h, lag)
	side := 2*lag + 1

	n := np * np
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		ix, iy := i%np, i/np
		for j := i; j < n; j++ {
			dx, dy := j%np-ix, j/np-iy
			v := acf[(dy+lag)*side+dx+lag]
			if i == j {
				v += p.opts.Jitter
			}
			cov.SetSym(i, j, v)
		}
	}

	means := make([]float64, n)
	for i := range means {
		means[i] = mean
	}
	return &debias.LocalCovariance{Cov: cov, Mean: means}, nil
}

// window copies the clipped sampling window around the star.
func (p *Provider) window(img *debias.Image, star debias.StarRecord, np int) ([]float64, int, int, error) {
	cx, cy := star.Center()
	half := max(p.opts.HalfWidth, np-1)
	x0, x1 := max(1, cx-half), min(img.Width, cx+half)
	y0, y1 := max(1, cy-half), min(img.Height, cy+half)
	w, h := x1-x0+1, y1-y0+1
	if w < np || h < np {
		return nil, 0, 0, fmt.Errorf("%w: %dx%d window around %s", ErrWindowTooSmall, max(w, 0), max(h, 0), star)
	}

	win := make([]float64, 0, w*h)
	for y := y0; y <= y1; y++ {
		row := img.Pix[(y-1)*img.Width+x0-1 : (y-1)*img.Width+x1]
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, 0, 0, fmt.Errorf("non-finite pixel in covariance window around %s", star)
			}
		}
		win = append(win, row...)
	}
	return win, w, h, nil
}

// autocovariance returns C(dx, dy) = (1/N) Σ x(p) x(p+d) for |dx|, |dy| <= lag
// on a (2*lag+1)² grid, summing only over pairs inside the window.
func autocovariance(x []float64, w, h, lag int) []float64 {
	side := 2*lag + 1
	acf := make([]float64, side*side)
	norm := float64(w * h)
	for dy := 0; dy <= lag; dy++ {
		for dx := -lag; dx <= lag; dx++ {
			if dy == 0 && dx < 0 {
				continue
			}
			sum := 0.0
			xStart, xEnd := max(0, -dx), min(w, w-dx)
			for y := 0; y+dy < h; y++ {
				a := x[y*w : (y+1)*w]
				b := x[(y+dy)*w : (y+dy+1)*w]
				for xi := xStart; xi < xEnd; xi++ {
					sum += a[xi] * b[xi+dx]
				}
			}
			v := sum / norm
			acf[(dy+lag)*side+dx+lag] = v
			acf[(-dy+lag)*side-dx+lag] = v
		}
	}
	return acf
}
