package debias

import (
	"context"
	"fmt"
)

// PSFModel evaluates the position-dependent PSF. Stamp returns a size x size
// row-major amplitude grid whose centre pixel is the star's rounded
// position; size must be odd.
type PSFModel interface {
	Stamp(x, y float64, size int) ([]float64, error)
}

// PSFFunc adapts a function to PSFModel.
type PSFFunc func(x, y float64, size int) ([]float64, error)

func (f PSFFunc) Stamp(x, y float64, size int) ([]float64, error) { return f(x, y, size) }

// CovarianceProvider builds the local pixel covariance of an np x np patch
// around a star from the infilled, noise-injected residual. It is called
// concurrently for different stars and must treat img as read-only.
type CovarianceProvider interface {
	LocalCovariance(img *Image, star StarRecord, np int) (*LocalCovariance, error)
}

// ExposureSource loads the inputs for one detector.
type ExposureSource interface {
	LoadCCD(ctx context.Context, detector string) (*CCDInput, error)
}

// ResultSink persists the rows of one detector.
type ResultSink interface {
	WriteCCD(ctx context.Context, res *CCDResult) error
}

// Observer receives per-detector and per-star outcomes.
type Observer interface {
	ObserveInfill(detector string, report InfillReport)
	ObserveStar(detector string, status StarStatus)
}

type nopObserver struct{}

func (nopObserver) ObserveInfill(string, InfillReport) {}
func (nopObserver) ObserveStar(string, StarStatus)     {}

func evalStamp(psf PSFModel, x, y float64, size int) ([]float64, error) {
	stamp, err := psf.Stamp(x, y, size)
	if err != nil {
		return nil, fmt.Errorf("evaluating PSF at (%f, %f): %w", x, y, err)
	}
	if len(stamp) != size*size {
		return nil, fmt.Errorf("%w: PSF stamp has %d values, want %d", ErrDimensionMismatch, len(stamp), size*size)
	}
	return stamp, nil
}
