package debias

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPatchSize    = errors.New("patch size must be odd and at least 3")
	ErrInvalidFlux         = errors.New("star flux must be positive and finite")
	ErrInvalidGain         = errors.New("gain must be positive and finite")
	ErrDimensionMismatch   = errors.New("image dimensions do not match")
	ErrNotPositiveDefinite = errors.New("covariance block is not positive definite")
	ErrStampOutOfBounds    = errors.New("stamp extends past the image")
	ErrEmptyPSFMask        = errors.New("no pixels attributed to the star")
	ErrPSFFit              = errors.New("gaussian PSF fit failed")
)

// StarError carries the detector and catalog context of a per-star failure.
type StarError struct {
	Detector string
	Index    int
	ID       int64
	Err      error
}

func (e *StarError) Error() string {
	return fmt.Sprintf("detector %s star %d (id %d): %v", e.Detector, e.Index, e.ID, e.Err)
}

func (e *StarError) Unwrap() error { return e.Err }
