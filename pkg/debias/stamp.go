package debias

import "fmt"

// Stamps are aligned np x np cut-outs around one star, flattened row-major.
type Stamps struct {
	Size     int
	Resid    []float64
	Weight   []float64
	StarOnly []float64
	Mask     []bool
}

// CutStamps copies the np x np windows centred on 1-based pixel (cx, cy).
// starOnly is the model minus the sky.
func CutStamps(cx, cy, np int, resid, weight, starOnly *Image, mask *BoolMask) (*Stamps, error) {
	if err := checkPatchSize(np); err != nil {
		return nil, err
	}
	width, height := resid.Width, resid.Height
	if !weight.sameShape(width, height) || !starOnly.sameShape(width, height) || !mask.sameShape(width, height) {
		return nil, fmt.Errorf("%w: stamp sources differ from %dx%d", ErrDimensionMismatch, width, height)
	}
	half := (np - 1) / 2
	if cx-half < 1 || cy-half < 1 || cx+half > width || cy+half > height {
		return nil, fmt.Errorf("%w: centre (%d, %d) with size %d on %dx%d", ErrStampOutOfBounds, cx, cy, np, width, height)
	}

	st := &Stamps{
		Size:     np,
		Resid:    make([]float64, np*np),
		Weight:   make([]float64, np*np),
		StarOnly: make([]float64, np*np),
		Mask:     make([]bool, np*np),
	}
	for j := 0; j < np; j++ {
		src := (cy-half-1+j)*width + (cx - half - 1)
		dst := j * np
		copy(st.Resid[dst:dst+np], resid.Pix[src:src+np])
		copy(st.Weight[dst:dst+np], weight.Pix[src:src+np])
		copy(st.StarOnly[dst:dst+np], starOnly.Pix[src:src+np])
		copy(st.Mask[dst:dst+np], mask.Bits[src:src+np])
	}
	return st, nil
}

// interior reports whether a star's rounded centre lies at least np pixels
// inside every edge.
func interior(s StarRecord, np, width, height int) bool {
	cx, cy := s.Center()
	return cx > np && cy > np && cx <= width-np && cy <= height-np
}
