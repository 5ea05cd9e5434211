package debias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCutStamps(t *testing.T) {
	resid := NewImage(20, 16)
	for i := range resid.Pix {
		resid.Pix[i] = float64(i)
	}
	weight := constImage(20, 16, 2)
	starOnly := constImage(20, 16, 0.5)
	mask := NewBoolMask(20, 16)
	mask.Bits[(8-1)*20+(10-1)] = true

	st, err := CutStamps(10, 8, 5, resid, weight, starOnly, mask)
	require.NoError(t, err)
	assert.Equal(t, 5, st.Size)
	assert.Len(t, st.Resid, 25)
	assert.Equal(t, resid.At(10, 8), st.Resid[12])
	assert.Equal(t, resid.At(8, 6), st.Resid[0])
	assert.Equal(t, resid.At(12, 10), st.Resid[24])
	assert.True(t, st.Mask[12])
	assert.Equal(t, 1, countTrue(st.Mask))
	assert.Equal(t, 2.0, st.Weight[3])
	assert.Equal(t, 0.5, st.StarOnly[20])

	// The stamp is a copy.
	st.Resid[12] = -1
	assert.NotEqual(t, -1.0, resid.At(10, 8))

	_, err = CutStamps(2, 8, 5, resid, weight, starOnly, mask)
	assert.ErrorIs(t, err, ErrStampOutOfBounds)
	_, err = CutStamps(10, 15, 5, resid, weight, starOnly, mask)
	assert.ErrorIs(t, err, ErrStampOutOfBounds)
	_, err = CutStamps(10, 8, 4, resid, weight, starOnly, mask)
	assert.ErrorIs(t, err, ErrInvalidPatchSize)
	_, err = CutStamps(10, 8, 5, resid, NewImage(4, 4), starOnly, mask)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestInterior(t *testing.T) {
	tests := []struct {
		x, y float64
		want bool
	}{
		{10, 10, true},
		{9, 10, false},
		{9.6, 10, true},
		{91, 40, true},
		{91.6, 40, false},
		{50, 41, true},
		{50, 42, false},
		{50, 9.4, false},
	}
	for _, tt := range tests {
		got := interior(StarRecord{X: tt.x, Y: tt.y, Flux: 1}, 9, 100, 50)
		assert.Equal(t, tt.want, got, "star at (%v, %v)", tt.x, tt.y)
	}
}

func countTrue(bits []bool) int {
	n := 0
	for _, b := range bits {
		if b {
			n++
		}
	}
	return n
}
