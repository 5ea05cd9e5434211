package debias

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStaticMask(t *testing.T) {
	stamp, err := testPSF.Stamp(20, 20, 15)
	require.NoError(t, err)
	stars := []StarRecord{{X: 20, Y: 20, Flux: 1e4, ID: 1}}

	t.Run("marks the PSF core only", func(t *testing.T) {
		mask := NewBoolMask(40, 40)
		require.NoError(t, BuildStaticMask(mask, stamp, 15, stars, 20))
		assert.True(t, mask.At(20, 20))
		assert.True(t, mask.At(22, 20))
		assert.False(t, mask.At(26, 20))
		assert.False(t, mask.At(1, 1))
	})

	t.Run("output is a superset of the input", func(t *testing.T) {
		mask := NewBoolMask(40, 40)
		mask.Bits[0] = true
		mask.Bits[len(mask.Bits)-1] = true
		before := mask.Clone()
		require.NoError(t, BuildStaticMask(mask, stamp, 15, stars, 20))
		for i, b := range before.Bits {
			if b {
				assert.True(t, mask.Bits[i], "pixel %d was cleared", i)
			}
		}
		assert.Greater(t, mask.Count(), before.Count())
	})

	t.Run("idempotent", func(t *testing.T) {
		mask := NewBoolMask(40, 40)
		require.NoError(t, BuildStaticMask(mask, stamp, 15, stars, 20))
		once := mask.Clone()
		require.NoError(t, BuildStaticMask(mask, stamp, 15, stars, 20))
		assert.Equal(t, once.Bits, mask.Bits)
	})

	t.Run("clips stamps at the image edge", func(t *testing.T) {
		mask := NewBoolMask(40, 30)
		edge := []StarRecord{{X: 1, Y: 30, Flux: 1e4}, {X: 40.4, Y: 1.2, Flux: 1e4}}
		require.NoError(t, BuildStaticMask(mask, stamp, 15, edge, 20))
		assert.True(t, mask.At(1, 30))
		assert.True(t, mask.At(40, 1))
		assert.True(t, mask.At(2, 29))
	})

	t.Run("brighter stars mask wider", func(t *testing.T) {
		faint := NewBoolMask(40, 40)
		bright := NewBoolMask(40, 40)
		require.NoError(t, BuildStaticMask(faint, stamp, 15, stars, 20))
		require.NoError(t, BuildStaticMask(bright, stamp, 15, []StarRecord{{X: 20, Y: 20, Flux: 1e6}}, 20))
		assert.Greater(t, bright.Count(), faint.Count())
	})

	t.Run("rejects bad configuration", func(t *testing.T) {
		mask := NewBoolMask(40, 40)
		err := BuildStaticMask(mask, stamp, 15, []StarRecord{{X: 20, Y: 20, Flux: 0}}, 20)
		assert.ErrorIs(t, err, ErrInvalidFlux)

		even := make([]float64, 16)
		err = BuildStaticMask(mask, even, 4, stars, 20)
		assert.ErrorIs(t, err, ErrInvalidPatchSize)

		err = BuildStaticMask(mask, stamp[:10], 15, stars, 20)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}
