package debias

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reflect101(i, n int) int {
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		} else {
			i = 2*n - 2 - i
		}
	}
	return i
}

func TestBoxSum(t *testing.T) {
	const rows, cols = 10, 12
	rng := rand.New(rand.NewPCG(3, 4))
	src := NewMatWithSize(rows, cols)
	defer src.Close()
	data := src.DataFloat32()
	for i := range data {
		data[i] = float32(rng.IntN(20))
	}

	for _, wid := range []int{1, 3, 4, 9} {
		dst := NewMat()
		boxSum(src, &dst, wid)
		got := dst.DataFloat32()
		lo := wid / 2
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				var want float32
				for dy := -lo; dy < wid-lo; dy++ {
					for dx := -lo; dx < wid-lo; dx++ {
						want += data[reflect101(r+dy, rows)*cols+reflect101(c+dx, cols)]
					}
				}
				assert.InDelta(t, want, got[r*cols+c], 1e-2, "wid %d at (%d, %d)", wid, r, c)
			}
		}
		dst.Close()
	}
}

func TestEnsureMat(t *testing.T) {
	m := NewMat()
	assert.True(t, m.Empty())
	ensureMat(&m, 4, 6)
	assert.Equal(t, 4, m.Rows())
	assert.Equal(t, 6, m.Cols())
	assert.Len(t, m.DataFloat32(), 24)
	m.Close()
}
