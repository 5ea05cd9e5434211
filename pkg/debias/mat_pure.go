//go:build purego || js

package debias

// Mat is a pure Go 2D float32 matrix.
type Mat struct {
	data []float32
	rows int
	cols int
}

func NewMat() Mat { return Mat{} }

func NewMatWithSize(rows, cols int) Mat {
	return Mat{
		data: make([]float32, rows*cols),
		rows: rows,
		cols: cols,
	}
}

func (m Mat) Rows() int   { return m.rows }
func (m Mat) Cols() int   { return m.cols }
func (m Mat) Empty() bool { return m.data == nil || m.rows == 0 || m.cols == 0 }

func (m *Mat) Close() {
	m.data = nil
	m.rows = 0
	m.cols = 0
}

// DataFloat32 returns the backing float32 slice.
func (m Mat) DataFloat32() []float32 {
	return m.data
}

// --- Pure Go CV operations ---

func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	if idx < 0 {
		idx = -idx
	}
	for idx >= size {
		idx = 2*size - 2 - idx
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}

// boxSum writes the unnormalised sum over a wid x wid window at every
// pixel. The window starts wid/2 pixels before the centre and the border
// is reflected without repeating the edge pixel.
func boxSum(src Mat, dst *Mat, wid int) {
	rows, cols := src.rows, src.cols
	srcData := src.DataFloat32()
	lo := wid / 2
	hi := wid - 1 - lo

	if dst.rows != rows || dst.cols != cols || dst.data == nil {
		*dst = NewMatWithSize(rows, cols)
	}

	temp := make([]float64, rows*cols)

	// Horizontal pass: running sum along each row
	for r := 0; r < rows; r++ {
		rowOff := r * cols
		var sum float64
		for k := -lo; k <= hi; k++ {
			sum += float64(srcData[rowOff+reflectIndex(k, cols)])
		}
		temp[rowOff] = sum
		for c := 1; c < cols; c++ {
			sum += float64(srcData[rowOff+reflectIndex(c+hi, cols)])
			sum -= float64(srcData[rowOff+reflectIndex(c-1-lo, cols)])
			temp[rowOff+c] = sum
		}
	}

	// Vertical pass: running sums for all columns at once
	dstData := dst.DataFloat32()
	colSum := make([]float64, cols)
	for k := -lo; k <= hi; k++ {
		off := reflectIndex(k, rows) * cols
		for c := 0; c < cols; c++ {
			colSum[c] += temp[off+c]
		}
	}
	for c := 0; c < cols; c++ {
		dstData[c] = float32(colSum[c])
	}
	for r := 1; r < rows; r++ {
		addOff := reflectIndex(r+hi, rows) * cols
		subOff := reflectIndex(r-1-lo, rows) * cols
		dstOff := r * cols
		for c := 0; c < cols; c++ {
			colSum[c] += temp[addOff+c] - temp[subOff+c]
			dstData[dstOff+c] = float32(colSum[c])
		}
	}
}
