//go:build !purego && !js

package debias

import (
	"image"

	"gocv.io/x/gocv"
)

// Mat wraps gocv.Mat for the native OpenCV backend.
type Mat struct {
	m gocv.Mat
}

func NewMat() Mat                      { return Mat{m: gocv.NewMat()} }
func NewMatWithSize(rows, cols int) Mat { return Mat{m: gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)} }
func (mat Mat) Rows() int               { return mat.m.Rows() }
func (mat Mat) Cols() int               { return mat.m.Cols() }
func (mat Mat) Empty() bool             { return mat.m.Empty() }
func (mat *Mat) Close()                 { mat.m.Close() }

func (mat Mat) DataFloat32() []float32 {
	data, _ := mat.m.DataPtrFloat32()
	return data
}

// --- CV operations ---

// boxSum writes the unnormalised wid x wid window sum; BORDER_DEFAULT is
// reflect-101 and the anchor sits at wid/2.
func boxSum(src Mat, dst *Mat, wid int) {
	gocv.BoxFilter(src.m, &dst.m, -1, image.Pt(wid, wid))
	dst.m.MultiplyFloat(float32(wid * wid))
}
