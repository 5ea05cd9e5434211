package debias

// ensureMat (re)allocates m as a rows x cols float32 matrix.
func ensureMat(m *Mat, rows, cols int) {
	if m.Empty() || m.Rows() != rows || m.Cols() != cols {
		m.Close()
		*m = NewMatWithSize(rows, cols)
	}
}
