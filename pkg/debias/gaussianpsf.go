/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package debias

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var sigmaToFWHM = 2.0 * math.Sqrt(2.0*math.Log(2.0))

// GaussianPSF is a position-independent elliptical Gaussian PSF. Stamps are
// normalised to unit sum.
type GaussianPSF struct {
	SigmaX float64
	SigmaY float64
	// Theta rotates the X axis, radians.
	Theta float64
}

// FWHM returns the full widths at half maximum along both axes.
func (g GaussianPSF) FWHM() (float64, float64) {
	return g.SigmaX * sigmaToFWHM, g.SigmaY * sigmaToFWHM
}

func (g GaussianPSF) String() string {
	return fmt.Sprintf("{SigmaX=%f, SigmaY=%f, Theta=%f}", g.SigmaX, g.SigmaY, g.Theta)
}

// Stamp evaluates the PSF on a size x size grid centred on the pixel
// nearest to (x, y). The sub-pixel offset shifts the Gaussian inside the
// centre pixel.
func (g GaussianPSF) Stamp(x, y float64, size int) ([]float64, error) {
	if size < 1 || size%2 == 0 {
		return nil, fmt.Errorf("%w: stamp size %d", ErrInvalidPatchSize, size)
	}
	if !(g.SigmaX > 0) || !(g.SigmaY > 0) {
		return nil, fmt.Errorf("gaussian PSF needs positive widths, got %s", g)
	}
	half := size / 2
	fx := x - math.Round(x)
	fy := y - math.Round(y)
	p := []float64{1, 0, fx, fy, g.SigmaX, g.SigmaY, g.Theta}

	out := make([]float64, size*size)
	sum := 0.0
	in := make([]float64, 2)
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			in[0] = float64(i - half)
			in[1] = float64(j - half)
			v := gaussianValue(p, in)
			out[j*size+i] = v
			sum += v
		}
	}
	if sum <= 0 {
		return nil, fmt.Errorf("gaussian PSF stamp has no support at size %d", size)
	}
	for i := range out {
		out[i] /= sum
	}
	return out, nil
}

// PSFFit is the result of fitting a GaussianPSF to one star.
type PSFFit struct {
	PSF        GaussianPSF
	Amplitude  float64
	Background float64
	OffsetX    float64
	OffsetY    float64
	RSquared   float64
}

// FitGaussianPSF fits an elliptical Gaussian plus constant background to a
// size x size window around the star. Pixels outside the image are
// skipped. Fits whose R² falls below goodness are rejected.
func FitGaussianPSF(img *Image, star StarRecord, size int, goodness float64) (*PSFFit, error) {
	if size < 3 || size%2 == 0 {
		return nil, fmt.Errorf("%w: fit window %d", ErrInvalidPatchSize, size)
	}
	cx, cy := star.Center()
	half := size / 2

	inputs := make([][]float64, 0, size*size)
	outputs := make([]float64, 0, size*size)
	lo, hi := math.Inf(1), math.Inf(-1)
	for y := cy - half; y <= cy+half; y++ {
		if y < 1 || y > img.Height {
			continue
		}
		for x := cx - half; x <= cx+half; x++ {
			if x < 1 || x > img.Width {
				continue
			}
			v := img.At(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			inputs = append(inputs, []float64{float64(x) - star.X, float64(y) - star.Y})
			outputs = append(outputs, v)
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if len(inputs) < 7 || !(hi > lo) {
		return nil, fmt.Errorf("%w: %d usable pixels around %s", ErrPSFFit, len(inputs), star)
	}

	// Work on data scaled to [0, 1] so one set of bounds fits all stars.
	span := hi - lo
	for i := range outputs {
		outputs[i] = (outputs[i] - lo) / span
	}
	centre := 0.0
	if cx >= 1 && cx <= img.Width && cy >= 1 && cy <= img.Height {
		centre = (img.At(cx, cy) - lo) / span
	}

	w := float64(size)
	limit := w / 8.0
	sigmaUpper := math.Sqrt(2*w*w) / 2.0
	x0 := []float64{math.Max(0, centre), 0, 0, 0, w / 6.0, w / 6.0, 0}
	lower := []float64{0, 0, -limit, -limit, 0.1, 0.1, -math.Pi / 2.0}
	upper := []float64{2, 1, limit, limit, sigmaUpper, sigmaUpper, math.Pi / 2.0}
	scale := []float64{0.01, 0.01, 0.1, 0.1, 1, 1, 1}

	solution, err := levenbergMarquardt(inputs, outputs, x0, lower, upper, scale, 1e-8, 200)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPSFFit, err)
	}

	sigX, sigY := solution[4], solution[5]
	if math.IsNaN(sigX) || math.IsNaN(sigY) {
		return nil, fmt.Errorf("%w: widths diverged", ErrPSFFit)
	}
	theta := euclidianModulus(solution[6], math.Pi)
	if theta > math.Pi/2.0 {
		theta -= math.Pi
	}
	if sigY > sigX {
		if theta < 0 {
			theta += math.Pi / 2.0
		} else {
			theta -= math.Pi / 2.0
		}
		sigX, sigY = sigY, sigX
	}

	rSquared := computeRSquared(inputs, outputs, solution)
	if rSquared < goodness {
		return nil, fmt.Errorf("%w: R² %.3f below %.3f", ErrPSFFit, rSquared, goodness)
	}
	return &PSFFit{
		PSF:        GaussianPSF{SigmaX: sigX, SigmaY: sigY, Theta: theta},
		Amplitude:  solution[0] * span,
		Background: solution[1]*span + lo,
		OffsetX:    solution[2],
		OffsetY:    solution[3],
		RSquared:   rSquared,
	}, nil
}

func euclidianModulus(x, y float64) float64 {
	return math.Mod(math.Mod(x, y)+y, y)
}

// gaussianValue evaluates B + A*exp(-E) for p = {A, B, x0, y0, U, V, T}.
func gaussianValue(p, input []float64) float64 {
	A, B := p[0], p[1]
	x, y := input[0], input[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (x-x0)*cosT + (y-y0)*sinT
	Y := -(x-x0)*sinT + (y-y0)*cosT
	E := X*X/(2*U*U) + Y*Y/(2*V*V)
	return B + A*math.Exp(-E)
}

func gaussianGradient(p, input, grad []float64) {
	A := p[0]
	x, y := input[0], input[1]
	x0, y0 := p[2], p[3]
	U, V, T := p[4], p[5], p[6]

	cosT, sinT := math.Cos(T), math.Sin(T)
	X := (x-x0)*cosT + (y-y0)*sinT
	Y := -(x-x0)*sinT + (y-y0)*cosT
	U2, V2 := U*U, V*V
	eE := math.Exp(-(X*X/(2*U2) + Y*Y/(2*V2)))

	grad[0] = eE
	grad[1] = 1.0
	grad[2] = A * (cosT*X/U2 - sinT*Y/V2) * eE
	grad[3] = A * (sinT*X/U2 + cosT*Y/V2) * eE
	grad[4] = A * X * X / (U2 * U) * eE
	grad[5] = A * Y * Y / (V2 * V) * eE
	grad[6] = A * X * Y * (1.0/V2 - 1.0/U2) * eE
}

func computeRSquared(inputs [][]float64, outputs, p []float64) float64 {
	yBar := 0.0
	for _, o := range outputs {
		yBar += o
	}
	yBar /= float64(len(outputs))

	tss, rss := 0.0, 0.0
	for i := range inputs {
		res := gaussianValue(p, inputs[i]) - outputs[i]
		disp := outputs[i] - yBar
		rss += res * res
		tss += disp * disp
	}
	if tss > 0 {
		return 1.0 - rss/tss
	}
	return 0.0
}

// levenbergMarquardt minimises the squared Gaussian residuals with box
// constraints applied by clamping. The damped normal equations are solved
// with a Cholesky factorisation.
func levenbergMarquardt(
	inputs [][]float64, outputs,
	x0, lower, upper, scale []float64,
	tolerance float64, maxIter int,
) ([]float64, error) {
	n := len(x0)
	m := len(inputs)

	x := make([]float64, n)
	for j := range x {
		x[j] = clampLM(x0[j], lower[j], upper[j])
	}

	fi := mat.NewVecDense(m, nil)
	jac := mat.NewDense(m, n, nil)
	residualsAndJacobian(inputs, outputs, x, fi, jac)
	cost := mat.Dot(fi, fi)

	lambda := 1e-3
	nu := 2.0

	var (
		jtj    mat.SymDense
		jtf    mat.VecDense
		damped = mat.NewSymDense(n, nil)
		dx     mat.VecDense
		chol   mat.Cholesky
		xNew   = make([]float64, n)
		fiNew  = mat.NewVecDense(m, nil)
	)

	for iter := 0; iter < maxIter; iter++ {
		jtj.SymOuterK(1, jac.T())
		jtf.MulVec(jac.T(), fi)
		if mat.Norm(&jtf, 2) < tolerance*cost {
			break
		}

		for tries := 0; tries < 20; tries++ {
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				damped.SetSym(i, i, jtj.At(i, i)+lambda*scale[i]*scale[i])
			}
			if !chol.Factorize(damped) {
				lambda *= nu
				continue
			}
			if err := chol.SolveVecTo(&dx, &jtf); err != nil {
				lambda *= nu
				continue
			}

			for j := 0; j < n; j++ {
				xNew[j] = clampLM(x[j]-dx.AtVec(j), lower[j], upper[j])
			}
			for k := 0; k < m; k++ {
				fiNew.SetVec(k, gaussianValue(xNew, inputs[k])-outputs[k])
			}
			costNew := mat.Dot(fiNew, fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0
				residualsAndJacobian(inputs, outputs, x, fi, jac)
				if improvement < tolerance {
					return x, nil
				}
				break
			}
			lambda *= nu
			nu *= 2.0
			if lambda > 1e16 {
				return x, nil
			}
		}
	}
	for _, v := range x {
		if math.IsNaN(v) {
			return nil, fmt.Errorf("solution diverged")
		}
	}
	return x, nil
}

func residualsAndJacobian(inputs [][]float64, outputs, x []float64, fi *mat.VecDense, jac *mat.Dense) {
	grad := make([]float64, len(x))
	for k := range inputs {
		fi.SetVec(k, gaussianValue(x, inputs[k])-outputs[k])
		gaussianGradient(x, inputs[k], grad)
		jac.SetRow(k, grad)
	}
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
