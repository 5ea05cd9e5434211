package debias

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ConditionalInput carries the per-star inputs of the conditional estimator.
// All vectors are flattened np x np patches.
type ConditionalInput struct {
	Cov       *mat.SymDense
	Mean      []float64
	Partition Partition
	Resid     []float64
	Weight    []float64
	StarOnly  []float64
	PSF       []float64
}

func (in ConditionalInput) validate() error {
	n := in.Partition.Size
	if in.Cov == nil || in.Cov.SymmetricDim() != n {
		return fmt.Errorf("%w: covariance does not match a patch of %d pixels", ErrDimensionMismatch, n)
	}
	vectors := []struct {
		name string
		v    []float64
	}{
		{"mean", in.Mean}, {"residual", in.Resid}, {"weight", in.Weight}, {"star", in.StarOnly}, {"psf", in.PSF},
	}
	for _, vec := range vectors {
		if len(vec.v) != n {
			return fmt.Errorf("%w: %s vector has %d values, want %d", ErrDimensionMismatch, vec.name, len(vec.v), n)
		}
	}
	if len(in.Partition.PSFMasked) == 0 {
		return ErrEmptyPSFMask
	}
	if len(in.Partition.Known) == 0 {
		return fmt.Errorf("%w: no known pixels to condition on", ErrNotPositiveDefinite)
	}
	return nil
}

// ConditionalEstimate predicts the masked pixels from the known ones under
// a joint Gaussian model and derives the PSF-weighted flux statistics over
// the star's own masked pixels.
func ConditionalEstimate(in ConditionalInput) (StarStatistics, error) {
	if err := in.validate(); err != nil {
		return invalidStatistics(), err
	}
	known := in.Partition.Known
	masked := in.Partition.StarMasked
	nk, ns := len(known), len(masked)

	// Shot noise of the star itself adds to the diagonal.
	covKK := mat.NewSymDense(nk, nil)
	for i := 0; i < nk; i++ {
		for j := i; j < nk; j++ {
			covKK.SetSym(i, j, augmented(in, known[i], known[j]))
		}
	}
	covSK := mat.NewDense(ns, nk, nil)
	for i := 0; i < ns; i++ {
		for j := 0; j < nk; j++ {
			covSK.Set(i, j, in.Cov.At(masked[i], known[j]))
		}
	}

	var cholKK mat.Cholesky
	if ok := cholKK.Factorize(covKK); !ok {
		return invalidStatistics(), fmt.Errorf("%w: known block (%d pixels)", ErrNotPositiveDefinite, nk)
	}

	// gain = cov_kk^-1 cov_ks, so cov_sk cov_kk^-1 = gain^T.
	var gain mat.Dense
	if err := checkSolve(cholKK.SolveTo(&gain, covSK.T())); err != nil {
		return invalidStatistics(), fmt.Errorf("known block: %w", err)
	}
	var explained mat.Dense
	explained.Mul(covSK, &gain)

	predCov := mat.NewSymDense(ns, nil)
	for i := 0; i < ns; i++ {
		for j := i; j < ns; j++ {
			sym := 0.5 * (explained.At(i, j) + explained.At(j, i))
			predCov.SetSym(i, j, augmented(in, masked[i], masked[j])-sym)
		}
	}
	var cholPred mat.Cholesky
	if ok := cholPred.Factorize(predCov); !ok {
		return invalidStatistics(), fmt.Errorf("%w: conditional masked block (%d pixels)", ErrNotPositiveDefinite, ns)
	}

	condKnown := mat.NewVecDense(nk, nil)
	for i, k := range known {
		condKnown.SetVec(i, in.Resid[k]-in.Mean[k])
	}
	var alpha mat.VecDense
	if err := checkSolve(cholKK.SolveVecTo(&alpha, condKnown)); err != nil {
		return invalidStatistics(), fmt.Errorf("known block: %w", err)
	}
	chi20 := mat.Dot(condKnown, &alpha)

	var pred mat.VecDense
	pred.MulVec(covSK, &alpha)
	for i, s := range masked {
		pred.SetVec(i, pred.AtVec(i)+in.Mean[s])
	}

	// Restrict to the pixels attributable to the star.
	rows := in.Partition.psfRows()
	nStar := len(rows)
	sigma := mat.NewSymDense(nStar, nil)
	p := mat.NewVecDense(nStar, nil)
	w := mat.NewVecDense(nStar, nil)
	resid := mat.NewVecDense(nStar, nil)
	predStar := mat.NewVecDense(nStar, nil)
	for i, r := range rows {
		for j := i; j < nStar; j++ {
			sigma.SetSym(i, j, predCov.At(r, rows[j]))
		}
		pix := masked[r]
		p.SetVec(i, in.PSF[pix])
		w.SetVec(i, in.PSF[pix]*in.Weight[pix])
		predStar.SetVec(i, pred.AtVec(r))
		resid.SetVec(i, in.Resid[pix]-pred.AtVec(r))
	}

	var cholStar mat.Cholesky
	if ok := cholStar.Factorize(sigma); !ok {
		return invalidStatistics(), fmt.Errorf("%w: star block (%d pixels)", ErrNotPositiveDefinite, nStar)
	}
	var q mat.VecDense
	if err := checkSolve(cholStar.SolveVecTo(&q, p)); err != nil {
		return invalidStatistics(), fmt.Errorf("star block: %w", err)
	}

	stats := StarStatistics{Chi20: chi20}
	pw := mat.Dot(p, w)
	var diag float64
	for i := 0; i < nStar; i++ {
		wi := w.AtVec(i)
		diag += wi * wi * sigma.At(i, i)
	}
	if pw != 0 {
		stats.StdW = math.Sqrt(mat.Inner(w, sigma, w)) / pw
		stats.StdWDiag = math.Sqrt(diag) / pw
	} else {
		stats.StdW = math.NaN()
		stats.StdWDiag = math.NaN()
	}
	stats.VarWDB = mat.Dot(p, &q)
	stats.ResidMean = mat.Dot(resid, &q) / stats.VarWDB
	stats.PredMean = mat.Dot(predStar, &q) / stats.VarWDB
	stats.DebiasedFlux = stats.ResidMean + stats.PredMean
	return stats, nil
}

func augmented(in ConditionalInput, i, j int) float64 {
	v := in.Cov.At(i, j)
	if i == j {
		v += in.StarOnly[i]
	}
	return v
}

// checkSolve turns a near-singular Cholesky solve into ErrNotPositiveDefinite.
func checkSolve(err error) error {
	if err == nil {
		return nil
	}
	var cond mat.Condition
	if errors.As(err, &cond) {
		return fmt.Errorf("%w: condition number %g", ErrNotPositiveDefinite, float64(cond))
	}
	return err
}
