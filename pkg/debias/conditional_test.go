package debias

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// centralPartition masks the central 3x3 of a 5x5 patch and attributes
// the centre cross to the star.
func centralPartition(t *testing.T) Partition {
	t.Helper()
	const np = 5
	starMasked := make([]bool, np*np)
	psfMasked := make([]bool, np*np)
	for y := 1; y <= 3; y++ {
		for x := 1; x <= 3; x++ {
			starMasked[y*np+x] = true
		}
	}
	for _, i := range []int{7, 11, 12, 13, 17} {
		psfMasked[i] = true
	}
	p, err := NewPartition(starMasked, psfMasked)
	require.NoError(t, err)
	return p
}

func conditionalFixture(t *testing.T, cov *mat.SymDense) ConditionalInput {
	t.Helper()
	psf, err := testPSF.Stamp(0, 0, 5)
	require.NoError(t, err)
	in := ConditionalInput{
		Cov:       cov,
		Mean:      make([]float64, 25),
		Partition: centralPartition(t),
		Resid:     make([]float64, 25),
		Weight:    make([]float64, 25),
		StarOnly:  make([]float64, 25),
		PSF:       psf,
	}
	for i := range in.Weight {
		in.Weight[i] = 1
	}
	return in
}

func diagonal(n int, v float64) *mat.SymDense {
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		cov.SetSym(i, i, v)
	}
	return cov
}

func TestConditionalEstimateWhiteNoise(t *testing.T) {
	const sigma2 = 4.0
	in := conditionalFixture(t, diagonal(25, sigma2))
	// The residual under the star is c times the PSF; known pixels sit on
	// the mean.
	const c = 3.0
	for _, i := range in.Partition.StarMasked {
		in.Resid[i] = c * in.PSF[i]
	}

	stats, err := ConditionalEstimate(in)
	require.NoError(t, err)

	var sumP2 float64
	for _, i := range in.Partition.PSFMasked {
		sumP2 += in.PSF[i] * in.PSF[i]
	}
	assert.InDelta(t, 0, stats.Chi20, 1e-12)
	assert.InDelta(t, 0, stats.PredMean, 1e-12)
	assert.InDelta(t, sumP2/sigma2, stats.VarWDB, 1e-12)
	assert.InDelta(t, c, stats.ResidMean, 1e-9)
	assert.InDelta(t, c, stats.DebiasedFlux, 1e-9)
	assert.InDelta(t, math.Sqrt(sigma2/sumP2), stats.StdW, 1e-9)
	assert.InDelta(t, stats.StdW, stats.StdWDiag, 1e-12)
}

func TestConditionalEstimateStarShotNoise(t *testing.T) {
	in := conditionalFixture(t, diagonal(25, 1))
	for i := range in.StarOnly {
		in.StarOnly[i] = 3
	}
	stats, err := ConditionalEstimate(in)
	require.NoError(t, err)

	var sumP2 float64
	for _, i := range in.Partition.PSFMasked {
		sumP2 += in.PSF[i] * in.PSF[i]
	}
	assert.InDelta(t, sumP2/4, stats.VarWDB, 1e-12)
}

func TestConditionalEstimateMatchesDirectSolve(t *testing.T) {
	cov := squaredExpCovariance(5, 2, 1.5, 0.2)
	in := conditionalFixture(t, cov)
	for i := range in.Resid {
		in.Resid[i] = math.Sin(float64(i)) + 0.5
		in.Mean[i] = 0.25
		in.Weight[i] = 1 + 0.1*float64(i%3)
	}
	stats, err := ConditionalEstimate(in)
	require.NoError(t, err)

	known, masked := in.Partition.Known, in.Partition.StarMasked
	nk, ns := len(known), len(masked)
	covKK := mat.NewDense(nk, nk, nil)
	covSK := mat.NewDense(ns, nk, nil)
	covSS := mat.NewDense(ns, ns, nil)
	for i, a := range known {
		for j, b := range known {
			covKK.Set(i, j, cov.At(a, b))
		}
	}
	for i, a := range masked {
		for j, b := range known {
			covSK.Set(i, j, cov.At(a, b))
		}
		for j, b := range masked {
			covSS.Set(i, j, cov.At(a, b))
		}
	}
	var invKK mat.Dense
	require.NoError(t, invKK.Inverse(covKK))

	d := mat.NewVecDense(nk, nil)
	for i, k := range known {
		d.SetVec(i, in.Resid[k]-in.Mean[k])
	}
	var alpha, pred mat.VecDense
	alpha.MulVec(&invKK, d)
	pred.MulVec(covSK, &alpha)
	assert.InDelta(t, mat.Dot(d, &alpha), stats.Chi20, 1e-8)

	var gain, explained, predCov mat.Dense
	gain.Mul(covSK, &invKK)
	explained.Mul(&gain, covSK.T())
	predCov.Sub(covSS, &explained)

	rows := in.Partition.psfRows()
	n := len(rows)
	sigma := mat.NewDense(n, n, nil)
	p := mat.NewVecDense(n, nil)
	r := mat.NewVecDense(n, nil)
	ps := mat.NewVecDense(n, nil)
	for i, ri := range rows {
		for j, rj := range rows {
			sigma.Set(i, j, predCov.At(ri, rj))
		}
		pix := masked[ri]
		p.SetVec(i, in.PSF[pix])
		ps.SetVec(i, pred.AtVec(ri)+in.Mean[pix])
		r.SetVec(i, in.Resid[pix]-ps.AtVec(i))
	}
	var invSigma mat.Dense
	require.NoError(t, invSigma.Inverse(sigma))
	var q mat.VecDense
	q.MulVec(&invSigma, p)
	varWDB := mat.Dot(p, &q)

	assert.InDelta(t, varWDB, stats.VarWDB, 1e-8)
	assert.InDelta(t, mat.Dot(r, &q)/varWDB, stats.ResidMean, 1e-8)
	assert.InDelta(t, mat.Dot(ps, &q)/varWDB, stats.PredMean, 1e-8)
	assert.InDelta(t, stats.ResidMean+stats.PredMean, stats.DebiasedFlux, 1e-12)
	assert.Greater(t, stats.StdW, 0.0)
}

func TestConditionalEstimateErrors(t *testing.T) {
	t.Run("not positive definite", func(t *testing.T) {
		in := conditionalFixture(t, diagonal(25, -1))
		stats, err := ConditionalEstimate(in)
		assert.ErrorIs(t, err, ErrNotPositiveDefinite)
		assert.True(t, math.IsNaN(stats.DebiasedFlux))
	})

	t.Run("empty PSF mask", func(t *testing.T) {
		in := conditionalFixture(t, diagonal(25, 1))
		in.Partition.PSFMasked = nil
		_, err := ConditionalEstimate(in)
		assert.ErrorIs(t, err, ErrEmptyPSFMask)
	})

	t.Run("no known pixels", func(t *testing.T) {
		in := conditionalFixture(t, diagonal(25, 1))
		all := make([]bool, 25)
		for i := range all {
			all[i] = true
		}
		p, err := NewPartition(all, all)
		require.NoError(t, err)
		in.Partition = p
		_, err = ConditionalEstimate(in)
		assert.ErrorIs(t, err, ErrNotPositiveDefinite)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		in := conditionalFixture(t, diagonal(16, 1))
		_, err := ConditionalEstimate(in)
		assert.ErrorIs(t, err, ErrDimensionMismatch)

		in = conditionalFixture(t, diagonal(25, 1))
		in.Weight = in.Weight[:3]
		_, err = ConditionalEstimate(in)
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}
