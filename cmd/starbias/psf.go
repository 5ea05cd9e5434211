package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"starbias/internal/config"
	"starbias/pkg/debias"
)

// choosePSF returns the configured Gaussian PSF, or one fitted to the
// brightest catalog stars when psf.fit_stars is set.
func choosePSF(in *debias.CCDInput, cfg *config.Config, logger *zap.Logger) (debias.GaussianPSF, error) {
	fallback := cfg.GaussianPSF()
	if cfg.PSF.FitStars <= 0 {
		return fallback, nil
	}

	candidates := make([]debias.StarRecord, len(in.Stars))
	copy(candidates, in.Stars)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Flux > candidates[j].Flux })
	if len(candidates) > cfg.PSF.FitStars {
		candidates = candidates[:cfg.PSF.FitStars]
	}

	fmt.Printf("Fitting PSFs for %d stars...\n", len(candidates))
	psfStart := time.Now()
	fits := make([]*debias.PSFFit, len(candidates))
	var wg sync.WaitGroup
	for i, star := range candidates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fit, err := debias.FitGaussianPSF(in.Image, star, cfg.PSF.FitSize, cfg.PSF.Goodness)
			if err != nil {
				logger.Debug("psf fit rejected", zap.Int64("id", star.ID), zap.Error(err))
				return
			}
			fits[i] = fit
		}()
	}
	wg.Wait()
	fmt.Printf("PSF fitting: %.1fs\n", time.Since(psfStart).Seconds())

	var sx, sy, theta []float64
	for _, f := range fits {
		if f == nil {
			continue
		}
		sx = append(sx, f.PSF.SigmaX)
		sy = append(sy, f.PSF.SigmaY)
		theta = append(theta, f.PSF.Theta)
	}
	if len(sx) == 0 {
		if fallback.SigmaX > 0 && fallback.SigmaY > 0 {
			logger.Warn("no usable PSF fits, using configured widths",
				zap.Float64("sigma_x", fallback.SigmaX),
				zap.Float64("sigma_y", fallback.SigmaY))
			return fallback, nil
		}
		return debias.GaussianPSF{}, fmt.Errorf("%w: none of %d stars could be fitted", debias.ErrPSFFit, len(candidates))
	}

	sigX, _ := medianMAD(sx)
	sigY, _ := medianMAD(sy)
	th, _ := medianMAD(theta)
	psf := debias.GaussianPSF{SigmaX: sigX, SigmaY: sigY, Theta: th}
	fwhmX, fwhmY := psf.FWHM()
	logger.Info("psf fitted",
		zap.Int("fits", len(sx)),
		zap.Float64("sigma_x", sigX),
		zap.Float64("sigma_y", sigY),
		zap.Float64("fwhm_x", fwhmX),
		zap.Float64("fwhm_y", fwhmY))
	return psf, nil
}
