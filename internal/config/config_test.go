package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starbias/pkg/debias"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starbias.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, *debias.NewParams(), *cfg.Params())
	assert.Equal(t, 48, cfg.CovarianceOptions().HalfWidth)
	assert.Equal(t, "info", cfg.LoggingConfig().Level)
	assert.False(t, cfg.LoggingConfig().Development)
	assert.Equal(t, []string{"stderr"}, cfg.LoggingConfig().OutputPaths)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[pipeline]
patch_size = 17
workers = 8
seed = 7

[infill]
max_iterations = 5

[psf]
sigma_x = 2.0
sigma_y = 1.8
theta = 0.3

[logging]
level = "debug"
development = true
output_paths = ["run.log"]

[output]
dir = "out"
overlay = "field.jpg"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 17, cfg.Pipeline.PatchSize)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, uint64(7), cfg.Params().Seed)
	assert.Equal(t, 5, cfg.Params().Infill.MaxIterations)
	assert.Equal(t, 19, cfg.Params().Infill.InitialWidth)
	assert.Equal(t, debias.GaussianPSF{SigmaX: 2, SigmaY: 1.8, Theta: 0.3}, cfg.GaussianPSF())
	assert.True(t, cfg.LoggingConfig().Development)
	assert.Equal(t, "debug", cfg.LoggingConfig().Level)
	assert.Equal(t, []string{"run.log"}, cfg.LoggingConfig().OutputPaths)
	assert.Equal(t, "field.jpg", cfg.Output.Overlay)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STARBIAS_PIPELINE_WORKERS", "2")
	t.Setenv("STARBIAS_PIPELINE_PATCH_SIZE", "21")
	t.Setenv("STARBIAS_LOGGING_LEVEL", "warn")
	t.Setenv("STARBIAS_OUTPUT_DIR", "/tmp/starbias")

	path := writeConfig(t, "[pipeline]\nworkers = 8\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 21, cfg.Pipeline.PatchSize)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/tmp/starbias", cfg.Output.Dir)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[pipeline]\npatch_sise = 17\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[pipeline]\npatch_size = 16\n"))
	assert.ErrorIs(t, err, debias.ErrInvalidPatchSize)

	_, err = Load(writeConfig(t, "[logging]\nlevel = \"chatty\"\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[psf]\nfit_stars = 10\nfit_size = 8\n"))
	assert.Error(t, err)

	t.Setenv("STARBIAS_PIPELINE_WORKERS", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidatePSF(t *testing.T) {
	cfg := Default()
	cfg.PSF.SigmaX = 0
	assert.Error(t, cfg.Validate())

	cfg.PSF.FitStars = 20
	assert.NoError(t, cfg.Validate())

	cfg.Pipeline.Gain = -1
	assert.Error(t, cfg.Validate())
}
