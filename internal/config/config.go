package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"

	"starbias/internal/logging"
	"starbias/pkg/covest"
	"starbias/pkg/debias"
)

// EnvPrefix prefixes every environment override, e.g.
// STARBIAS_PIPELINE_WORKERS or STARBIAS_LOGGING_LEVEL.
const EnvPrefix = "STARBIAS"

// Config holds all run configuration.
type Config struct {
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Infill     InfillConfig     `toml:"infill"`
	Covariance CovarianceConfig `toml:"covariance"`
	PSF        PSFConfig        `toml:"psf"`
	Logging    LogConfig        `toml:"logging"`
	Output     OutputConfig     `toml:"output"`
}

// PipelineConfig holds the per-detector pipeline tunables.
type PipelineConfig struct {
	PatchSize     int     `toml:"patch_size" split_words:"true"`
	Threshold     float64 `toml:"threshold" split_words:"true"`
	StaticPSFSize int     `toml:"static_psf_size" split_words:"true"`
	MaskMargin    int     `toml:"mask_margin" split_words:"true"`
	Seed          uint64  `toml:"seed" split_words:"true"`
	Workers       int     `toml:"workers" split_words:"true"`
	// Gain overrides the image header when positive.
	Gain float64 `toml:"gain" split_words:"true"`
}

// InfillConfig holds the growing-window infill schedule.
type InfillConfig struct {
	InitialWidth  int     `toml:"initial_width" split_words:"true"`
	Growth        float64 `toml:"growth" split_words:"true"`
	MinCount      int     `toml:"min_count" split_words:"true"`
	MaxIterations int     `toml:"max_iterations" split_words:"true"`
}

// CovarianceConfig configures the empirical covariance estimator.
type CovarianceConfig struct {
	HalfWidth int     `toml:"half_width" split_words:"true"`
	Jitter    float64 `toml:"jitter" split_words:"true"`
}

// PSFConfig describes the Gaussian PSF. When FitStars is positive the
// widths are instead fitted to that many of the brightest catalog stars.
type PSFConfig struct {
	SigmaX   float64 `toml:"sigma_x" split_words:"true"`
	SigmaY   float64 `toml:"sigma_y" split_words:"true"`
	Theta    float64 `toml:"theta" split_words:"true"`
	FitStars int     `toml:"fit_stars" split_words:"true"`
	FitSize  int     `toml:"fit_size" split_words:"true"`
	Goodness float64 `toml:"goodness" split_words:"true"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `toml:"level" split_words:"true"`
	Development bool   `toml:"development" split_words:"true"`

	// OutputPaths overrides the stderr sink, e.g. a run log file.
	OutputPaths []string `toml:"output_paths" split_words:"true"`
}

// OutputConfig names the run artefacts. Empty paths disable them.
type OutputConfig struct {
	Dir         string `toml:"dir" split_words:"true"`
	Overlay     string `toml:"overlay" split_words:"true"`
	MetricsFile string `toml:"metrics_file" split_words:"true"`
}

// Default returns the default configuration.
func Default() *Config {
	params := debias.NewParams()
	cov := covest.DefaultOptions()
	return &Config{
		Pipeline: PipelineConfig{
			PatchSize:     params.PatchSize,
			Threshold:     params.Threshold,
			StaticPSFSize: params.StaticPSFSize,
			MaskMargin:    params.MaskMargin,
			Seed:          params.Seed,
			Workers:       params.Workers,
		},
		Infill: InfillConfig{
			InitialWidth:  params.Infill.InitialWidth,
			Growth:        params.Infill.Growth,
			MinCount:      params.Infill.MinCount,
			MaxIterations: params.Infill.MaxIterations,
		},
		Covariance: CovarianceConfig{
			HalfWidth: cov.HalfWidth,
			Jitter:    cov.Jitter,
		},
		PSF: PSFConfig{
			SigmaX:   1.5,
			SigmaY:   1.5,
			FitSize:  15,
			Goodness: 0.8,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Output: OutputConfig{
			Dir: ".",
		},
	}
}

// Load applies the TOML file at path (if any) and then environment
// overrides on top of the defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadToml(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config env failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadToml(path string, out *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return fmt.Errorf("pipeline config invalid: %w", err)
	}
	if err := c.CovarianceOptions().Validate(); err != nil {
		return fmt.Errorf("covariance config invalid: %w", err)
	}
	if c.Pipeline.Gain < 0 {
		return fmt.Errorf("pipeline config invalid: gain must be non-negative, got %f", c.Pipeline.Gain)
	}
	if c.PSF.FitStars == 0 && (c.PSF.SigmaX <= 0 || c.PSF.SigmaY <= 0) {
		return fmt.Errorf("psf config invalid: sigma_x and sigma_y must be positive")
	}
	if c.PSF.FitStars < 0 {
		return fmt.Errorf("psf config invalid: fit_stars must be non-negative")
	}
	if c.PSF.FitStars > 0 && (c.PSF.FitSize < 3 || c.PSF.FitSize%2 == 0) {
		return fmt.Errorf("psf config invalid: fit_size must be odd and at least 3, got %d", c.PSF.FitSize)
	}
	if err := logging.ValidateLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging config invalid: %w", err)
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output config missing dir")
	}
	return nil
}

// Params converts the pipeline and infill sections.
func (c *Config) Params() *debias.Params {
	return &debias.Params{
		PatchSize:     c.Pipeline.PatchSize,
		Threshold:     c.Pipeline.Threshold,
		StaticPSFSize: c.Pipeline.StaticPSFSize,
		MaskMargin:    c.Pipeline.MaskMargin,
		Seed:          c.Pipeline.Seed,
		Workers:       c.Pipeline.Workers,
		Infill: debias.InfillOptions{
			InitialWidth:  c.Infill.InitialWidth,
			Growth:        c.Infill.Growth,
			MinCount:      c.Infill.MinCount,
			MaxIterations: c.Infill.MaxIterations,
		},
	}
}

func (c *Config) CovarianceOptions() covest.Options {
	return covest.Options{HalfWidth: c.Covariance.HalfWidth, Jitter: c.Covariance.Jitter}
}

func (c *Config) GaussianPSF() debias.GaussianPSF {
	return debias.GaussianPSF{SigmaX: c.PSF.SigmaX, SigmaY: c.PSF.SigmaY, Theta: c.PSF.Theta}
}

func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Logging.Development {
		cfg = logging.DevelopmentConfig()
	}
	cfg.Level = c.Logging.Level
	if len(c.Logging.OutputPaths) > 0 {
		cfg.OutputPaths = c.Logging.OutputPaths
	}
	return cfg
}
