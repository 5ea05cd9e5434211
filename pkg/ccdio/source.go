package ccdio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"starbias/pkg/debias"
)

var ErrNoGain = errors.New("no gain in header and none configured")

// Paths names the FITS file of each input plane. Multi-extension files are
// searched for an HDU named after the detector.
type Paths struct {
	Image       string
	Weight      string
	DataQuality string
	Model       string
	Sky         string
	Catalog     string
}

// FileSource loads detector inputs from FITS files.
type FileSource struct {
	Paths Paths
	// Gain overrides the header value when positive.
	Gain float64
}

var _ debias.ExposureSource = (*FileSource)(nil)

// LoadCCD reads every plane of detector. A missing data-quality path
// yields an all-good mask.
func (s *FileSource) LoadCCD(ctx context.Context, detector string) (*debias.CCDInput, error) {
	in := &debias.CCDInput{Detector: detector}
	var meta *Metadata

	planes := []struct {
		name string
		path string
		dst  **debias.Image
	}{
		{"image", s.Paths.Image, &in.Image},
		{"weight", s.Paths.Weight, &in.Weight},
		{"data quality", s.Paths.DataQuality, &in.DataQuality},
		{"model", s.Paths.Model, &in.Model},
		{"sky", s.Paths.Sky, &in.Sky},
	}
	for _, pl := range planes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if pl.path == "" {
			if pl.dst == &in.DataQuality {
				continue
			}
			return nil, fmt.Errorf("no %s path configured", pl.name)
		}
		img, m, err := ReadImageFile(pl.path, detector)
		if err != nil {
			return nil, fmt.Errorf("reading %s plane: %w", pl.name, err)
		}
		*pl.dst = img
		if meta == nil {
			meta = m
		}
	}
	if in.DataQuality == nil {
		in.DataQuality = debias.NewImage(in.Image.Width, in.Image.Height)
	}

	switch {
	case s.Gain > 0 && !math.IsInf(s.Gain, 0):
		in.Gain = s.Gain
	default:
		gain, ok := meta.Gain()
		if !ok {
			return nil, ErrNoGain
		}
		in.Gain = gain
	}

	if s.Paths.Catalog == "" {
		return nil, errors.New("no catalog path configured")
	}
	stars, err := ReadCatalogFile(s.Paths.Catalog, detector)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	in.Stars = stars
	return in, nil
}

// FileSink writes one result file per detector into Dir.
type FileSink struct {
	Dir string
	// Written records the path of the last file written.
	Written string
}

var _ debias.ResultSink = (*FileSink)(nil)

// PathFor returns the output file for detector.
func (s *FileSink) PathFor(detector string) string {
	return filepath.Join(s.Dir, "starbias-"+tableName(detector)+".fits")
}

func (s *FileSink) WriteCCD(ctx context.Context, res *debias.CCDResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	path := s.PathFor(res.Detector)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating result file: %w", err)
	}
	if err := WriteResults(f, res); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing result file: %w", err)
	}
	s.Written = path
	return nil
}
