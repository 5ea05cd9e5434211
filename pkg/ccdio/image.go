// Package ccdio reads detector planes and source catalogs from FITS files
// and writes per-star results as FITS binary tables.
package ccdio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/astrogo/fitsio"

	"starbias/pkg/debias"
)

var (
	ErrHDUNotFound    = errors.New("no matching HDU")
	ErrUnsupportedHDU = errors.New("unsupported HDU layout")
)

// ReadImageFile reads a 2-D image HDU from path. See ReadImage.
func ReadImageFile(path, ext string) (*debias.Image, *Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	img, meta, err := ReadImage(f, ext)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, meta, nil
}

// ReadImage reads the image HDU whose EXTNAME equals ext (case-insensitive),
// or the only image HDU with data when ext is empty or absent. Pixel values
// are converted to physical units with BSCALE and BZERO.
func ReadImage(r io.Reader, ext string) (*debias.Image, *Metadata, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading FITS: %w", err)
	}
	defer f.Close()

	hdu, err := findHDU(f, ext, fitsio.IMAGE_HDU)
	if err != nil {
		return nil, nil, err
	}
	fimg, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, nil, fmt.Errorf("%w: HDU %q is not an image", ErrUnsupportedHDU, hdu.Name())
	}
	hdr := fimg.Header()
	axes := hdr.Axes()
	if len(axes) != 2 || axes[0] < 1 || axes[1] < 1 {
		return nil, nil, fmt.Errorf("%w: image axes %v", ErrUnsupportedHDU, axes)
	}
	width, height := axes[0], axes[1]
	meta := metadataFromHeader(hdr)

	bscale, ok := meta.GetDouble("BSCALE")
	if !ok {
		bscale = 1
	}
	bzero, _ := meta.GetDouble("BZERO")

	out := debias.NewImage(width, height)
	n := width * height
	switch bitpix := hdr.Bitpix(); bitpix {
	case 8:
		raw := make([]byte, n)
		if err := fimg.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading 8-bit pixel data: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)*bscale + bzero
		}
	case 16:
		raw := make([]int16, n)
		if err := fimg.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading 16-bit pixel data: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)*bscale + bzero
		}
	case 32:
		raw := make([]int32, n)
		if err := fimg.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading 32-bit pixel data: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)*bscale + bzero
		}
	case 64:
		raw := make([]int64, n)
		if err := fimg.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading 64-bit pixel data: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)*bscale + bzero
		}
	case -32:
		raw := make([]float32, n)
		if err := fimg.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading -32 float pixel data: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = float64(v)*bscale + bzero
		}
	case -64:
		raw := make([]float64, n)
		if err := fimg.Read(&raw); err != nil {
			return nil, nil, fmt.Errorf("reading -64 float pixel data: %w", err)
		}
		for i, v := range raw {
			out.Pix[i] = v*bscale + bzero
		}
	default:
		return nil, nil, fmt.Errorf("%w: BITPIX %d", ErrUnsupportedHDU, bitpix)
	}
	return out, meta, nil
}

// WriteImage writes img as a single -64 primary HDU.
// Extra header cards are appended verbatim.
func WriteImage(w io.Writer, img *debias.Image, cards ...fitsio.Card) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS: %w", err)
	}
	hdu := fitsio.NewImage(-64, []int{img.Width, img.Height})
	defer hdu.Close()
	if len(cards) > 0 {
		if err := hdu.Header().Append(cards...); err != nil {
			return fmt.Errorf("appending header cards: %w", err)
		}
	}
	pix := img.Pix
	if err := hdu.Write(&pix); err != nil {
		return fmt.Errorf("writing pixel data: %w", err)
	}
	if err := f.Write(hdu); err != nil {
		return fmt.Errorf("writing image HDU: %w", err)
	}
	return f.Close()
}

// findHDU picks the HDU of the wanted type whose name matches ext, or the
// single candidate of that type when ext is empty or unmatched.
func findHDU(f *fitsio.File, ext string, want fitsio.HDUType) (fitsio.HDU, error) {
	var candidates []fitsio.HDU
	for _, hdu := range f.HDUs() {
		if hdu.Type() != want {
			continue
		}
		if want == fitsio.IMAGE_HDU && len(hdu.Header().Axes()) == 0 {
			continue
		}
		if ext != "" && strings.EqualFold(strings.TrimSpace(hdu.Name()), ext) {
			return hdu, nil
		}
		candidates = append(candidates, hdu)
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if ext == "" {
		return nil, fmt.Errorf("%w: %d candidate HDUs and no extension name", ErrHDUNotFound, len(candidates))
	}
	return nil, fmt.Errorf("%w: extension %q", ErrHDUNotFound, ext)
}
