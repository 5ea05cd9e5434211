package ccdio

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"starbias/pkg/debias"
)

func rampImage(w, h int) *debias.Image {
	img := debias.NewImage(w, h)
	for i := range img.Pix {
		img.Pix[i] = float64(i) * 0.5
	}
	return img
}

func TestImageRoundTrip(t *testing.T) {
	img := rampImage(12, 7)
	var buf bytes.Buffer
	require.NoError(t, WriteImage(&buf, img,
		fitsio.Card{Name: "GAIN", Value: 3.5},
		fitsio.Card{Name: "CCDNAME", Value: "N4"},
	))

	got, meta, err := ReadImage(bytes.NewReader(buf.Bytes()), "")
	require.NoError(t, err)
	assert.Equal(t, 12, got.Width)
	assert.Equal(t, 7, got.Height)
	assert.Equal(t, img.Pix, got.Pix)
	assert.Equal(t, img.At(3, 5), got.At(3, 5))

	gain, ok := meta.Gain()
	require.True(t, ok)
	assert.Equal(t, 3.5, gain)
	assert.Equal(t, "N4", meta.Detector())

	// A single image HDU is used whatever extension is asked for.
	_, _, err = ReadImage(bytes.NewReader(buf.Bytes()), "S7")
	assert.NoError(t, err)
}

func TestReadImageScaledIntegers(t *testing.T) {
	var buf bytes.Buffer
	f, err := fitsio.Create(&buf)
	require.NoError(t, err)
	hdu := fitsio.NewImage(16, []int{3, 2})
	require.NoError(t, hdu.Header().Append(
		fitsio.Card{Name: "BSCALE", Value: 2.0},
		fitsio.Card{Name: "BZERO", Value: 100.0},
	))
	raw := []int16{0, 1, 2, -1, -2, 10}
	require.NoError(t, hdu.Write(&raw))
	require.NoError(t, f.Write(hdu))
	require.NoError(t, hdu.Close())
	require.NoError(t, f.Close())

	img, _, err := ReadImage(bytes.NewReader(buf.Bytes()), "")
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 102, 104, 98, 96, 120}, img.Pix)
}

func TestCatalogRoundTrip(t *testing.T) {
	stars := []debias.StarRecord{
		{X: 10.25, Y: 20.5, Flux: 1234.5, ID: 1},
		{X: 100, Y: 3.75, Flux: 9.5, ID: 42},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCatalog(&buf, "S1", stars))

	got, err := ReadCatalog(bytes.NewReader(buf.Bytes()), "S1")
	require.NoError(t, err)
	assert.Equal(t, stars, got)

	got, err = ReadCatalog(bytes.NewReader(buf.Bytes()), "")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestResultsRoundTrip(t *testing.T) {
	res := &debias.CCDResult{
		Detector: "N4",
		Rows: []debias.StarRow{
			{
				Star:          debias.StarRecord{X: 30, Y: 31, Flux: 500, ID: 7},
				Stats:         debias.StarStatistics{StdW: 1.5, StdWDiag: 1.2, VarWDB: 0.4, DebiasedFlux: -2, ResidMean: -1.5, PredMean: -0.5, Chi20: 80},
				Status:        debias.StatusOK,
				MaskedCount:   37,
				BorderCleared: true,
			},
			{
				Star:   debias.StarRecord{X: 2, Y: 2, Flux: 50, ID: 8},
				Stats:  debias.StarStatistics{StdW: math.NaN(), StdWDiag: math.NaN(), VarWDB: math.NaN(), DebiasedFlux: math.NaN(), ResidMean: math.NaN(), PredMean: math.NaN(), Chi20: math.NaN()},
				Status: debias.StatusExcluded,
			},
		},
		Infill: debias.InfillReport{Iterations: 3, FinalWidth: 37},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteResults(&buf, res))

	rows, meta, err := ReadResults(bytes.NewReader(buf.Bytes()), "N4")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, int64(7), first.ID)
	assert.Equal(t, 30.0, first.X)
	assert.Equal(t, 1.5, first.StdW)
	assert.Equal(t, -2.0, first.FluxDB)
	assert.Equal(t, 80.0, first.Chi20)
	assert.Equal(t, int32(debias.StatusOK), first.Status)
	assert.Equal(t, int32(37), first.NMasked)
	assert.Equal(t, int32(1), first.Border)

	second := rows[1]
	assert.Equal(t, int32(debias.StatusExcluded), second.Status)
	assert.True(t, math.IsNaN(second.FluxDB))

	iters, ok := meta.GetInt("INFITER")
	require.True(t, ok)
	assert.Equal(t, 3, iters)
	assert.Equal(t, "N4", meta.GetString("DETECTOR"))
}

func TestMetadataGain(t *testing.T) {
	m := NewMetadata()
	_, ok := m.Gain()
	assert.False(t, ok)

	m.Headers["GAINA"] = "4.0"
	m.Headers["GAINB"] = "4.5"
	gain, ok := m.Gain()
	require.True(t, ok)
	assert.Equal(t, 4.25, gain)

	m.Headers["GAIN"] = "2"
	gain, _ = m.Gain()
	assert.Equal(t, 2.0, gain)

	m.Headers["EXPOSURE"] = "90"
	exp, ok := m.ExposureTime()
	require.True(t, ok)
	assert.Equal(t, 90.0, exp)

	m.Headers["DATE-OBS"] = "2019-03-04T05:06:07.5"
	obs, ok := m.ObservationDate()
	require.True(t, ok)
	assert.Equal(t, 2019, obs.Year())
}

func writeFile(t *testing.T, dir, name string, write func(*bytes.Buffer) error) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, write(&buf))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestFileSourceAndSink(t *testing.T) {
	dir := t.TempDir()
	img := rampImage(16, 16)
	plane := func(name string, cards ...fitsio.Card) string {
		return writeFile(t, dir, name, func(b *bytes.Buffer) error { return WriteImage(b, img, cards...) })
	}
	paths := Paths{
		Image:   plane("image.fits", fitsio.Card{Name: "GAIN", Value: 1.7}),
		Weight:  plane("weight.fits"),
		Model:   plane("model.fits"),
		Sky:     plane("sky.fits"),
		Catalog: writeFile(t, dir, "cat.fits", func(b *bytes.Buffer) error {
			return WriteCatalog(b, "", []debias.StarRecord{{X: 8, Y: 8, Flux: 10, ID: 1}})
		}),
	}
	ctx := context.Background()

	src := &FileSource{Paths: paths}
	in, err := src.LoadCCD(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "S1", in.Detector)
	assert.Equal(t, 1.7, in.Gain)
	assert.Equal(t, img.Pix, in.Model.Pix)
	assert.Len(t, in.DataQuality.Pix, 256)
	assert.Len(t, in.Stars, 1)

	src.Gain = 3
	in, err = src.LoadCCD(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, in.Gain)

	noGain := paths
	noGain.Image = paths.Weight
	_, err = (&FileSource{Paths: noGain}).LoadCCD(ctx, "S1")
	assert.ErrorIs(t, err, ErrNoGain)

	missing := paths
	missing.Sky = ""
	_, err = (&FileSource{Paths: missing}).LoadCCD(ctx, "S1")
	assert.Error(t, err)

	out := filepath.Join(dir, "out")
	sink := &FileSink{Dir: out}
	res := &debias.CCDResult{Detector: "S1", Rows: []debias.StarRow{{Star: in.Stars[0], Status: debias.StatusOK}}}
	require.NoError(t, sink.WriteCCD(ctx, res))
	assert.Equal(t, filepath.Join(out, "starbias-S1.fits"), sink.Written)

	f, err := os.Open(sink.Written)
	require.NoError(t, err)
	defer f.Close()
	rows, _, err := ReadResults(f, "S1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
