package debias

import (
	"bytes"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldResult places three OK stars in every zone of a 300x300 detector.
// Centre stars have no inflation, the top-right zone doubles it and the
// rest inflate by 20%.
func fieldResult() *CCDResult {
	res := &CCDResult{Detector: "S1"}
	coords := []float64{40, 150, 260}
	id := int64(0)
	for row, y := range coords {
		for col, x := range coords {
			inflation := 1.2
			switch {
			case row == 1 && col == 1:
				inflation = 1.0
			case row == 0 && col == 2:
				inflation = 2.0
			}
			for k := 0; k < 3; k++ {
				id++
				star := StarRecord{X: x + float64(k), Y: y + float64(k), Flux: 1000, ID: id}
				res.Rows = append(res.Rows, StarRow{
					Star:   star,
					Status: StatusOK,
					Stats: StarStatistics{
						StdW:         inflation,
						StdWDiag:     1,
						DebiasedFlux: 900,
					},
				})
			}
		}
	}
	res.Rows = append(res.Rows, StarRow{
		Star:   StarRecord{X: 2, Y: 2, Flux: 1000, ID: 99},
		Status: StatusExcluded,
		Stats:  invalidStatistics(),
	})
	return res
}

func TestSummarizeField(t *testing.T) {
	field := SummarizeField(fieldResult(), 300, 300)
	require.NotNil(t, field)
	require.Len(t, field.Zones, 9)

	center := field.Zones[ZoneCenter]
	assert.Equal(t, "Center", center.Label)
	assert.Equal(t, 3, center.StarCount)
	assert.InDelta(t, 1.0, center.MedianInflation, 1e-12)
	assert.InDelta(t, 0.9, center.MedianCorrection, 1e-12)
	assert.InDelta(t, 2.0, field.Zones[ZoneTopRight].MedianInflation, 1e-12)
	assert.Equal(t, 3, field.Zones[ZoneTopLeft].StarCount)

	assert.Equal(t, "TR", field.WorstZone)
	assert.InDelta(t, 30.0, field.OffAxisPct, 1e-9)
	assert.True(t, field.Reliable)
}

func TestSummarizeFieldEdges(t *testing.T) {
	assert.Nil(t, SummarizeField(nil, 100, 100))
	assert.Nil(t, SummarizeField(&CCDResult{}, 100, 100))

	sparse := &CCDResult{Rows: []StarRow{{
		Star:   StarRecord{X: 50, Y: 50, Flux: 10},
		Status: StatusOK,
		Stats:  StarStatistics{StdW: 1, StdWDiag: 1, DebiasedFlux: 10},
	}}}
	field := SummarizeField(sparse, 100, 100)
	require.NotNil(t, field)
	assert.False(t, field.Reliable)
	assert.Equal(t, 1, field.Zones[ZoneCenter].StarCount)
	assert.Equal(t, 0, field.Zones[ZoneTop].StarCount)
}

func TestClassifyZone(t *testing.T) {
	assert.Equal(t, ZoneTopLeft, classifyZone(0, 0, 25, 75, 25, 75))
	assert.Equal(t, ZoneTop, classifyZone(25, 0, 25, 75, 25, 75))
	assert.Equal(t, ZoneRight, classifyZone(75, 50, 25, 75, 25, 75))
	assert.Equal(t, ZoneBottomRight, classifyZone(99, 99, 25, 75, 25, 75))
	assert.Equal(t, "BL", ZoneBottomLeft.String())
}

func TestRenderFieldOverlay(t *testing.T) {
	res := fieldResult()
	field := SummarizeField(res, 300, 300)
	require.NotNil(t, field)

	data, err := RenderFieldOverlayBytes(field, res, 300, 300)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())

	path := filepath.Join(t.TempDir(), "field.jpg")
	require.NoError(t, RenderFieldOverlay(field, res, 300, 300, path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	_, err = RenderFieldOverlayBytes(nil, res, 300, 300)
	assert.Error(t, err)
}

func TestInflationColor(t *testing.T) {
	calm := inflationColor(1.0)
	hot := inflationColor(3.0)
	assert.NotEqual(t, calm, hot)
	assert.Equal(t, inflationColor(math.NaN()), inflationColor(math.NaN()))
}
