package debias

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	fieldEdgeFraction     = 0.25
	minStarsPerZone       = 3
	minTotalStarsForField = 20
)

// ZonePosition identifies a zone in the 3x3 field grid.
type ZonePosition int

const (
	ZoneTopLeft ZonePosition = iota
	ZoneTop
	ZoneTopRight
	ZoneLeft
	ZoneCenter
	ZoneRight
	ZoneBottomLeft
	ZoneBottom
	ZoneBottomRight
)

var zoneLabels = map[ZonePosition]string{
	ZoneTopLeft:     "TL",
	ZoneTop:         "T",
	ZoneTopRight:    "TR",
	ZoneLeft:        "L",
	ZoneCenter:      "Center",
	ZoneRight:       "R",
	ZoneBottomLeft:  "BL",
	ZoneBottom:      "B",
	ZoneBottomRight: "BR",
}

var zoneGrid = [3][3]ZonePosition{
	{ZoneTopLeft, ZoneTop, ZoneTopRight},
	{ZoneLeft, ZoneCenter, ZoneRight},
	{ZoneBottomLeft, ZoneBottom, ZoneBottomRight},
}

func (z ZonePosition) String() string { return zoneLabels[z] }

// ZoneData holds per-zone statistics of successfully processed stars.
type ZoneData struct {
	Label     string
	StarCount int
	// MedianInflation is the median of StdW/StdWDiag: how much correlated
	// background widens the flux error over the diagonal-only estimate.
	MedianInflation float64
	// MedianCorrection is the median of DebiasedFlux/Flux.
	MedianCorrection float64
}

// FieldSummary aggregates per-star statistics over a 3x3 grid.
type FieldSummary struct {
	Zones map[ZonePosition]ZoneData
	// WorstZone has the largest median inflation among populated zones.
	WorstZone string
	// OffAxisPct compares the mean off-centre inflation with the centre.
	OffAxisPct float64
	Reliable   bool
}

// SummarizeField buckets the OK rows of res into a 3x3 grid over a
// width x height detector.
func SummarizeField(res *CCDResult, width, height int) *FieldSummary {
	if res == nil || width < 1 || height < 1 {
		return nil
	}
	xLo := float64(width) * fieldEdgeFraction
	xHi := float64(width) * (1.0 - fieldEdgeFraction)
	yLo := float64(height) * fieldEdgeFraction
	yHi := float64(height) * (1.0 - fieldEdgeFraction)

	zoneRows := make(map[ZonePosition][]StarRow, 9)
	total := 0
	for _, row := range res.Rows {
		if row.Status != StatusOK {
			continue
		}
		// Pixel centres sit on integers; zone edges are on pixel boundaries.
		pos := classifyZone(row.Star.X-0.5, row.Star.Y-0.5, xLo, xHi, yLo, yHi)
		zoneRows[pos] = append(zoneRows[pos], row)
		total++
	}
	if total == 0 {
		return nil
	}

	summary := &FieldSummary{Zones: make(map[ZonePosition]ZoneData, 9)}
	worst := math.Inf(-1)
	for _, gridRow := range zoneGrid {
		for _, pos := range gridRow {
			z := computeZoneData(pos, zoneRows[pos])
			summary.Zones[pos] = z
			if z.StarCount >= minStarsPerZone && z.MedianInflation > worst {
				worst = z.MedianInflation
				summary.WorstZone = z.Label
			}
		}
	}

	center := summary.Zones[ZoneCenter]
	if center.MedianInflation > 0 {
		var offSum float64
		offCount := 0
		for pos, z := range summary.Zones {
			if pos == ZoneCenter || z.StarCount < minStarsPerZone {
				continue
			}
			offSum += z.MedianInflation
			offCount++
		}
		if offCount > 0 {
			summary.OffAxisPct = (offSum/float64(offCount) - center.MedianInflation) / center.MedianInflation * 100.0
		}
	}
	summary.Reliable = total >= minTotalStarsForField && center.StarCount >= minStarsPerZone
	return summary
}

func classifyZone(x, y, xLo, xHi, yLo, yHi float64) ZonePosition {
	var col, row int
	switch {
	case x < xLo:
		col = 0
	case x < xHi:
		col = 1
	default:
		col = 2
	}
	switch {
	case y < yLo:
		row = 0
	case y < yHi:
		row = 1
	default:
		row = 2
	}
	return zoneGrid[row][col]
}

func computeZoneData(pos ZonePosition, rows []StarRow) ZoneData {
	zd := ZoneData{Label: zoneLabels[pos]}
	inflation := make([]float64, 0, len(rows))
	correction := make([]float64, 0, len(rows))
	for _, r := range rows {
		if r.Stats.StdWDiag > 0 && !math.IsNaN(r.Stats.StdW) {
			inflation = append(inflation, r.Stats.StdW/r.Stats.StdWDiag)
		}
		if !math.IsNaN(r.Stats.DebiasedFlux) {
			correction = append(correction, r.Stats.DebiasedFlux/r.Star.Flux)
		}
	}
	zd.StarCount = len(inflation)
	zd.MedianInflation = medianOf(inflation)
	zd.MedianCorrection = medianOf(correction)
	return zd
}

// medianOf sorts values in place.
func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil)
}
