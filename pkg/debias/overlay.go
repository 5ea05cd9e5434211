package debias

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// RenderFieldOverlay writes a JPEG map of the field summary to outputPath.
func RenderFieldOverlay(field *FieldSummary, res *CCDResult, width, height int, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create overlay file: %w", err)
	}
	defer f.Close()
	return WriteFieldOverlay(f, field, res, width, height)
}

// RenderFieldOverlayBytes returns the field map as JPEG bytes.
func RenderFieldOverlayBytes(field *FieldSummary, res *CCDResult, width, height int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFieldOverlay(&buf, field, res, width, height); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFieldOverlay encodes the field map to w. Zones are shaded by their
// median inflation; star positions are marked by status.
func WriteFieldOverlay(w io.Writer, field *FieldSummary, res *CCDResult, width, height int) error {
	img, err := renderFieldImage(field, res, width, height)
	if err != nil {
		return err
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
}

func renderFieldImage(field *FieldSummary, res *CCDResult, width, height int) (*image.RGBA, error) {
	if field == nil {
		return nil, fmt.Errorf("no field summary data")
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid detector size %dx%d", width, height)
	}

	const targetWidth = 800
	scale := float64(targetWidth) / float64(width)
	imgW := targetWidth
	imgH := max(int(float64(height)*scale), 100)

	summaryH := 60
	totalH := imgH + summaryH
	img := image.NewRGBA(image.Rect(0, 0, imgW, totalH))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{0, 0, 0, 255}), image.Point{}, draw.Src)

	xLo := int(float64(imgW) * fieldEdgeFraction)
	xHi := int(float64(imgW) * (1.0 - fieldEdgeFraction))
	yLo := int(float64(imgH) * fieldEdgeFraction)
	yHi := int(float64(imgH) * (1.0 - fieldEdgeFraction))
	xBounds := [3][2]int{{0, xLo}, {xLo, xHi}, {xHi, imgW}}
	yBounds := [3][2]int{{0, yLo}, {yLo, yHi}, {yHi, imgH}}

	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			zone := field.Zones[zoneGrid[row][col]]
			rect := image.Rect(xBounds[col][0], yBounds[row][0], xBounds[col][1], yBounds[row][1])
			draw.Draw(img, rect, image.NewUniform(inflationColor(zone.MedianInflation)), image.Point{}, draw.Src)
		}
	}

	gridColor := color.RGBA{255, 255, 255, 180}
	for x := 0; x < imgW; x++ {
		img.Set(x, yLo, gridColor)
		img.Set(x, yHi, gridColor)
	}
	for y := 0; y < imgH; y++ {
		img.Set(xLo, y, gridColor)
		img.Set(xHi, y, gridColor)
	}

	if res != nil {
		for _, r := range res.Rows {
			px := int((r.Star.X - 0.5) * scale)
			py := int((r.Star.Y - 0.5) * float64(imgH) / float64(height))
			drawCircle(img, px, py, 2, statusColor(r.Status))
		}
	}

	face := basicfont.Face7x13
	textColor := color.RGBA{255, 255, 255, 255}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			zone := field.Zones[zoneGrid[row][col]]
			cx := (xBounds[col][0] + xBounds[col][1]) / 2
			cy := (yBounds[row][0] + yBounds[row][1]) / 2
			drawCenteredText(img, face, zone.Label, cx, cy-14, textColor)
			drawCenteredText(img, face, fmt.Sprintf("infl: %.2f", zone.MedianInflation), cx, cy+2, textColor)
			drawCenteredText(img, face, fmt.Sprintf("n=%d", zone.StarCount), cx, cy+16, textColor)
		}
	}

	summaryColor := color.RGBA{220, 220, 220, 255}
	summaryY := imgH + 15
	line1 := fmt.Sprintf("Off-axis inflation: %.1f%%  (worst: %s)", field.OffAxisPct, field.WorstZone)
	line2 := ""
	if res != nil {
		line2 = fmt.Sprintf("ok=%d excluded=%d failed=%d", res.Metrics.Processed, res.Metrics.Excluded, res.Metrics.Failed)
	}
	if !field.Reliable {
		line2 += "  [LOW STAR COUNT - UNRELIABLE]"
	}
	drawText(img, face, line1, 10, summaryY, summaryColor)
	drawText(img, face, line2, 10, summaryY+18, summaryColor)
	return img, nil
}

// inflationColor shades green at no inflation through yellow to red at
// twice the diagonal-only error.
func inflationColor(inflation float64) color.RGBA {
	if inflation <= 0 || math.IsNaN(inflation) {
		return color.RGBA{40, 40, 40, 255}
	}
	var r, g, b uint8
	switch {
	case inflation <= 1.1:
		t := math.Max(inflation, 0) / 1.1
		g = uint8(60 + t*40)
		r = uint8(t * 30)
		b = 20
	case inflation <= 1.5:
		t := (inflation - 1.1) / 0.4
		r = uint8(30 + t*170)
		g = uint8(100 - t*20)
		b = 20
	default:
		t := math.Min((inflation-1.5)/0.5, 1.0)
		r = uint8(200 + t*55)
		g = uint8(80 - t*60)
		b = uint8(20 - t*10)
	}
	return color.RGBA{r, g, b, 255}
}

func statusColor(s StarStatus) color.RGBA {
	switch s {
	case StatusOK:
		return color.RGBA{255, 255, 255, 220}
	case StatusExcluded, StatusFaint:
		return color.RGBA{120, 120, 120, 200}
	default:
		return color.RGBA{255, 60, 60, 255}
	}
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, cy, c)
}

// drawCircle draws a circle outline using the midpoint algorithm.
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	x, y, err := radius, 0, 0
	for x >= y {
		img.Set(cx+x, cy+y, c)
		img.Set(cx+y, cy+x, c)
		img.Set(cx-y, cy+x, c)
		img.Set(cx-x, cy+y, c)
		img.Set(cx-x, cy-y, c)
		img.Set(cx-y, cy-x, c)
		img.Set(cx+y, cy-x, c)
		img.Set(cx+x, cy-y, c)

		y++
		err += 1 + 2*y
		if 2*(err-x)+1 > 0 {
			x--
			err += 1 - 2*x
		}
	}
}
