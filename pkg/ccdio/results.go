package ccdio

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"

	"starbias/pkg/debias"
)

// ResultRow is the binary table layout of one output row: the catalog
// columns followed by the statistics in debias.StatisticNames order.
type ResultRow struct {
	X         float64 `fits:"x"`
	Y         float64 `fits:"y"`
	Flux      float64 `fits:"flux"`
	ID        int64   `fits:"id"`
	StdW      float64 `fits:"std_w"`
	StdWDiag  float64 `fits:"std_wdiag"`
	VarWDB    float64 `fits:"var_wdb"`
	FluxDB    float64 `fits:"flux_db"`
	ResidMean float64 `fits:"resid_mean"`
	PredMean  float64 `fits:"pred_mean"`
	Chi20     float64 `fits:"chi20"`
	Status    int32   `fits:"status"`
	NMasked   int32   `fits:"nmasked"`
	Border    int32   `fits:"border"`
}

func resultColumns() []fitsio.Column {
	cols := append([]fitsio.Column(nil), catalogColumns...)
	for _, name := range debias.StatisticNames {
		cols = append(cols, fitsio.Column{Name: name, Format: "D"})
	}
	return append(cols,
		fitsio.Column{Name: "status", Format: "J"},
		fitsio.Column{Name: "nmasked", Format: "J"},
		fitsio.Column{Name: "border", Format: "J"},
	)
}

func newResultRow(r debias.StarRow) ResultRow {
	v := r.Stats.Vector()
	out := ResultRow{
		X:         r.Star.X,
		Y:         r.Star.Y,
		Flux:      r.Star.Flux,
		ID:        r.Star.ID,
		StdW:      v[0],
		StdWDiag:  v[1],
		VarWDB:    v[2],
		FluxDB:    v[3],
		ResidMean: v[4],
		PredMean:  v[5],
		Chi20:     v[6],
		Status:    int32(r.Status),
		NMasked:   int32(r.MaskedCount),
	}
	if r.BorderCleared {
		out.Border = 1
	}
	return out
}

// WriteResults writes the rows of res as a binary table named after the
// detector, with the infill outcome recorded in the table header.
func WriteResults(w io.Writer, res *debias.CCDResult) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS: %w", err)
	}
	if err := writePrimary(f); err != nil {
		return err
	}
	table, err := fitsio.NewTable(tableName(res.Detector), resultColumns(), fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("creating result table: %w", err)
	}
	defer table.Close()

	degraded := 0
	if res.Infill.Degraded {
		degraded = 1
	}
	err = table.Header().Append(
		fitsio.Card{Name: "DETECTOR", Value: res.Detector},
		fitsio.Card{Name: "INFITER", Value: res.Infill.Iterations, Comment: "infill smoothing rounds"},
		fitsio.Card{Name: "INFWIDTH", Value: res.Infill.FinalWidth, Comment: "last infill window"},
		fitsio.Card{Name: "INFUNRES", Value: res.Infill.Unresolved, Comment: "pixels set to the median"},
		fitsio.Card{Name: "INFDEGR", Value: degraded},
		fitsio.Card{Name: "NOISEPRE", Value: res.Metrics.NoiseBefore.Sigma},
		fitsio.Card{Name: "NOISEPST", Value: res.Metrics.NoiseAfter.Sigma},
	)
	if err != nil {
		return fmt.Errorf("writing result header: %w", err)
	}

	for i, r := range res.Rows {
		row := newResultRow(r)
		if err := table.Write(&row); err != nil {
			return fmt.Errorf("writing result row %d: %w", i, err)
		}
	}
	if err := f.Write(table); err != nil {
		return fmt.Errorf("writing result HDU: %w", err)
	}
	return f.Close()
}

// ReadResults reads a table written by WriteResults.
func ReadResults(r io.Reader, ext string) ([]ResultRow, *Metadata, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, fmt.Errorf("reading FITS: %w", err)
	}
	defer f.Close()

	hdu, err := findHDU(f, ext, fitsio.BINARY_TBL)
	if err != nil {
		return nil, nil, err
	}
	table, ok := hdu.(*fitsio.Table)
	if !ok {
		return nil, nil, fmt.Errorf("%w: HDU %q is not a table", ErrUnsupportedHDU, hdu.Name())
	}
	rows, err := table.Read(0, table.NumRows())
	if err != nil {
		return nil, nil, fmt.Errorf("reading result rows: %w", err)
	}
	defer rows.Close()

	out := make([]ResultRow, 0, table.NumRows())
	for rows.Next() {
		var row ResultRow
		if err := rows.Scan(&row); err != nil {
			return nil, nil, fmt.Errorf("scanning result row %d: %w", len(out), err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating result rows: %w", err)
	}
	return out, metadataFromHeader(table.Header()), nil
}

func tableName(detector string) string {
	if detector == "" {
		return "STARBIAS"
	}
	return detector
}
