package ccdio

import (
	"fmt"
	"io"
	"os"

	"github.com/astrogo/fitsio"

	"starbias/pkg/debias"
)

// catalogRow is the binary table layout of an input catalog.
type catalogRow struct {
	X    float64 `fits:"x"`
	Y    float64 `fits:"y"`
	Flux float64 `fits:"flux"`
	ID   int64   `fits:"id"`
}

var catalogColumns = []fitsio.Column{
	{Name: "x", Format: "D"},
	{Name: "y", Format: "D"},
	{Name: "flux", Format: "D"},
	{Name: "id", Format: "K"},
}

// ReadCatalogFile reads a star catalog from path. See ReadCatalog.
func ReadCatalogFile(path, ext string) ([]debias.StarRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	stars, err := ReadCatalog(f, ext)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return stars, nil
}

// ReadCatalog reads the x, y, flux and id columns of the binary table
// named ext, or of the only binary table. Positions are 1-based pixels.
func ReadCatalog(r io.Reader, ext string) ([]debias.StarRecord, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("reading FITS: %w", err)
	}
	defer f.Close()

	hdu, err := findHDU(f, ext, fitsio.BINARY_TBL)
	if err != nil {
		return nil, err
	}
	table, ok := hdu.(*fitsio.Table)
	if !ok {
		return nil, fmt.Errorf("%w: HDU %q is not a table", ErrUnsupportedHDU, hdu.Name())
	}
	for _, c := range catalogColumns {
		if table.Index(c.Name) < 0 {
			return nil, fmt.Errorf("%w: catalog has no %q column", ErrUnsupportedHDU, c.Name)
		}
	}

	rows, err := table.Read(0, table.NumRows())
	if err != nil {
		return nil, fmt.Errorf("reading catalog rows: %w", err)
	}
	defer rows.Close()

	stars := make([]debias.StarRecord, 0, table.NumRows())
	for rows.Next() {
		var row catalogRow
		if err := rows.Scan(&row); err != nil {
			return nil, fmt.Errorf("scanning catalog row %d: %w", len(stars), err)
		}
		stars = append(stars, debias.StarRecord{X: row.X, Y: row.Y, Flux: row.Flux, ID: row.ID})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog rows: %w", err)
	}
	return stars, nil
}

// WriteCatalog writes stars as a binary table named ext.
func WriteCatalog(w io.Writer, ext string, stars []debias.StarRecord) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS: %w", err)
	}
	if err := writePrimary(f); err != nil {
		return err
	}
	table, err := fitsio.NewTable(ext, catalogColumns, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("creating catalog table: %w", err)
	}
	defer table.Close()
	for i, s := range stars {
		row := catalogRow{X: s.X, Y: s.Y, Flux: s.Flux, ID: s.ID}
		if err := table.Write(&row); err != nil {
			return fmt.Errorf("writing catalog row %d: %w", i, err)
		}
	}
	if err := f.Write(table); err != nil {
		return fmt.Errorf("writing catalog HDU: %w", err)
	}
	return f.Close()
}

func writePrimary(f *fitsio.File) error {
	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return fmt.Errorf("creating primary HDU: %w", err)
	}
	if err := f.Write(phdu); err != nil {
		return fmt.Errorf("writing primary HDU: %w", err)
	}
	return nil
}
