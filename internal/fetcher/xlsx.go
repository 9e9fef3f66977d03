package fetcher

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// ReadXLSX reads a workbook from disk and returns all header-keyed rows of
// the selected sheet.
func ReadXLSX(path string, opts XLSXOptions) ([]Row, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}
	return CollectRows(streamSheet(context.Background(), f, opts))
}

// StreamXLSXRows parses an in-memory workbook and sends header-keyed rows to
// a channel. Numeric cells are sent as float64 so date serials survive.
// Both channels are closed when processing completes.
func StreamXLSXRows(ctx context.Context, data []byte, opts XLSXOptions) (<-chan Row, <-chan error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return failed(eris.Wrap(err, "xlsx: open workbook"))
	}
	return streamSheet(ctx, f, opts)
}

func streamSheet(ctx context.Context, f *xlsx.File, opts XLSXOptions) (<-chan Row, <-chan error) {
	sheet, err := getSheet(f, opts)
	if err != nil {
		return failed(err)
	}

	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		var header []string
		for _, r := range sheet.Rows {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
			if r == nil {
				continue
			}

			if header == nil {
				names := make([]string, len(r.Cells))
				for j, cell := range r.Cells {
					names[j] = cell.String()
				}
				header = normalizeHeader(names)
				continue
			}

			row := make(Row, len(r.Cells))
			for j, cell := range r.Cells {
				if v, ok := cellValue(cell); ok {
					row[columnName(header, j)] = v
				}
			}
			if len(row) == 0 {
				continue
			}

			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "xlsx: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

func cellValue(cell *xlsx.Cell) (any, bool) {
	if cell == nil {
		return nil, false
	}
	if cell.Type() == xlsx.CellTypeNumeric {
		if f, err := cell.Float(); err == nil {
			return f, true
		}
	}
	s := strings.TrimSpace(cell.String())
	if s == "" {
		return nil, false
	}
	return s, true
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}
