// Package fetcher reads tabular sources (CSV, XLSX) into header-keyed rows.
package fetcher

import (
	"context"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one data row keyed by its header column. Values are strings for
// CSV sources; XLSX numeric cells arrive as float64. Empty cells are omitted.
type Row map[string]any

// Format identifies a tabular file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks the format from a file name extension.
func DetectFormat(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", eris.Errorf("fetcher: unsupported file type %q (valid: .csv, .xlsx)", filepath.Ext(name))
	}
}

// StreamRows parses r according to format and sends header-keyed rows on the
// returned channel. The first row is the header. Both channels are closed when
// processing completes.
func StreamRows(ctx context.Context, format Format, r io.Reader) (<-chan Row, <-chan error) {
	switch format {
	case FormatCSV:
		return streamCSVRows(ctx, r)
	case FormatXLSX:
		data, err := io.ReadAll(r)
		if err != nil {
			return failed(eris.Wrap(err, "xlsx: read input"))
		}
		return StreamXLSXRows(ctx, data, XLSXOptions{})
	default:
		return failed(eris.Errorf("fetcher: unsupported format %q", format))
	}
}

// CollectRows drains a row stream into a slice.
func CollectRows(rowCh <-chan Row, errCh <-chan error) ([]Row, error) {
	var rows []Row
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func streamCSVRows(ctx context.Context, r io.Reader) (<-chan Row, <-chan error) {
	headerCh := make(chan []string, 1)
	recCh, recErrCh := StreamCSV(ctx, r, CSVOptions{HasHeader: true, HeaderCh: headerCh, TrimSpace: true, LazyQuotes: true})
	return keyRows(ctx, headerCh, recCh, recErrCh, func(s string) any { return s })
}

// keyRows zips each record with the header. Blank headers become column_N.
func keyRows(ctx context.Context, headerCh <-chan []string, recCh <-chan []string, recErrCh <-chan error, conv func(string) any) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		var header []string
		for rec := range recCh {
			if header == nil {
				header = normalizeHeader(<-headerCh)
			}
			row := make(Row, len(rec))
			for i, v := range rec {
				if v == "" {
					continue
				}
				row[columnName(header, i)] = conv(v)
			}
			if len(row) == 0 {
				continue
			}
			select {
			case rowCh <- row:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "fetcher: context cancelled")
				return
			}
		}
		for err := range recErrCh {
			if err != nil {
				errCh <- err
				return
			}
		}
	}()

	return rowCh, errCh
}

func normalizeHeader(h []string) []string {
	out := make([]string, len(h))
	for i, c := range h {
		c = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if c == "" {
			c = "column_" + strconv.Itoa(i+1)
		}
		out[i] = c
	}
	return out
}

func columnName(header []string, i int) string {
	if i < len(header) {
		return header[i]
	}
	return "column_" + strconv.Itoa(i+1)
}

func failed(err error) (<-chan Row, <-chan error) {
	rowCh := make(chan Row)
	errCh := make(chan error, 1)
	errCh <- err
	close(rowCh)
	close(errCh)
	return rowCh, errCh
}
