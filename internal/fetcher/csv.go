package fetcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune            // 0 sniffs ',', ';' or tab from the first line
	HasHeader  bool            // first record goes to HeaderCh instead of the row channel
	HeaderCh   chan<- []string // optional
	LazyQuotes bool
	TrimSpace  bool
}

// sniffCandidates are tried in order; ties go to the earlier one.
var sniffCandidates = []byte{',', ';', '\t'}

// SniffDelimiter returns the candidate delimiter occurring most often in the
// first line of sample, or ',' when none occurs.
func SniffDelimiter(sample []byte) rune {
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		sample = sample[:i]
	}
	best, bestN := byte(','), 0
	for _, c := range sniffCandidates {
		if n := bytes.Count(sample, []byte{c}); n > bestN {
			best, bestN = c, n
		}
	}
	return rune(best)
}

// StreamCSV reads CSV records and sends them to the returned channel. Both
// channels are closed when the input is exhausted, on the first read error or
// when ctx is cancelled.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		br := bufio.NewReaderSize(r, 4096)
		delim := opts.Delimiter
		if delim == 0 {
			// Peek errors resurface on the first Read below.
			sample, _ := br.Peek(4096)
			delim = SniffDelimiter(sample)
		}

		reader := csv.NewReader(br)
		reader.Comma = delim
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		header := opts.HasHeader
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			if header {
				header = false
				if opts.HeaderCh == nil {
					continue
				}
				select {
				case opts.HeaderCh <- record:
					continue
				case <-ctx.Done():
					errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
					return
				}
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}
