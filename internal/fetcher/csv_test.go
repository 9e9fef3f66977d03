package fetcher

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRecords(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
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

func TestStreamCSV_WithHeader(t *testing.T) {
	input := "date,oil\n2015-01-01,10\n2015-01-02,11\n"
	headerCh := make(chan []string, 1)

	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
	})

	rows, err := collectRecords(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"2015-01-01", "10"}, rows[0])
	assert.Equal(t, []string{"date", "oil"}, <-headerCh)
}

func TestStreamCSV_TrimSpace(t *testing.T) {
	input := " date , oil \n 2015-01-01 , 2 \n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{TrimSpace: true})
	rows, err := collectRecords(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"date", "oil"}, rows[0])
	assert.Equal(t, []string{"2015-01-01", "2"}, rows[1])
}

func TestStreamCSV_SniffsSemicolons(t *testing.T) {
	input := "date;oil;gas\n2015-01-01;1,5;3\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{HasHeader: true})
	rows, err := collectRecords(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2015-01-01", "1,5", "3"}, rows[0])
}

func TestSniffDelimiter(t *testing.T) {
	tests := []struct {
		in   string
		want rune
	}{
		{"a,b,c\n1;2;3;4;5", ','},
		{"a;b;c\n", ';'},
		{"a\tb\tc", '\t'},
		{"single", ','},
		{"", ','},
		{"a;b,c", ','},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SniffDelimiter([]byte(tt.in)), tt.in)
	}
}

func TestStreamCSV_VariableFields(t *testing.T) {
	input := "a,b,c\n1,2\n3,4,5,6\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRecords(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Len(t, rows[1], 2)
	assert.Len(t, rows[2], 4)
}

func TestStreamCSV_ReadError(t *testing.T) {
	r := &failingReader{data: "a,b,c\n1,2,3\n", failAt: 10, failErr: io.ErrUnexpectedEOF}

	rowCh, errCh := StreamCSV(context.Background(), r, CSVOptions{})
	_, err := collectRecords(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv: read row")
}

func TestStreamCSV_ContextCancellation(t *testing.T) {
	var sb strings.Builder
	for range 10000 {
		sb.WriteString("a,b,c\n")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rowCh, errCh := StreamCSV(ctx, strings.NewReader(sb.String()), CSVOptions{})

	count := 0
	for range rowCh {
		count++
		if count == 5 {
			cancel()
			break
		}
	}
	for range rowCh { //nolint:revive // drain
	}

	var gotErr error
	for err := range errCh {
		if err != nil {
			gotErr = err
		}
	}
	if gotErr != nil {
		assert.Contains(t, gotErr.Error(), "context cancelled")
	}
}

// failingReader returns an error after reading failAt bytes.
type failingReader struct {
	data    string
	pos     int
	failAt  int
	failErr error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, r.failErr
	}
	n := copy(p, r.data[r.pos:])
	if r.pos+n >= r.failAt {
		n = r.failAt - r.pos
		r.pos = r.failAt
		return n, nil
	}
	r.pos += n
	return n, nil
}
