package normalize

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// SerialEpoch is the spreadsheet serial day of 1970-01-01. Numeric
// timestamps strictly greater than it, up to SerialMax, are read as serial
// days.
const SerialEpoch = 25569

const (
	// SerialMax is the serial day following 9999-12-31.
	SerialMax = 2958466
	// epochMillisMin and epochMillisMax bound numbers read as Unix
	// milliseconds: 1973-03-03 up to the end of year 9999.
	epochMillisMin = 1e11
	epochMillisMax = 253402300799999
)

var (
	// ErrInvalidTimestamp means no interpretation of the timestamp column
	// yields a valid instant, or the column is missing.
	ErrInvalidTimestamp = eris.New("normalize: invalid timestamp")
	// ErrInvalidValue means a numeric column is missing or not a finite number.
	ErrInvalidValue = eris.New("normalize: invalid value")
)

// timeLayouts are tried in order for string timestamps without a zone
// offset; those are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006",
	"01/02/2006",
	"02-Jan-2006",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseTimestamp converts a raw cell into a UTC instant. It accepts
// time.Time values, numeric serial days (SerialEpoch, SerialMax) and Unix
// milliseconds as numbers or numeric strings, and the string layouts in
// timeLayouts. Instants outside years 0..9999 are rejected.
func ParseTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case nil:
		return time.Time{}, eris.Wrap(ErrInvalidTimestamp, "missing")
	case time.Time:
		if v.IsZero() {
			return time.Time{}, eris.Wrap(ErrInvalidTimestamp, "zero time")
		}
		return inRange(v.UTC())
	case string:
		return parseTimeString(v)
	default:
		f, ok := asFloat(v)
		if !ok {
			return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "unsupported type %T", raw)
		}
		return fromSerial(f)
	}
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.Wrap(ErrInvalidTimestamp, "empty")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromSerial(f)
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return inRange(t.UTC())
		}
	}
	return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "unrecognized %q", s)
}

// inRange rejects instants outside years 0..9999, which have no RFC 3339
// form and cannot be encoded into a batch.
func inRange(t time.Time) (time.Time, error) {
	if y := t.Year(); y < 0 || y > 9999 {
		return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "year %d out of range", y)
	}
	return t, nil
}

func fromSerial(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= SerialEpoch {
		return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "numeric %v is not a serial date", f)
	}
	if f >= SerialMax {
		if f >= epochMillisMin && f <= epochMillisMax {
			return time.UnixMilli(int64(math.Round(f))).UTC(), nil
		}
		return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "numeric %v is outside the serial and epoch millisecond ranges", f)
	}
	secs := (f - SerialEpoch) * 86400
	// Round to the millisecond; serial fractions carry float noise.
	ms := int64(math.Round(secs * 1000))
	return time.UnixMilli(ms).UTC(), nil
}

// ParseValue converts a raw cell into a finite float64. Thousands separators
// in strings are ignored.
func ParseValue(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, eris.Wrap(ErrInvalidValue, "missing")
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", "")
		if s == "" {
			return 0, eris.Wrap(ErrInvalidValue, "empty")
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, eris.Wrapf(ErrInvalidValue, "not a number %q", v)
		}
		f = parsed
	default:
		parsed, ok := asFloat(v)
		if !ok {
			return 0, eris.Wrapf(ErrInvalidValue, "unsupported type %T", raw)
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, eris.Wrapf(ErrInvalidValue, "not finite %v", f)
	}
	return f, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Key normalizes a column header: NFKC, case folded, trimmed, with runs of
// whitespace and hyphens collapsed to "_".
func Key(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = cases.Fold().String(s)
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-'
	})
	return strings.Join(parts, "_")
}

func isEmpty(raw any) bool {
	if raw == nil {
		return true
	}
	if s, ok := raw.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
