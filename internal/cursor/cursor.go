// Package cursor persists replay progress as one ISO-8601 date string in a
// key-value store.
package cursor

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Layout is the stored representation of the cursor date.
const Layout = "2006-01-02T15:04:05.000Z"

var (
	// ErrCursorUnavailable wraps any failure of the underlying store.
	ErrCursorUnavailable = eris.New("cursor: store unavailable")
	// ErrCorruptCursor is returned when the stored value is not a date.
	ErrCorruptCursor = eris.New("cursor: corrupt value")
)

// KV is a string key-value store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Cursor reads and writes the replay date under one key.
type Cursor struct {
	kv  KV
	key string
}

// New creates a Cursor stored under key.
func New(kv KV, key string) *Cursor {
	return &Cursor{kv: kv, key: key}
}

// Key returns the storage key.
func (c *Cursor) Key() string { return c.key }

// Load returns the persisted date and whether one exists.
func (c *Cursor) Load(ctx context.Context) (time.Time, bool, error) {
	v, ok, err := c.kv.Get(ctx, c.key)
	if err != nil {
		return time.Time{}, false, eris.Wrapf(ErrCursorUnavailable, "get %s: %v", c.key, err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := Parse(v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Init returns the persisted date, first persisting start when none exists.
func (c *Cursor) Init(ctx context.Context, start time.Time) (time.Time, error) {
	t, ok, err := c.Load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		return t, nil
	}
	start = Midnight(start)
	if err := c.Save(ctx, start); err != nil {
		return time.Time{}, err
	}
	return start, nil
}

// Save persists day.
func (c *Cursor) Save(ctx context.Context, day time.Time) error {
	if err := c.kv.Set(ctx, c.key, Format(day)); err != nil {
		return eris.Wrapf(ErrCursorUnavailable, "set %s: %v", c.key, err)
	}
	return nil
}

// Format renders t in Layout.
func Format(t time.Time) string {
	return t.UTC().Format(Layout)
}

// Parse reads a stored cursor value. Besides Layout it accepts RFC 3339 and
// plain YYYY-MM-DD, which operators may write by hand.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{Layout, time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Wrapf(ErrCorruptCursor, "parse %q", s)
}

// Midnight truncates t to UTC midnight.
func Midnight(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextDay returns the UTC midnight following t.
func NextDay(t time.Time) time.Time {
	return Midnight(t).AddDate(0, 0, 1)
}
