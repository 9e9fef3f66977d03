package resilience

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"transient error", NewTransientError(errors.New("busy")), ErrorTypeTransient},
		{"permanent error", errors.New("invalid input"), ErrorTypePermanent},
		{"connection reset", errors.New("connection reset by peer"), ErrorTypeTransient},
		{"unique violation", &pgconn.PgError{Code: "23505"}, ErrorTypePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError() = %q, want %q", got, tt.want)
			}
		})
	}
}
