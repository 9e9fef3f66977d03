package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
)

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// transientSQLStates are Postgres error codes (or code classes) where a retry
// can succeed without changing the statement.
var transientSQLStates = []string{
	"08",    // connection exception
	"40001", // serialization_failure
	"40P01", // deadlock_detected
	"53",    // insufficient resources
	"57P01", // admin_shutdown
	"57P03", // cannot_connect_now
}

// IsTransient reports whether err (or any error in its chain) is worth
// retrying: explicit TransientError, network timeouts and resets, retryable
// Postgres SQLSTATEs, and recoverable or closed-channel AMQP errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, code := range transientSQLStates {
			if strings.HasPrefix(pgErr.Code, code) {
				return true
			}
		}
		return false
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"no such host",
		"temporary failure in name resolution",
		"conn closed",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
