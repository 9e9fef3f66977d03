package resilience

import (
	"time"
)

// Error types recorded on dead-lettered messages.
const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// DLQEntry is a queue message that was removed from redelivery, either
// because it can never be handled or because it hit the redelivery cap.
type DLQEntry struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"message_id"`
	RoutingKey    string    `json:"routing_key"`
	Body          []byte    `json:"body"`
	Error         string    `json:"error"`
	ErrorType     string    `json:"error_type"`
	DeliveryCount int       `json:"delivery_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// DLQFilter limits a dead-letter listing.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ClassifyError returns ErrorTypeTransient or ErrorTypePermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}
