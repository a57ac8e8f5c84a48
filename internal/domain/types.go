package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an envelope.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLettered:
		return true
	}
	return false
}

// Envelope is the persisted record of one unit of work. The JSON field
// names double as the observability wire format, so they must not change.
type Envelope struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queueName"`
	MessageType   string          `json:"messageType"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	AttemptCount  int             `json:"attemptCount"`
	MaxAttempts   int             `json:"maxAttempts"`
	LastError     *string         `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAtUtc"`
	NextAttemptAt *time.Time      `json:"nextAttemptAtUtc,omitempty"`
	CompletedAt   *time.Time      `json:"completedAtUtc,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAtUtc"`
}

// Eligible reports whether the envelope may be claimed at the given time.
func (e *Envelope) Eligible(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// AttemptsRemaining reports whether another delivery attempt is allowed
// after the in-flight one fails.
func (e *Envelope) AttemptsRemaining() bool {
	return e.AttemptCount+1 < e.MaxAttempts
}

// Message is implemented by anything that can be broadcast on the bus.
// MessageType returns the type tag used to resolve the payload's
// recipients and, unless overridden, its queue.
type Message interface {
	MessageType() string
}

// QueueNamer is optionally implemented by messages that declare their own
// queue instead of relying on a registry entry or the type-name default.
type QueueNamer interface {
	QueueName() string
}
