package store

import (
	"context"
	"errors"
	"time"

	"relay/internal/domain"
)

var (
	// ErrEmpty is returned by ClaimNext when no envelope is eligible.
	ErrEmpty = errors.New("no eligible envelopes")

	// ErrNotFound is returned when an id does not match an envelope in the
	// state the operation requires.
	ErrNotFound = errors.New("envelope not found")

	// ErrUnavailable wraps transport failures talking to the backing
	// database. Producers see it synchronously from Enqueue.
	ErrUnavailable = errors.New("message store unavailable")
)

// ListQuery filters List. Zero values mean "any".
type ListQuery struct {
	Queue  string
	Status domain.Status
	Limit  int
}

// QueueStats is the per-queue status breakdown used by the API.
type QueueStats struct {
	Queue  string                `json:"queue"`
	Counts map[domain.Status]int `json:"counts"`
}

// Store persists envelopes. Every mutation is atomic with respect to
// concurrent callers, including callers in other process instances; the
// scheduler relies on that instead of in-process locking.
type Store interface {
	// Enqueue persists a new envelope and returns its id. The write is
	// durable before return; failures wrap ErrUnavailable.
	Enqueue(ctx context.Context, env domain.Envelope) (string, error)

	// ClaimNext atomically moves the oldest eligible envelope in the queue
	// from pending to processing and returns it. At most one concurrent
	// caller wins a given envelope. Returns ErrEmpty when nothing is
	// eligible at now.
	ClaimNext(ctx context.Context, queue string, now time.Time) (*domain.Envelope, error)

	// MarkCompleted records a successful attempt: status completed,
	// attemptCount+1, completedAt set.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a failed attempt with budget remaining: status
	// back to pending, attemptCount+1, lastError and nextAttemptAt set.
	MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error

	// MarkDeadLettered records a terminally failed attempt: status
	// dead_lettered, attemptCount+1, lastError set. The envelope is never
	// claimed again.
	MarkDeadLettered(ctx context.Context, id, lastError string) error

	// Release returns a processing envelope to pending without recording
	// an attempt. Used on graceful shutdown.
	Release(ctx context.Context, id string) error

	// ReleaseStale releases every processing envelope untouched since
	// before the cutoff. Covers claims stranded by a crash.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)

	// ListActiveQueues returns the distinct queue names that currently
	// hold pending or processing envelopes.
	ListActiveQueues(ctx context.Context) ([]string, error)

	// Get returns an envelope by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Envelope, error)

	// List returns envelopes matching the query, newest first.
	List(ctx context.Context, q ListQuery) ([]*domain.Envelope, error)

	// Requeue replays a dead-lettered envelope: status pending,
	// attemptCount reset, error and schedule cleared. ErrNotFound when the
	// envelope is missing or not dead-lettered.
	Requeue(ctx context.Context, id string) error

	// Stats returns the per-queue status breakdown.
	Stats(ctx context.Context) ([]QueueStats, error)
}

const defaultListLimit = 50
