package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/internal/backoff"
	"relay/internal/domain"
)

// MemoryStore is an in-process Store. It backs tests and embedded setups
// that don't need durability across restarts; the claim contract is the
// same as the database-backed stores.
type MemoryStore struct {
	mu        sync.Mutex
	envelopes map[string]*domain.Envelope
}

func NewMemory() *MemoryStore {
	return &MemoryStore{envelopes: make(map[string]*domain.Envelope)}
}

func (s *MemoryStore) Enqueue(_ context.Context, env domain.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.ID == "" {
		env.ID = "msg_" + uuid.NewString()
	}
	if env.MaxAttempts == 0 {
		env.MaxAttempts = backoff.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.Status = domain.StatusPending
	env.AttemptCount = 0
	env.UpdatedAt = now

	cp := env
	s.envelopes[env.ID] = &cp
	return env.ID, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, queue string, now time.Time) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *domain.Envelope
	for _, e := range s.envelopes {
		if e.QueueName != queue || !e.Eligible(now) {
			continue
		}
		if oldest == nil ||
			e.CreatedAt.Before(oldest.CreatedAt) ||
			(e.CreatedAt.Equal(oldest.CreatedAt) && e.ID < oldest.ID) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, ErrEmpty
	}
	oldest.Status = domain.StatusProcessing
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.inState(id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	e.Status = domain.StatusCompleted
	e.AttemptCount++
	e.CompletedAt = &now
	e.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, lastError string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.inState(id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	next := nextAttemptAt.UTC()
	e.Status = domain.StatusPending
	e.AttemptCount++
	e.LastError = &lastError
	e.NextAttemptAt = &next
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkDeadLettered(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.inState(id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	e.Status = domain.StatusDeadLettered
	e.AttemptCount++
	e.LastError = &lastError
	e.NextAttemptAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.inState(id, domain.StatusProcessing)
	if err != nil {
		return err
	}
	e.Status = domain.StatusPending
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReleaseStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.envelopes {
		if e.Status == domain.StatusProcessing && e.UpdatedAt.Before(cutoff) {
			e.Status = domain.StatusPending
			e.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActiveQueues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := map[string]bool{}
	for _, e := range s.envelopes {
		if e.Status == domain.StatusPending || e.Status == domain.StatusProcessing {
			seen[e.QueueName] = true
		}
	}
	queues := make([]string, 0, len(seen))
	for q := range seen {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	return queues, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.envelopes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, q ListQuery) ([]*domain.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []*domain.Envelope
	for _, e := range s.envelopes {
		if q.Queue != "" && e.QueueName != q.Queue {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.inState(id, domain.StatusDeadLettered)
	if err != nil {
		return err
	}
	e.Status = domain.StatusPending
	e.AttemptCount = 0
	e.LastError = nil
	e.NextAttemptAt = nil
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) ([]QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byQueue := map[string]map[domain.Status]int{}
	for _, e := range s.envelopes {
		m, ok := byQueue[e.QueueName]
		if !ok {
			m = map[domain.Status]int{}
			byQueue[e.QueueName] = m
		}
		m[e.Status]++
	}
	queues := make([]string, 0, len(byQueue))
	for q := range byQueue {
		queues = append(queues, q)
	}
	sort.Strings(queues)
	out := make([]QueueStats, 0, len(queues))
	for _, q := range queues {
		out = append(out, QueueStats{Queue: q, Counts: byQueue[q]})
	}
	return out, nil
}

// inState is called with the lock held.
func (s *MemoryStore) inState(id string, want domain.Status) (*domain.Envelope, error) {
	e, ok := s.envelopes[id]
	if !ok || e.Status != want {
		return nil, ErrNotFound
	}
	return e, nil
}
