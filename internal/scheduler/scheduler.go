// Package scheduler is the consumer engine: it discovers active queues,
// runs one independent worker per queue, and feeds attempt outcomes back
// through the backoff policy into the store. Queues share nothing, so a
// poison message retrying in one queue never delays another.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/backoff"
	"relay/internal/domain"
	"relay/internal/notify"
	"relay/internal/registry"
	"relay/internal/store"
)

const (
	DefaultPollInterval = 30 * time.Second
	DefaultIdleGrace    = 2 * time.Minute

	// Outcome writes must land even when the worker's context is already
	// canceled, so they run on a detached context with this budget.
	outcomeWriteTimeout = 5 * time.Second
)

type Config struct {
	// PollInterval bounds how long an idle worker (or the supervisor)
	// waits before checking the store again. It is the correctness
	// fallback when the notifier is poll-only or loses a signal.
	PollInterval time.Duration

	// IdleGrace is how long a worker with no eligible work keeps running
	// before it exits and frees its goroutine.
	IdleGrace time.Duration

	Backoff backoff.Policy

	// ScopeValues, when set, builds the per-message dependency values
	// handed to recipient factories through the scope.
	ScopeValues func(env *domain.Envelope) map[string]any
}

type Scheduler struct {
	store    store.Store
	reg      *registry.Registry
	notifier notify.Notifier
	cfg      Config
	log      zerolog.Logger

	mu      sync.Mutex
	workers map[string]struct{}
	wg      sync.WaitGroup
}

func New(st store.Store, reg *registry.Registry, n notify.Notifier, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	if cfg.Backoff.Len() == 0 {
		cfg.Backoff = backoff.Default()
	}
	if n == nil {
		n = notify.Noop{}
	}
	return &Scheduler{
		store:    st,
		reg:      reg,
		notifier: n,
		cfg:      cfg,
		log:      log,
		workers:  make(map[string]struct{}),
	}
}

// Run supervises queue workers until ctx is canceled, then waits for every
// in-flight attempt to settle. Multiple process instances may Run against
// the same store; the claim contract keeps them from double-delivering.
func (s *Scheduler) Run(ctx context.Context) {
	wake, stopWatch, err := s.notifier.Watch("")
	if err != nil {
		s.log.Warn().Err(err).Msg("queue-discovery watch failed, polling only")
		wake, stopWatch = nil, func() {}
	}
	defer stopWatch()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("idle_grace", s.cfg.IdleGrace).
		Msg("scheduler started")

	s.startWorkers(ctx)
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
		case <-wake:
		}
		s.startWorkers(ctx)
	}
}

// startWorkers launches a worker for every active queue that doesn't
// already have one. Workers remove themselves from the set on exit.
func (s *Scheduler) startWorkers(ctx context.Context) {
	queues, err := s.store.ListActiveQueues(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("list active queues failed")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queue := range queues {
		if _, running := s.workers[queue]; running {
			continue
		}
		s.workers[queue] = struct{}{}
		s.wg.Add(1)
		go func(queue string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.workers, queue)
				s.mu.Unlock()
			}()
			s.runWorker(ctx, queue)
		}(queue)
	}
}

// ActiveWorkers returns the queues that currently have a running worker.
func (s *Scheduler) ActiveWorkers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for q := range s.workers {
		out = append(out, q)
	}
	return out
}
