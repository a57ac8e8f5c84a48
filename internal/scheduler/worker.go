package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/domain"
	"relay/internal/registry"
	"relay/internal/store"
)

// runWorker is the per-queue loop: drain eligible envelopes, then sleep
// until the poll interval elapses or the notifier wakes us, whichever
// comes first. Exits after IdleGrace with no work.
func (s *Scheduler) runWorker(ctx context.Context, queue string) {
	log := s.log.With().Str("queue", queue).Logger()

	wake, stopWatch, err := s.notifier.Watch(queue)
	if err != nil {
		log.Warn().Err(err).Msg("queue watch failed, polling only")
		wake, stopWatch = nil, func() {}
	}
	defer stopWatch()

	log.Debug().Msg("worker started")
	defer log.Debug().Msg("worker stopped")

	idleSince := time.Now()
	for {
		if n := s.drain(ctx, queue, log); n > 0 {
			idleSince = time.Now()
		}
		if ctx.Err() != nil {
			return
		}
		if time.Since(idleSince) >= s.cfg.IdleGrace {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// drain claims and dispatches until the queue has nothing eligible.
// Envelopes are processed one at a time, to completion: that sequencing is
// what yields FIFO within the queue.
func (s *Scheduler) drain(ctx context.Context, queue string, log zerolog.Logger) int {
	n := 0
	for {
		if ctx.Err() != nil {
			return n
		}
		env, err := s.store.ClaimNext(ctx, queue, time.Now().UTC())
		if errors.Is(err, store.ErrEmpty) {
			return n
		}
		if err != nil {
			// Store trouble: skip this cycle, the next poll retries. No
			// envelope state was touched.
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("claim failed")
			}
			return n
		}
		s.dispatch(ctx, env, log)
		n++
	}
}

// dispatch runs one delivery attempt: fresh scope, every registered
// recipient in order, outcome written back through the backoff policy.
func (s *Scheduler) dispatch(ctx context.Context, env *domain.Envelope, log zerolog.Logger) {
	attempt := env.AttemptCount + 1
	mlog := log.With().
		Str("message_id", env.ID).
		Str("message_type", env.MessageType).
		Int("attempt", attempt).
		Logger()

	// Undecodable bytes stay undecodable; retrying would burn the whole
	// budget on the same error. Straight to the dead-letter state.
	if !json.Valid(env.Payload) {
		s.deadLetter(env, errors.New("payload is not valid JSON"), mlog)
		return
	}

	factories := s.reg.Recipients(env.MessageType)
	if len(factories) == 0 {
		s.deadLetter(env, fmt.Errorf("no recipients registered for %q", env.MessageType), mlog)
		return
	}

	var values map[string]any
	if s.cfg.ScopeValues != nil {
		values = s.cfg.ScopeValues(env)
	}
	scope := registry.NewScope(env, mlog, values)

	// All-or-nothing: the first recipient error fails the whole attempt,
	// and a retry re-runs every recipient. They must be idempotent.
	var attemptErr error
	for i, f := range factories {
		if err := f(scope).Handle(ctx, env.Payload); err != nil {
			attemptErr = fmt.Errorf("recipient %d of %d: %w", i+1, len(factories), err)
			break
		}
	}

	switch {
	case attemptErr == nil:
		s.complete(env, mlog)
	case ctx.Err() != nil:
		// Shutdown aborted the attempt; hand the claim back without
		// charging the retry budget.
		s.release(env, mlog)
	case attempt >= env.MaxAttempts:
		s.deadLetter(env, attemptErr, mlog)
	default:
		s.retry(env, attempt, attemptErr, mlog)
	}
}

func (s *Scheduler) complete(env *domain.Envelope, log zerolog.Logger) {
	ctx, cancel := outcomeCtx()
	defer cancel()
	if err := s.store.MarkCompleted(ctx, env.ID); err != nil {
		log.Error().Err(err).Msg("mark completed failed")
		return
	}
	log.Info().Msg("completed")
}

func (s *Scheduler) retry(env *domain.Envelope, attempt int, cause error, log zerolog.Logger) {
	delay := s.cfg.Backoff.Delay(attempt)
	ctx, cancel := outcomeCtx()
	defer cancel()
	if err := s.store.MarkFailed(ctx, env.ID, cause.Error(), time.Now().UTC().Add(delay)); err != nil {
		log.Error().Err(err).Msg("mark failed failed")
		return
	}
	log.Warn().Err(cause).Dur("retry_in", delay).Msg("attempt failed")
}

func (s *Scheduler) deadLetter(env *domain.Envelope, cause error, log zerolog.Logger) {
	ctx, cancel := outcomeCtx()
	defer cancel()
	if err := s.store.MarkDeadLettered(ctx, env.ID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("mark dead-lettered failed")
		return
	}
	log.Warn().Err(cause).Msg("dead-lettered")
}

func (s *Scheduler) release(env *domain.Envelope, log zerolog.Logger) {
	ctx, cancel := outcomeCtx()
	defer cancel()
	if err := s.store.Release(ctx, env.ID); err != nil {
		log.Error().Err(err).Msg("release failed, claim will be swept as stale")
		return
	}
	log.Info().Msg("released on shutdown")
}

func outcomeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), outcomeWriteTimeout)
}
