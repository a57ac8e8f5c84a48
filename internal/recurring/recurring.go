// Package recurring broadcasts messages on a cron schedule. It is a thin
// producer sitting on top of the bus: every firing is an ordinary durable
// broadcast, delivered with the same retry and dead-letter semantics.
package recurring

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"relay/internal/domain"
)

// Broadcaster is the slice of the bus the service needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg domain.Message) (string, error)
}

type Service struct {
	bus  Broadcaster
	cron *cron.Cron
	log  zerolog.Logger
}

func New(bus Broadcaster, log zerolog.Logger) *Service {
	return &Service{bus: bus, cron: cron.New(), log: log}
}

// Add schedules msg to be broadcast on every firing of the cron
// expression (standard five-field syntax plus @descriptors).
func (s *Service) Add(expr string, msg domain.Message) (cron.EntryID, error) {
	return s.cron.AddFunc(expr, func() {
		id, err := s.bus.Broadcast(context.Background(), msg)
		if err != nil {
			s.log.Error().Err(err).
				Str("message_type", msg.MessageType()).
				Str("cron", expr).
				Msg("recurring broadcast failed")
			return
		}
		s.log.Info().
			Str("message_id", id).
			Str("message_type", msg.MessageType()).
			Str("cron", expr).
			Msg("recurring broadcast")
	})
}

// Validate checks a cron expression without scheduling anything.
func Validate(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRun returns when the expression would next fire after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

func (s *Service) Start() { s.cron.Start() }

// Stop halts scheduling and returns a context that is done once every
// in-flight firing has finished.
func (s *Service) Stop() context.Context { return s.cron.Stop() }
