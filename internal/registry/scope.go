package registry

import (
	"github.com/rs/zerolog"

	"relay/internal/domain"
)

// Scope is the short-lived dependency arena created for one claimed
// envelope and discarded after the attempt. Recipient factories read their
// per-message dependencies from it instead of holding process-wide state.
type Scope struct {
	Envelope *domain.Envelope
	Log      zerolog.Logger

	values map[string]any
}

// NewScope builds a scope around one envelope. values may be nil.
func NewScope(env *domain.Envelope, log zerolog.Logger, values map[string]any) *Scope {
	return &Scope{Envelope: env, Log: log, values: values}
}

// Value returns the dependency registered under key, or nil.
func (s *Scope) Value(key string) any {
	return s.values[key]
}
