package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Recipient handles one delivery attempt for a message. Returning an error
// fails the whole attempt; the engine retries all recipients together, so
// implementations must be idempotent.
type Recipient interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// RecipientFunc adapts a plain function to the Recipient interface.
type RecipientFunc func(ctx context.Context, payload json.RawMessage) error

func (f RecipientFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Factory constructs a recipient for a single claimed envelope. The scope
// lives for exactly one attempt and carries the per-message dependencies.
type Factory func(scope *Scope) Recipient

// Registry maps message types to recipient factories and queue names.
// All registration happens during composition; Freeze locks the registry
// before the scheduler starts, after which reads are race-free.
type Registry struct {
	mu         sync.RWMutex
	frozen     bool
	recipients map[string][]Factory
	queues     map[string]string
}

func New() *Registry {
	return &Registry{
		recipients: make(map[string][]Factory),
		queues:     make(map[string]string),
	}
}

// Register binds a recipient factory to a message type. Registration order
// is preserved and defines invocation order. Panics after Freeze: late
// registration is a composition bug, not a runtime condition.
func (r *Registry) Register(messageType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("registry: Register(%q) after Freeze", messageType))
	}
	r.recipients[messageType] = append(r.recipients[messageType], f)
}

// RegisterQueue assigns a queue name to a message type, replacing the
// type-name default. Panics after Freeze.
func (r *Registry) RegisterQueue(messageType, queueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic(fmt.Sprintf("registry: RegisterQueue(%q) after Freeze", messageType))
	}
	r.queues[messageType] = queueName
}

// Freeze marks the end of composition. Further Register calls panic.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Recipients returns the factories registered for a message type, in
// registration order. The returned slice must not be mutated.
func (r *Registry) Recipients(messageType string) []Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recipients[messageType]
}

// QueueFor resolves the queue name for a message type, defaulting to the
// type itself when no explicit assignment exists.
func (r *Registry) QueueFor(messageType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.queues[messageType]; ok {
		return q
	}
	return messageType
}

// MessageTypes returns every message type with at least one recipient.
func (r *Registry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.recipients))
	for t := range r.recipients {
		types = append(types, t)
	}
	return types
}
