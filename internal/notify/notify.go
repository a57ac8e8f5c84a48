package notify

import "context"

// Notifier is the best-effort wake-up channel between producers and queue
// workers. Losing or dropping a signal is safe: the scheduler's poll
// interval is the correctness fallback.
type Notifier interface {
	// Announce signals that queue may have new eligible work.
	Announce(ctx context.Context, queue string) error

	// Watch returns a channel that fires when queue may have work, plus a
	// stop function releasing the subscription. Watching the empty string
	// observes every queue. A nil channel is a valid poll-only answer.
	Watch(queue string) (<-chan struct{}, func(), error)

	Close() error
}

// Noop is the poll-only notifier: announcements go nowhere and watches
// never fire. Reading from the nil channel blocks forever, which is
// exactly what a worker's select wants.
type Noop struct{}

func (Noop) Announce(context.Context, string) error { return nil }

func (Noop) Watch(string) (<-chan struct{}, func(), error) { return nil, func() {}, nil }

func (Noop) Close() error { return nil }
