package notify

import (
	"context"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subjectPrefix = "relay.queue."

// NATSNotifier carries wake-up signals over NATS subjects, one per queue.
// Delivery is fire-and-forget; subscribers coalesce bursts into a single
// pending signal.
type NATSNotifier struct {
	conn *nats.Conn
	log  zerolog.Logger
}

// NewNATS connects to the given NATS URL.
func NewNATS(url string, log zerolog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSNotifier{conn: conn, log: log}, nil
}

func (n *NATSNotifier) Announce(_ context.Context, queue string) error {
	return n.conn.Publish(subject(queue), nil)
}

func (n *NATSNotifier) Watch(queue string) (<-chan struct{}, func(), error) {
	subj := subjectPrefix + ">"
	if queue != "" {
		subj = subject(queue)
	}

	ch := make(chan struct{}, 1)
	sub, err := n.conn.Subscribe(subj, func(*nats.Msg) {
		select {
		case ch <- struct{}{}:
		default: // a signal is already pending, coalesce
		}
	})
	if err != nil {
		return nil, nil, err
	}
	stop := func() {
		if err := sub.Unsubscribe(); err != nil {
			n.log.Warn().Err(err).Str("subject", subj).Msg("unsubscribe failed")
		}
	}
	return ch, stop, nil
}

func (n *NATSNotifier) Close() error {
	n.conn.Close()
	return nil
}

// subject maps a queue name onto a NATS token: queue names are arbitrary
// strings, subjects cannot contain spaces or separator characters.
func subject(queue string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, queue)
	return subjectPrefix + safe
}
