package recurring

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relay/internal/domain"
)

type heartbeat struct{}

func (heartbeat) MessageType() string { return "relay.heartbeat" }

type countingBus struct{ n atomic.Int32 }

func (b *countingBus) Broadcast(context.Context, domain.Message) (string, error) {
	b.n.Add(1)
	return "msg_x", nil
}

func TestAddRejectsBadExpression(t *testing.T) {
	s := New(&countingBus{}, zerolog.Nop())
	if _, err := s.Add("not a cron", heartbeat{}); err == nil {
		t.Error("Add accepted an invalid expression")
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("*/5 * * * *"); err != nil {
		t.Errorf("Validate(*/5 * * * *) = %v", err)
	}
	if err := Validate("@hourly"); err != nil {
		t.Errorf("Validate(@hourly) = %v", err)
	}
	if err := Validate("61 * * * *"); err == nil {
		t.Error("Validate accepted minute 61")
	}
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	next, err := NextRun("0 * * * *", from)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRun = %v, want %v", next, want)
	}
}

func TestFiringBroadcasts(t *testing.T) {
	bus := &countingBus{}
	s := New(bus, zerolog.Nop())
	if _, err := s.Add("@every 100ms", heartbeat{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.Start()
	defer func() { <-s.Stop().Done() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bus.n.Load() >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("schedule never fired")
}
