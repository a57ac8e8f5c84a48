package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relay/internal/domain"
	"relay/internal/store"
)

func seedStore(t *testing.T) (*store.MemoryStore, string) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	if _, err := st.Enqueue(ctx, domain.Envelope{
		QueueName: "PersonEvents", MessageType: "person.created",
		Payload: json.RawMessage(`{"id":"p1"}`),
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Created a minute earlier so the claim below deterministically picks it.
	dead, err := st.Enqueue(ctx, domain.Envelope{
		QueueName: "PersonEvents", MessageType: "person.created",
		Payload: json.RawMessage(`{"id":"p2"}`), MaxAttempts: 1,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := st.ClaimNext(ctx, "PersonEvents", time.Now().UTC()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := st.MarkDeadLettered(ctx, dead, "poison"); err != nil {
		t.Fatalf("MarkDeadLettered: %v", err)
	}
	return st, dead
}

func TestHealth(t *testing.T) {
	st, _ := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestListQueues(t *testing.T) {
	st, _ := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/queues")
	if err != nil {
		t.Fatalf("GET /api/queues: %v", err)
	}
	defer resp.Body.Close()

	var stats []store.QueueStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].Queue != "PersonEvents" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].Counts[domain.StatusPending] != 1 || stats[0].Counts[domain.StatusDeadLettered] != 1 {
		t.Errorf("counts = %v, want 1 pending + 1 dead_lettered", stats[0].Counts)
	}
}

func TestListEnvelopesByStatus(t *testing.T) {
	st, dead := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/envelopes?status=dead_lettered")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var envelopes []domain.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].ID != dead {
		t.Fatalf("envelopes = %+v, want only %s", envelopes, dead)
	}
	if envelopes[0].LastError == nil || *envelopes[0].LastError != "poison" {
		t.Errorf("lastError = %v", envelopes[0].LastError)
	}
}

func TestListEnvelopesRejectsUnknownStatus(t *testing.T) {
	st, _ := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/envelopes?status=sideways")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetEnvelope(t *testing.T) {
	st, dead := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/envelopes/" + dead)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var e domain.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ID != dead || e.Status != domain.StatusDeadLettered {
		t.Errorf("envelope = %+v", e)
	}

	resp2, err := http.Get(srv.URL + "/api/envelopes/msg_missing")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing envelope status = %d, want 404", resp2.StatusCode)
	}
}

func TestRequeueDeadLettered(t *testing.T) {
	st, dead := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/envelopes/"+dead+"/requeue", "", nil)
	if err != nil {
		t.Fatalf("POST requeue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var e domain.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Status != domain.StatusPending || e.AttemptCount != 0 {
		t.Errorf("after requeue: status=%q attempts=%d", e.Status, e.AttemptCount)
	}

	// Replaying an envelope that is no longer dead-lettered is a 404.
	resp2, err := http.Post(srv.URL+"/api/envelopes/"+dead+"/requeue", "", nil)
	if err != nil {
		t.Fatalf("POST requeue again: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second requeue status = %d, want 404", resp2.StatusCode)
	}
}

func TestMetrics(t *testing.T) {
	st, _ := seedStore(t)
	srv := httptest.NewServer(NewServer(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
