// Package webhook is a sample recipient that forwards message payloads to
// an HTTP endpoint. It is the notification side-effect archetype: safe to
// re-run, failing loudly so the bus retries.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay/internal/registry"
)

type Recipient struct {
	URL    string
	Client *http.Client

	scope *registry.Scope
}

// Factory returns a recipient factory posting payloads to url.
func Factory(url string) registry.Factory {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(scope *registry.Scope) registry.Recipient {
		return &Recipient{URL: url, Client: client, scope: scope}
	}
}

func (r *Recipient) Handle(ctx context.Context, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-relay-message-id", r.scope.Envelope.ID)
	req.Header.Set("x-relay-message-type", r.scope.Envelope.MessageType)

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, body)
	}
	r.scope.Log.Debug().Int("status", resp.StatusCode).Str("url", r.URL).Msg("webhook delivered")
	return nil
}
