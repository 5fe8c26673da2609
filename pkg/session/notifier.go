package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// NotifierFunc adapts a function to the EscalationNotifier interface.
type NotifierFunc func(ctx context.Context, sessionID, reason string) error

func (f NotifierFunc) NotifyEscalation(ctx context.Context, sessionID, reason string) error {
	return f(ctx, sessionID, reason)
}

// HTTPNotifier posts handoff requests to the operator-routing service. It
// does not retry internally; a failed notification is surfaced so the end
// user can retry the handoff explicitly.
type HTTPNotifier struct {
	baseURL string
	client  *http.Client
}

var _ EscalationNotifier = &HTTPNotifier{}

func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *HTTPNotifier) NotifyEscalation(ctx context.Context, sessionID, reason string) error {
	body, err := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"reason":    reason,
	})
	if err != nil {
		return errors.Wrap(err, "session: marshal escalation request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/api/escalations", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "session: build escalation request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "session: post escalation")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return errors.Errorf("session: escalation rejected with status %d", resp.StatusCode)
	}
	return nil
}
