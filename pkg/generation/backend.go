// Package generation talks to the text-completion collaborator. The backend
// is opaque: it takes a prompt and returns the chunked event stream that
// pkg/streaming knows how to consume.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Backend streams a completion for one session prompt. The returned body is
// the newline-delimited "data: <json>" stream; the caller owns closing it.
type Backend interface {
	Complete(ctx context.Context, sessionID, prompt string) (io.ReadCloser, error)
}

// Settings configures the HTTP backend.
type Settings struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPBackend is the production Backend over a streaming HTTP endpoint.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

var _ Backend = &HTTPBackend{}

func NewHTTPBackend(s Settings) (*HTTPBackend, error) {
	if s.BaseURL == "" {
		return nil, errors.New("generation: empty base url")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		// Streams stay open for the whole response; this is a hard cap,
		// not a per-read deadline.
		timeout = 5 * time.Minute
	}
	return &HTTPBackend{
		baseURL: s.BaseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type completeRequest struct {
	ChatID string `json:"chatId"`
	Prompt string `json:"prompt"`
}

func (b *HTTPBackend) Complete(ctx context.Context, sessionID, prompt string) (io.ReadCloser, error) {
	body, err := json.Marshal(completeRequest{ChatID: sessionID, Prompt: prompt})
	if err != nil {
		return nil, errors.Wrap(err, "generation: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "generation: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "generation: request failed")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("generation: backend returned %d", resp.StatusCode)
	}
	log.Debug().Str("component", "generation").Str("session_id", sessionID).Msg("completion stream opened")
	return resp.Body, nil
}
