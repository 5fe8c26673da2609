package generation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livedesk/handoff/pkg/streaming"
)

func TestHTTPBackendStreamsCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"hi \"}\n")
		fmt.Fprint(w, "data: {\"content\":\"there\",\"isComplete\":true}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(Settings{BaseURL: srv.URL})
	require.NoError(t, err)

	body, err := b.Complete(context.Background(), "s1", "hello")
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	res, err := streaming.Consume(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "hi there", res.Content)
	require.False(t, res.Truncated)
}

func TestHTTPBackendRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(Settings{BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = b.Complete(context.Background(), "s1", "hello")
	require.ErrorContains(t, err, "returned 502")
}

func TestScriptedBackendRendersConsumableStream(t *testing.T) {
	b := NewScriptedBackend("short answer", "second answer")
	body, err := b.Complete(context.Background(), "s1", "q1")
	require.NoError(t, err)
	res, err := streaming.Consume(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "short answer", res.Content)
	require.Equal(t, "s1", res.ChatID)
	require.False(t, res.Truncated)
	require.Equal(t, 1, b.Calls())

	b.Truncate = true
	body, err = b.Complete(context.Background(), "s1", "q2")
	require.NoError(t, err)
	res, err = streaming.Consume(context.Background(), body, nil)
	require.NoError(t, err)
	require.Equal(t, "second answer", res.Content)
	require.True(t, res.Truncated)

	_, err = b.Complete(context.Background(), "s1", "q3")
	require.ErrorContains(t, err, "exhausted")
}
