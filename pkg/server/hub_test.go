package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/chat"
)

func TestHubFansOutToAttachedConns(t *testing.T) {
	b := bus.New()
	t.Cleanup(func() { _ = b.Close() })
	hub := NewHub(b, 0)
	t.Cleanup(hub.Close)

	a, c := &stubConn{}, &stubConn{}
	require.NoError(t, hub.Attach("s1", a))
	require.NoError(t, hub.Attach("s1", c))
	other := &stubConn{}
	require.NoError(t, hub.Attach("s2", other))

	require.NoError(t, hub.Publish("s1", []byte(`{"type":"message"}`)))

	require.Eventually(t, func() bool {
		return a.writeCount() == 1 && c.writeCount() == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, other.writeCount())
}

func TestHubReapsIdleSession(t *testing.T) {
	b := bus.New()
	t.Cleanup(func() { _ = b.Close() })
	hub := NewHub(b, 20*time.Millisecond)
	t.Cleanup(hub.Close)

	conn := &stubConn{}
	require.NoError(t, hub.Attach("s1", conn))
	require.Equal(t, 1, hub.SessionCount())
	require.Equal(t, 1, b.SubscriberCount(chat.SessionTopic("s1")))

	hub.Detach("s1", conn)
	require.Eventually(t, func() bool {
		return hub.SessionCount() == 0 && b.SubscriberCount(chat.SessionTopic("s1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHubKeepsSessionWhileAttached(t *testing.T) {
	b := bus.New()
	t.Cleanup(func() { _ = b.Close() })
	hub := NewHub(b, 20*time.Millisecond)
	t.Cleanup(hub.Close)

	first, second := &stubConn{}, &stubConn{}
	require.NoError(t, hub.Attach("s1", first))
	require.NoError(t, hub.Attach("s1", second))
	hub.Detach("s1", first)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, hub.SessionCount())
}
