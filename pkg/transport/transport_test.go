package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/chat"
)

func TestFromSettingsResolvesBackendOnce(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()

	tr, err := FromSettings(Settings{Backend: BackendLocal}, b, Identity{ID: "user-1"})
	require.NoError(t, err)
	require.IsType(t, &LocalTransport{}, tr)

	tr, err = FromSettings(Settings{}, b, Identity{ID: "user-1"})
	require.NoError(t, err)
	require.IsType(t, &LocalTransport{}, tr)

	tr, err = FromSettings(Settings{Backend: BackendWebsocket, URL: "ws://localhost:0/ws"}, nil, Identity{ID: "user-1"})
	require.NoError(t, err)
	require.IsType(t, &WebsocketTransport{}, tr)
	_ = tr.Close()

	_, err = FromSettings(Settings{Backend: "carrier-pigeon"}, b, Identity{})
	require.ErrorContains(t, err, "unknown backend")

	_, err = FromSettings(Settings{Backend: BackendWebsocket}, b, Identity{})
	require.ErrorContains(t, err, "needs a url")
}

func TestLocalTransportDeliversToAllSubscribersOnce(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()
	tr := NewLocal(b, Identity{ID: "user-9", Name: "Ada"})

	var mu sync.Mutex
	counts := map[string]int{}
	subscribe := func(name string) Subscription {
		sub, err := tr.Subscribe(context.Background(), "s1", Handlers{
			OnMessage: func(ev chat.MessageEvent) {
				mu.Lock()
				counts[name+":"+ev.ID]++
				mu.Unlock()
			},
		})
		require.NoError(t, err)
		return sub
	}
	endUser := subscribe("end_user")
	defer endUser.Unsubscribe()
	operator := subscribe("operator")
	defer operator.Unsubscribe()

	require.True(t, tr.Send(context.Background(), "s1", "hello", chat.RoleEndUser))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for key, n := range counts {
		require.Equal(t, 1, n, "duplicate delivery for %s", key)
	}
}

func TestLocalTransportRoutesOperatorAndUpdateEvents(t *testing.T) {
	b := bus.New()
	defer func() { _ = b.Close() }()
	tr := NewLocal(b, Identity{ID: "user-9"})

	joined := make(chan chat.OperatorJoinedEvent, 1)
	updated := make(chan chat.MessageUpdatedEvent, 1)
	sub, err := tr.Subscribe(context.Background(), "s1", Handlers{
		OnOperatorJoined: func(ev chat.OperatorJoinedEvent) { joined <- ev },
		OnMessageUpdated: func(ev chat.MessageUpdatedEvent) { updated <- ev },
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	frame, err := chat.EncodeEvent(chat.EventTypeOperatorJoined, chat.OperatorJoinedEvent{AgentID: "op-3", AgentName: "Sam", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, b.Publish(chat.SessionTopic("s1"), frame))

	frame, err = chat.EncodeEvent(chat.EventTypeMessageUpdated, chat.MessageUpdatedEvent{ID: "msg_1", Content: "edited", UpdatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, b.Publish(chat.SessionTopic("s1"), frame))

	// Malformed frames are skipped, not fatal.
	require.NoError(t, b.Publish(chat.SessionTopic("s1"), []byte("{not json")))

	select {
	case ev := <-joined:
		require.Equal(t, "op-3", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("operator_joined not delivered")
	}
	select {
	case ev := <-updated:
		require.Equal(t, "edited", ev.Content)
	case <-time.After(time.Second):
		t.Fatal("message_updated not delivered")
	}
}

func TestWebsocketSendWhileDisconnectedReturnsFalse(t *testing.T) {
	tr := NewWebsocket(WebsocketOptions{URL: "ws://127.0.0.1:1/ws", Identity: Identity{ID: "user-9"}})
	defer func() { _ = tr.Close() }()

	require.False(t, tr.Send(context.Background(), "s1", "hello", chat.RoleEndUser))
	require.False(t, tr.Send(context.Background(), "s1", "hello again", chat.RoleEndUser))
}

func TestWebsocketRoundTripAndReconnectHandlers(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Confirm back to the sender, as the production fanout does.
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	tr := NewWebsocket(WebsocketOptions{URL: wsURL, Identity: Identity{ID: "user-9", Name: "Ada"}})
	defer func() { _ = tr.Close() }()

	got := make(chan chat.MessageEvent, 4)
	sub, err := tr.Subscribe(context.Background(), "s1", Handlers{
		OnMessage: func(ev chat.MessageEvent) { got <- ev },
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		return tr.Send(context.Background(), "s1", "hello", chat.RoleEndUser)
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case ev := <-got:
		require.Equal(t, "hello", ev.Content)
		require.Equal(t, chat.RoleEndUser, ev.Role)
		require.Equal(t, "user-9", ev.Sender.ID)
		require.True(t, strings.HasPrefix(ev.ID, "msg_"))
	case <-time.After(2 * time.Second):
		t.Fatal("confirmed message not delivered")
	}
}
