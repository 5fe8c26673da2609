package server

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/chat"
)

// Hub fans session bus traffic out to attached websocket clients. Fanout
// state for a session is created lazily on first attach and reclaimed after
// the pool sits idle past the timeout.
type Hub struct {
	bus         *bus.Bus
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionFanout
}

type sessionFanout struct {
	pool *ConnectionPool
	sub  *bus.Subscription
}

func NewHub(b *bus.Bus, idleTimeout time.Duration) *Hub {
	return &Hub{
		bus:         b,
		idleTimeout: idleTimeout,
		sessions:    map[string]*sessionFanout{},
	}
}

// Attach adds conn to sessionID's pool, subscribing the pool to the session
// topic on first attach.
func (h *Hub) Attach(sessionID string, conn Conn) error {
	if sessionID == "" {
		return errors.New("server: empty session id")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	fo, ok := h.sessions[sessionID]
	if !ok {
		pool := NewConnectionPool(sessionID, h.idleTimeout, func() { h.reap(sessionID) })
		sub, err := h.bus.Subscribe(chat.SessionTopic(sessionID), pool.Broadcast)
		if err != nil {
			return errors.Wrap(err, "server: subscribe session topic")
		}
		fo = &sessionFanout{pool: pool, sub: sub}
		h.sessions[sessionID] = fo
		log.Debug().Str("component", "server").Str("session_id", sessionID).Msg("session fanout created")
	}
	fo.pool.Add(conn)
	return nil
}

// Detach removes conn; the fanout stays alive until the idle timer fires.
func (h *Hub) Detach(sessionID string, conn Conn) {
	h.mu.Lock()
	fo, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return
	}
	fo.pool.Remove(conn)
}

// Publish broadcasts an encoded event frame on the session topic.
func (h *Hub) Publish(sessionID string, frame []byte) error {
	return h.bus.Publish(chat.SessionTopic(sessionID), frame)
}

// reap drops a session's fanout after its pool went idle. Re-checks under
// the lock: a client may have attached between the timer firing and now.
func (h *Hub) reap(sessionID string) {
	h.mu.Lock()
	fo, ok := h.sessions[sessionID]
	if !ok || !fo.pool.IsEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	fo.sub.Unsubscribe()
	log.Debug().Str("component", "server").Str("session_id", sessionID).Msg("session fanout reclaimed after idle")
}

// SessionCount reports how many sessions currently hold fanout state.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = map[string]*sessionFanout{}
	h.mu.Unlock()
	for _, fo := range sessions {
		fo.sub.Unsubscribe()
		fo.pool.CloseAll()
	}
}
