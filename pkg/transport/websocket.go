package transport

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/chat"
)

// WebsocketOptions configures the production transport backend.
type WebsocketOptions struct {
	URL              string
	Identity         Identity
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WebsocketTransport keeps one persistent connection per session, with its
// own reconnect/backoff policy. Send while disconnected returns false,
// never panics; delivery resumes when the connection comes back.
type WebsocketTransport struct {
	opts     WebsocketOptions
	mu       sync.Mutex
	sessions map[string]*wsSession
	closed   bool
}

var _ Transport = &WebsocketTransport{}

func NewWebsocket(opts WebsocketOptions) *WebsocketTransport {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &WebsocketTransport{opts: opts, sessions: map[string]*wsSession{}}
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, sessionID string, h Handlers) (Subscription, error) {
	if sessionID == "" {
		return nil, errors.New("transport: empty session id")
	}
	s, err := t.ensureSession(sessionID)
	if err != nil {
		return nil, err
	}
	sub := &wsSubscription{session: s, handlers: h}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func (t *WebsocketTransport) Send(_ context.Context, sessionID, content string, role chat.Role) bool {
	t.mu.Lock()
	s := t.sessions[sessionID]
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	if s == nil {
		var err error
		s, err = t.ensureSession(sessionID)
		if err != nil {
			return false
		}
	}
	ev := chat.MessageEvent{
		ID:        chat.NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Sender:    chat.Sender{ID: t.opts.Identity.ID, Name: t.opts.Identity.Name},
	}
	frame, err := chat.EncodeEvent(chat.EventTypeMessage, ev)
	if err != nil {
		log.Warn().Str("component", "ws_transport").Str("session_id", sessionID).Err(err).Msg("encode send failed")
		return false
	}
	return s.write(frame)
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	sessions := t.sessions
	t.sessions = map[string]*wsSession{}
	t.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
	return nil
}

func (t *WebsocketTransport) ensureSession(sessionID string) (*wsSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport: closed")
	}
	if s, ok := t.sessions[sessionID]; ok {
		return s, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &wsSession{
		transport: t,
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
	t.sessions[sessionID] = s
	go s.run()
	return s, nil
}

func (t *WebsocketTransport) dropSession(s *wsSession) {
	t.mu.Lock()
	if cur, ok := t.sessions[s.sessionID]; ok && cur == s {
		delete(t.sessions, s.sessionID)
	}
	t.mu.Unlock()
	s.stop()
}

type wsSession struct {
	transport *WebsocketTransport
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      []*wsSubscription
}

func (s *wsSession) dialURL() (string, error) {
	u, err := url.Parse(s.transport.opts.URL)
	if err != nil {
		return "", errors.Wrap(err, "transport: parse websocket url")
	}
	q := u.Query()
	q.Set("session_id", s.sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run dials and re-dials the session connection until the session stops.
func (s *wsSession) run() {
	target, err := s.dialURL()
	if err != nil {
		s.notifyError(err)
		return
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	dialer := websocket.Dialer{HandshakeTimeout: s.transport.opts.HandshakeTimeout}
	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, resp, err := dialer.DialContext(s.ctx, target, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.notifyError(errors.Wrapf(err, "transport: dial %s", s.sessionID))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()
		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.mu.Unlock()
		log.Info().Str("component", "ws_transport").Str("session_id", s.sessionID).Msg("session connected")

		s.readLoop(conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.connected = false
		}
		s.mu.Unlock()
		_ = conn.Close()
	}
}

func (s *wsSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				log.Warn().Str("component", "ws_transport").Str("session_id", s.sessionID).Err(err).Msg("connection lost, reconnecting")
				s.notifyError(errors.Wrap(err, "transport: read"))
			}
			return
		}
		s.mu.Lock()
		subs := append([]*wsSubscription(nil), s.subs...)
		s.mu.Unlock()
		for _, sub := range subs {
			dispatchFrame(data, s.sessionID, sub.handlers)
		}
	}
}

func (s *wsSession) write(frame []byte) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.transport.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Warn().Str("component", "ws_transport").Str("session_id", s.sessionID).Err(err).Msg("send failed")
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	return true
}

func (s *wsSession) notifyError(err error) {
	s.mu.Lock()
	subs := append([]*wsSubscription(nil), s.subs...)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub.handlers.OnError != nil {
			sub.handlers.OnError(err)
		}
	}
}

func (s *wsSession) stop() {
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.subs = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

type wsSubscription struct {
	session  *wsSession
	handlers Handlers
	once     sync.Once
}

func (ws *wsSubscription) Unsubscribe() {
	ws.once.Do(func() {
		s := ws.session
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ws {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		empty := len(s.subs) == 0
		s.mu.Unlock()
		if empty {
			s.transport.dropSession(s)
		}
	})
}
