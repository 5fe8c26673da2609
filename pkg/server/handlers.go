package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type sendMessageBody struct {
	SessionID      string `json:"sessionId"`
	Content        string `json:"content"`
	Role           string `json:"role"`
	SenderID       string `json:"senderId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type sendMessageResponse struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

type operatorJoinBody struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
}

type updateMessageBody struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type escalateBody struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// idempotencyKeyFromRequest prefers the header, then the body, then mints
// a fresh key so retries without one never collide.
func idempotencyKeyFromRequest(r *http.Request, bodyKey string) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	if key == "" {
		key = strings.TrimSpace(bodyKey)
	}
	if key == "" {
		key = uuid.NewString()
	}
	return key
}

const defaultIdempotencyTTL = 10 * time.Minute

// idempotencyCache replays the original response for a repeated send key.
// Entries expire after the TTL; retries arrive within seconds, so a bounded
// window is enough and the cache cannot grow for the process lifetime.
type idempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	results map[string]idemEntry
}

type idemEntry struct {
	res     sendMessageResponse
	savedAt time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &idempotencyCache{ttl: ttl, results: map[string]idemEntry{}}
}

func (c *idempotencyCache) get(key string) (sendMessageResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.results[key]
	if !ok || time.Since(e.savedAt) > c.ttl {
		delete(c.results, key)
		return sendMessageResponse{}, false
	}
	return e.res, true
}

func (c *idempotencyCache) put(key string, res sendMessageResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.results {
		if time.Since(e.savedAt) > c.ttl {
			delete(c.results, k)
		}
	}
	c.results[key] = idemEntry{res: res, savedAt: time.Now()}
}

func (c *idempotencyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/messages", s.handleSendMessage)
	mux.HandleFunc("/api/messages/update", s.handleUpdateMessage)
	mux.HandleFunc("/api/operators/join", s.handleOperatorJoin)
	mux.HandleFunc("/api/escalations", s.handleEscalate)
	mux.HandleFunc("/api/sessions/resume", s.handleResume)
}

// handleWS upgrades the connection and joins it to the session fanout.
// Frames the client writes are published to the session topic as-is once
// they decode as a known envelope.
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("ws upgrade failed")
		return
	}
	if err := s.hub.Attach(sessionID, conn); err != nil {
		log.Warn().Err(err).Str("component", "server").Str("session_id", sessionID).Msg("ws attach failed")
		_ = conn.Close()
		return
	}
	go s.readLoop(sessionID, conn)
}

func (s *Server) readLoop(sessionID string, conn *websocket.Conn) {
	defer s.hub.Detach(sessionID, conn)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := chat.DecodeEnvelope(frame)
		if err != nil || env.Type == "" {
			log.Debug().Str("component", "server").Str("session_id", sessionID).Msg("dropping malformed client frame")
			continue
		}
		// Message frames are durable: persist before fanning out so the
		// resume payload carries the full live history.
		if env.Type == chat.EventTypeMessage {
			var ev chat.MessageEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil || ev.ID == "" {
				log.Debug().Str("component", "server").Str("session_id", sessionID).Msg("dropping message frame without id")
				continue
			}
			if err := s.store.SaveMessage(context.Background(), sessionID, ev.Message()); err != nil {
				log.Warn().Err(err).Str("component", "server").Str("session_id", sessionID).Msg("persist ws message failed")
			}
		}
		if err := s.hub.Publish(sessionID, frame); err != nil {
			log.Warn().Err(err).Str("component", "server").Str("session_id", sessionID).Msg("publish client frame failed")
		}
	}
}

// handleSendMessage accepts one chat message over plain HTTP, persists it,
// and broadcasts it on the session topic. Repeats of the same idempotency
// key replay the first response without a second broadcast.
func (s *Server) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body sendMessageBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.SessionID == "" || strings.TrimSpace(body.Content) == "" {
		http.Error(w, "missing sessionId or content", http.StatusBadRequest)
		return
	}
	role := chat.Role(body.Role)
	if body.Role == "" {
		role = chat.RoleEndUser
	}
	if !role.Valid() {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}

	key := idempotencyKeyFromRequest(req, body.IdempotencyKey)
	if prior, ok := s.idem.get(key); ok {
		writeJSON(w, http.StatusOK, prior)
		return
	}

	msg := chat.Message{
		ID:        chat.NewMessageID(),
		Role:      role,
		Content:   body.Content,
		CreatedAt: time.Now(),
		SenderID:  body.SenderID,
	}
	if err := s.store.SaveMessage(req.Context(), body.SessionID, msg); err != nil {
		log.Error().Err(err).Str("component", "server").Str("session_id", body.SessionID).Msg("persist message failed")
		http.Error(w, "persist failed", http.StatusInternalServerError)
		return
	}
	frame, err := chat.EncodeEvent(chat.EventTypeMessage, chat.MessageEvent{
		ID:        msg.ID,
		Role:      role,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt,
		Sender:    chat.Sender{ID: body.SenderID, Name: body.SenderName},
	})
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	if err := s.hub.Publish(body.SessionID, frame); err != nil {
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}

	res := sendMessageResponse{MessageID: msg.ID, Status: "sent"}
	s.idem.put(key, res)
	writeJSON(w, http.StatusOK, res)
}

// handleUpdateMessage broadcasts an in-place edit of an existing message.
func (s *Server) handleUpdateMessage(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body updateMessageBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.SessionID == "" || body.MessageID == "" {
		http.Error(w, "missing sessionId or messageId", http.StatusBadRequest)
		return
	}
	frame, err := chat.EncodeEvent(chat.EventTypeMessageUpdated, chat.MessageUpdatedEvent{
		ID:        body.MessageID,
		Content:   body.Content,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	if err := s.hub.Publish(body.SessionID, frame); err != nil {
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleOperatorJoin announces a human operator on the session topic and
// marks the session live in the store.
func (s *Server) handleOperatorJoin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body operatorJoinBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.SessionID == "" || body.AgentID == "" {
		http.Error(w, "missing sessionId or agentId", http.StatusBadRequest)
		return
	}
	now := time.Now()
	payload, err := s.store.LoadResume(req.Context(), body.SessionID)
	if err != nil {
		http.Error(w, "load session failed", http.StatusInternalServerError)
		return
	}
	sess := chat.Session{
		ID:                 body.SessionID,
		Mode:               chat.ModeLive,
		AssignedOperatorID: body.AgentID,
		EscalationReason:   payload.EscalationReason,
		AssignedAt:         &now,
	}
	if payload.AssignedAt != nil {
		sess.AssignedAt = payload.AssignedAt
	}
	if err := s.store.SaveSession(req.Context(), sess); err != nil {
		http.Error(w, "persist session failed", http.StatusInternalServerError)
		return
	}
	frame, err := chat.EncodeEvent(chat.EventTypeOperatorJoined, chat.OperatorJoinedEvent{
		AgentID:   body.AgentID,
		AgentName: body.AgentName,
		Timestamp: now,
	})
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	if err := s.hub.Publish(body.SessionID, frame); err != nil {
		http.Error(w, "broadcast failed", http.StatusInternalServerError)
		return
	}
	log.Info().Str("component", "server").Str("session_id", body.SessionID).Str("agent_id", body.AgentID).Msg("operator joined")
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// handleEscalate records an acknowledged handoff request. The session is
// marked connecting; a later operator join moves it to live.
func (s *Server) handleEscalate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body escalateBody
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if body.SessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	// The lifecycle only moves forward: a retried escalation for a session
	// that already reached connecting or live keeps the stored record
	// (including assignedAt and the assigned operator) untouched.
	prior, err := s.store.LoadResume(req.Context(), body.SessionID)
	if err != nil {
		http.Error(w, "load session failed", http.StatusInternalServerError)
		return
	}
	if prior.EscalationRequested {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if err := s.store.SaveSession(req.Context(), chat.Session{
		ID:               body.SessionID,
		Mode:             chat.ModeConnecting,
		EscalationReason: reason,
	}); err != nil {
		http.Error(w, "persist session failed", http.StatusInternalServerError)
		return
	}
	log.Info().Str("component", "server").Str("session_id", body.SessionID).Str("reason", reason).Msg("escalation acknowledged")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleResume serves the stored seed payload for one session.
func (s *Server) handleResume(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(req.URL.Query().Get("session_id"))
	if sessionID == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	payload, err := s.store.LoadResume(req.Context(), sessionID)
	if err != nil {
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "server").Msg("write response failed")
	}
}
