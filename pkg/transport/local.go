package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/chat"
)

// LocalTransport delivers session events over an in-process channel bus.
// Sends are confirmed synchronously: publishing to the session topic is the
// confirmation every subscriber (including the sender) sees.
type LocalTransport struct {
	bus      *bus.Bus
	identity Identity
}

var _ Transport = &LocalTransport{}

func NewLocal(b *bus.Bus, id Identity) *LocalTransport {
	return &LocalTransport{bus: b, identity: id}
}

func (t *LocalTransport) Subscribe(ctx context.Context, sessionID string, h Handlers) (Subscription, error) {
	sub, err := t.bus.Subscribe(chat.SessionTopic(sessionID), func(p []byte) {
		dispatchFrame(p, sessionID, h)
	})
	if err != nil {
		return nil, err
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func (t *LocalTransport) Send(_ context.Context, sessionID, content string, role chat.Role) bool {
	ev := chat.MessageEvent{
		ID:        chat.NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Sender:    chat.Sender{ID: t.identity.ID, Name: t.identity.Name},
	}
	frame, err := chat.EncodeEvent(chat.EventTypeMessage, ev)
	if err != nil {
		log.Warn().Str("component", "transport").Str("session_id", sessionID).Err(err).Msg("encode send failed")
		return false
	}
	if err := t.bus.Publish(chat.SessionTopic(sessionID), frame); err != nil {
		log.Warn().Str("component", "transport").Str("session_id", sessionID).Err(err).Msg("local send failed")
		return false
	}
	return true
}

func (t *LocalTransport) Close() error { return nil }
