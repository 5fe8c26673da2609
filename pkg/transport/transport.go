// Package transport carries real-time session events between participants.
// One interface, two conforming backends: an in-process bus for local and
// offline use, and a websocket connection for production. The backend is
// picked once from settings; call sites never learn which one is active.
package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/bus"
	"github.com/livedesk/handoff/pkg/chat"
)

// Backend names for Settings.Backend.
const (
	BackendLocal     = "local"
	BackendWebsocket = "websocket"
)

// Settings selects and configures the transport backend. Resolved once at
// construction; never re-read afterwards.
type Settings struct {
	Backend          string        `yaml:"backend"`
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// Identity names the local participant on outgoing sends.
type Identity struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// Handlers receive decoded transport events for one subscription. Any field
// may be nil.
type Handlers struct {
	OnMessage        func(chat.MessageEvent)
	OnOperatorJoined func(chat.OperatorJoinedEvent)
	OnMessageUpdated func(chat.MessageUpdatedEvent)
	OnError          func(error)
}

// Subscription is a live attachment to one session's event flow.
// Unsubscribe stops future callbacks and is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// Transport is the uniform real-time delivery contract. Send reports
// success as a bool and never panics; sending while disconnected returns
// false.
type Transport interface {
	Subscribe(ctx context.Context, sessionID string, h Handlers) (Subscription, error)
	Send(ctx context.Context, sessionID, content string, role chat.Role) bool
	Close() error
}

// FromSettings resolves the configured backend. The bus is only consulted
// for the local backend but is always injected by the caller, never a
// package global.
func FromSettings(s Settings, b *bus.Bus, id Identity) (Transport, error) {
	switch s.Backend {
	case BackendLocal, "":
		if b == nil {
			return nil, errors.New("transport: local backend needs a bus")
		}
		return NewLocal(b, id), nil
	case BackendWebsocket:
		if s.URL == "" {
			return nil, errors.New("transport: websocket backend needs a url")
		}
		return NewWebsocket(WebsocketOptions{
			URL:              s.URL,
			Identity:         id,
			HandshakeTimeout: s.HandshakeTimeout,
			WriteTimeout:     s.WriteTimeout,
		}), nil
	default:
		return nil, errors.Errorf("transport: unknown backend %q", s.Backend)
	}
}

// dispatchFrame decodes one envelope frame and routes it. Malformed frames
// are skipped with a debug log; they are never fatal to the subscription.
func dispatchFrame(data []byte, sessionID string, h Handlers) {
	env, err := chat.DecodeEnvelope(data)
	if err != nil {
		log.Debug().Str("component", "transport").Str("session_id", sessionID).Err(err).Msg("skipping malformed frame")
		return
	}
	switch env.Type {
	case chat.EventTypeMessage:
		var ev chat.MessageEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Debug().Str("component", "transport").Str("session_id", sessionID).Err(err).Msg("skipping malformed message event")
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(ev)
		}
	case chat.EventTypeOperatorJoined:
		var ev chat.OperatorJoinedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Debug().Str("component", "transport").Str("session_id", sessionID).Err(err).Msg("skipping malformed operator_joined event")
			return
		}
		if h.OnOperatorJoined != nil {
			h.OnOperatorJoined(ev)
		}
	case chat.EventTypeMessageUpdated:
		var ev chat.MessageUpdatedEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			log.Debug().Str("component", "transport").Str("session_id", sessionID).Err(err).Msg("skipping malformed message_updated event")
			return
		}
		if h.OnMessageUpdated != nil {
			h.OnMessageUpdated(ev)
		}
	default:
		log.Debug().Str("component", "transport").Str("session_id", sessionID).Str("type", env.Type).Msg("ignoring unknown event type")
	}
}
