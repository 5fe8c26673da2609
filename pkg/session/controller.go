// Package session governs one conversation's position in the AI-to-operator
// handoff lifecycle and routes sends accordingly: to the generation backend
// while automated, to the real-time transport once an operator is live.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/chat"
	"github.com/livedesk/handoff/pkg/escalation"
	"github.com/livedesk/handoff/pkg/generation"
	"github.com/livedesk/handoff/pkg/reconcile"
	"github.com/livedesk/handoff/pkg/streaming"
	"github.com/livedesk/handoff/pkg/transport"
)

// ErrEscalationRouting marks a failed handoff notification. The session has
// rolled back to escalation-suggested and the caller may retry connecting.
var ErrEscalationRouting = errors.New("escalation routing unavailable")

// ErrNotSuggested is returned when the end user confirms a handoff that was
// never suggested.
var ErrNotSuggested = errors.New("session has no suggested escalation")

// ErrSendFailed marks a live send the transport could not deliver. The
// optimistic message has already been rolled back.
var ErrSendFailed = errors.New("send failed")

// EscalationNotifier is the operator-routing collaborator. The notification
// must be acknowledged before a session may go live.
type EscalationNotifier interface {
	NotifyEscalation(ctx context.Context, sessionID, reason string) error
}

// Options wires a Controller. Backend, Transport and Notifier are resolved
// once here; the controller never re-selects them.
type Options struct {
	SessionID string
	SenderID  string
	Backend   generation.Backend
	Transport transport.Transport
	Notifier  EscalationNotifier
	// Engine defaults to a fresh reconcile.Engine for the session.
	Engine *reconcile.Engine
	// OnModeChange observes lifecycle transitions, called off the lock.
	OnModeChange func(chat.Mode)
}

// Controller is the per-session state machine. All state mutations take the
// single session mutex; suspension points (backend streams, notifier calls,
// transport sends) run outside it.
type Controller struct {
	mu       sync.Mutex
	sess     chat.Session
	engine   *reconcile.Engine
	backend  generation.Backend
	tr       transport.Transport
	notifier EscalationNotifier
	sub      transport.Subscription
	senderID string
	onMode   func(chat.Mode)
}

func New(opts Options) (*Controller, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session: empty session id")
	}
	if opts.Backend == nil {
		return nil, errors.New("session: generation backend is nil")
	}
	if opts.Transport == nil {
		return nil, errors.New("session: transport is nil")
	}
	if opts.Notifier == nil {
		return nil, errors.New("session: escalation notifier is nil")
	}
	engine := opts.Engine
	if engine == nil {
		engine = reconcile.New(reconcile.Options{SessionID: opts.SessionID})
	}
	return &Controller{
		sess:     chat.Session{ID: opts.SessionID, Mode: chat.ModeAIOnly},
		engine:   engine,
		backend:  opts.Backend,
		tr:       opts.Transport,
		notifier: opts.Notifier,
		senderID: opts.SenderID,
		onMode:   opts.OnModeChange,
	}, nil
}

// Session returns a copy of the current session record.
func (c *Controller) Session() chat.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Mode returns the current lifecycle mode.
func (c *Controller) Mode() chat.Mode {
	return c.Session().Mode
}

// Derived read-only projections of the one mode enum; these are never
// independently mutable state.
func (c *Controller) IsLive() bool              { return c.Mode() == chat.ModeLive }
func (c *Controller) IsConnecting() bool        { return c.Mode() == chat.ModeConnecting }
func (c *Controller) EscalationSuggested() bool { return c.Mode() == chat.ModeEscalationSuggested }

// Messages returns the reconciled visible list.
func (c *Controller) Messages() []chat.Message {
	return c.engine.Messages()
}

// Engine exposes the reconciliation engine (e.g. for UI change feeds).
func (c *Controller) Engine() *reconcile.Engine {
	return c.engine
}

// Resume seeds the controller from the chat store payload, consumed once at
// session load. A payload already marked escalated short-circuits straight
// to live: the suggested/connecting steps were completed in a previous
// process, so detection is not re-run and the generation backend is never
// touched again for this session.
func (c *Controller) Resume(ctx context.Context, payload chat.ResumePayload) error {
	c.engine.Seed(payload.Messages)
	if !payload.EscalationRequested {
		return nil
	}
	c.mu.Lock()
	c.sess.EscalationReason = payload.EscalationReason
	if payload.AssignedAt != nil && c.sess.AssignedAt == nil {
		c.sess.AssignedAt = payload.AssignedAt
	}
	c.mu.Unlock()
	if err := c.attachTransport(ctx); err != nil {
		return err
	}
	c.transition(chat.ModeLive)
	log.Info().Str("component", "session").Str("session_id", c.sess.ID).Msg("resumed escalated session directly to live")
	return nil
}

// HandleUserMessage routes one end-user input. Before the session is live
// it is answered by the generation backend; once live it goes out over the
// transport with an optimistic placeholder.
func (c *Controller) HandleUserMessage(ctx context.Context, content string) (chat.Message, error) {
	if c.Mode() == chat.ModeLive {
		return c.sendLive(ctx, content, chat.RoleEndUser)
	}
	return c.runGeneration(ctx, content)
}

func (c *Controller) sendLive(ctx context.Context, content string, role chat.Role) (chat.Message, error) {
	opt := c.engine.AddOptimistic(role, content, c.senderID)
	if ok := c.tr.Send(ctx, c.sess.ID, content, role); !ok {
		c.engine.FailSend(opt.ID)
		return chat.Message{}, errors.Wrap(ErrSendFailed, "session: live send")
	}
	return opt, nil
}

// runGeneration streams one assistant response and applies the escalation
// decision from its completed text.
func (c *Controller) runGeneration(ctx context.Context, content string) (chat.Message, error) {
	userMsg := chat.Message{
		ID:        chat.NewMessageID(),
		Role:      chat.RoleEndUser,
		Content:   content,
		CreatedAt: time.Now(),
		SenderID:  c.senderID,
	}
	c.engine.Confirm(userMsg)

	body, err := c.backend.Complete(ctx, c.sess.ID, content)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "session: completion request")
	}
	defer func() { _ = body.Close() }()

	res, err := streaming.Consume(ctx, body, nil)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "session: consume stream")
	}

	backendReason := ""
	metaRequested := false
	if res.Metadata != nil {
		backendReason = res.Metadata.EscalationReason
		metaRequested = res.Metadata.EscalationRequested
	}
	decision := escalation.DetectWithReason(res.Content, backendReason)
	requested := decision.EscalationRequested || metaRequested
	reason := decision.EscalationReason
	if reason == "" && requested {
		reason = escalation.DefaultReason
		if backendReason != "" {
			reason = backendReason
		}
	}

	assistant := chat.Message{
		ID:        chat.NewMessageID(),
		Role:      chat.RoleAssistant,
		Content:   decision.CleanContent,
		CreatedAt: time.Now(),
	}
	if res.Truncated {
		assistant.Metadata = &chat.Metadata{Status: chat.StatusTruncated}
	} else if requested {
		assistant.Metadata = &chat.Metadata{EscalationRequested: true, EscalationReason: reason}
	}
	if res.Metadata != nil && len(res.Metadata.Sources) > 0 {
		if assistant.Metadata == nil {
			assistant.Metadata = &chat.Metadata{}
		}
		assistant.Metadata.Sources = res.Metadata.Sources
	}
	c.engine.Confirm(assistant)

	// Escalation flags from a truncated stream were never confirmed by a
	// completing read; they stay provisional and do not move the session.
	if requested && !res.Truncated {
		c.mu.Lock()
		c.sess.EscalationReason = reason
		c.mu.Unlock()
		c.transition(chat.ModeEscalationSuggested)
	}
	return assistant, nil
}

// ConfirmEscalation is the end user's affirmative request for a human. It
// moves the session to connecting and synchronously notifies operator
// routing. A failed notification rolls the session back to
// escalation-suggested and returns a retryable error; the session never
// silently goes live without an acknowledged handoff.
func (c *Controller) ConfirmEscalation(ctx context.Context) error {
	c.mu.Lock()
	if c.sess.Mode != chat.ModeEscalationSuggested {
		mode := c.sess.Mode
		c.mu.Unlock()
		if mode == chat.ModeConnecting || mode == chat.ModeLive {
			return nil
		}
		return ErrNotSuggested
	}
	reason := c.sess.EscalationReason
	c.mu.Unlock()
	if reason == "" {
		reason = escalation.DefaultReason
	}

	c.transition(chat.ModeConnecting)
	if err := c.notifier.NotifyEscalation(ctx, c.sess.ID, reason); err != nil {
		c.rollbackToSuggested()
		log.Warn().Str("component", "session").Str("session_id", c.sess.ID).Err(err).Msg("escalation routing failed, rolled back")
		return errors.Wrapf(ErrEscalationRouting, "session: notify escalation: %v", err)
	}
	if err := c.attachTransport(ctx); err != nil {
		c.rollbackToSuggested()
		return errors.Wrapf(ErrEscalationRouting, "session: attach transport: %v", err)
	}
	return nil
}

// attachTransport subscribes the controller to the session topic once.
func (c *Controller) attachTransport(ctx context.Context) error {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	sub, err := c.tr.Subscribe(ctx, c.sess.ID, transport.Handlers{
		OnMessage:        c.onTransportMessage,
		OnOperatorJoined: c.onOperatorJoined,
		OnMessageUpdated: c.onTransportUpdate,
		OnError: func(err error) {
			log.Warn().Str("component", "session").Str("session_id", c.sess.ID).Err(err).Msg("transport error")
		},
	})
	if err != nil {
		return errors.Wrap(err, "session: subscribe transport")
	}
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Controller) onTransportMessage(ev chat.MessageEvent) {
	c.engine.Confirm(ev.Message())
}

func (c *Controller) onTransportUpdate(ev chat.MessageUpdatedEvent) {
	c.engine.Update(ev.ID, ev.Content)
}

func (c *Controller) onOperatorJoined(ev chat.OperatorJoinedEvent) {
	c.mu.Lock()
	if c.sess.AssignedAt == nil {
		at := ev.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		c.sess.AssignedAt = &at
	}
	if c.sess.AssignedOperatorID == "" {
		c.sess.AssignedOperatorID = ev.AgentID
	}
	c.mu.Unlock()
	c.transition(chat.ModeLive)
	log.Info().Str("component", "session").Str("session_id", c.sess.ID).Str("agent_id", ev.AgentID).Msg("operator joined, session live")
}

// transition moves the mode forward. Backwards transitions are dropped:
// the lifecycle is monotonic, with rollbackToSuggested as the one explicit
// failure-path exception.
func (c *Controller) transition(target chat.Mode) {
	c.mu.Lock()
	if target.Rank() <= c.sess.Mode.Rank() {
		c.mu.Unlock()
		return
	}
	from := c.sess.Mode
	c.sess.Mode = target
	cb := c.onMode
	c.mu.Unlock()
	log.Debug().Str("component", "session").Str("session_id", c.sess.ID).Str("from", string(from)).Str("to", string(target)).Msg("mode transition")
	if cb != nil {
		cb(target)
	}
}

func (c *Controller) rollbackToSuggested() {
	c.mu.Lock()
	if c.sess.Mode != chat.ModeConnecting {
		c.mu.Unlock()
		return
	}
	c.sess.Mode = chat.ModeEscalationSuggested
	cb := c.onMode
	c.mu.Unlock()
	if cb != nil {
		cb(chat.ModeEscalationSuggested)
	}
}

// Close detaches the controller from the transport. It never touches
// AssignedAt: once set, it survives for the session's lifetime.
func (c *Controller) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	return nil
}
