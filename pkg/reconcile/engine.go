// Package reconcile maintains the canonical ordered message list of a
// session, merging locally-optimistic sends with transport-confirmed
// events into one deterministic view shared by every viewer.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/livedesk/handoff/pkg/chat"
)

// DefaultSendFailTimeout bounds how long an optimistic message may wait for
// transport confirmation before it is rolled back.
const DefaultSendFailTimeout = 10 * time.Second

// Options configures an Engine.
type Options struct {
	SessionID string
	// SendFailTimeout overrides DefaultSendFailTimeout when positive.
	SendFailTimeout time.Duration
	// OnSendFailed is invoked (off the engine lock) with the rolled-back
	// optimistic message after its confirmation window expires.
	OnSendFailed func(failed chat.Message)
}

// Engine holds the visible message list. All mutations take the single
// per-session mutex; callbacks from different transports may race freely.
type Engine struct {
	mu       sync.Mutex
	opts     Options
	messages []chat.Message
	ids      map[string]struct{}
	timers   map[string]*time.Timer
}

func New(opts Options) *Engine {
	if opts.SendFailTimeout <= 0 {
		opts.SendFailTimeout = DefaultSendFailTimeout
	}
	return &Engine{
		opts:   opts,
		ids:    map[string]struct{}{},
		timers: map[string]*time.Timer{},
	}
}

// Seed replaces the list with a bulk history load, deduplicated by id and
// sorted by CreatedAt ascending with ties kept in input order.
func (e *Engine) Seed(msgs []chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messages = e.messages[:0]
	e.ids = map[string]struct{}{}
	for _, m := range msgs {
		if _, dup := e.ids[m.ID]; dup {
			continue
		}
		e.ids[m.ID] = struct{}{}
		e.messages = append(e.messages, m)
	}
	sort.SliceStable(e.messages, func(i, j int) bool {
		return e.messages[i].CreatedAt.Before(e.messages[j].CreatedAt)
	})
}

// AddOptimistic inserts a placeholder for a locally-sent message before the
// transport confirms it. At most one optimistic message exists per
// (role, content) pair at a time; a repeated call returns the existing one.
func (e *Engine) AddOptimistic(role chat.Role, content, senderID string) chat.Message {
	e.mu.Lock()
	for _, m := range e.messages {
		if chat.IsOptimisticID(m.ID) && m.Role == role && m.Content == content {
			e.mu.Unlock()
			return m
		}
	}
	msg := chat.Message{
		ID:        chat.NewOptimisticID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
		SenderID:  senderID,
	}
	e.insertSortedLocked(msg)
	e.timers[msg.ID] = time.AfterFunc(e.opts.SendFailTimeout, func() { e.expire(msg.ID) })
	e.mu.Unlock()
	return msg
}

// Confirm applies a transport-confirmed insert. Known ids are ignored
// (duplicate and out-of-order deliveries are a no-op, never an error). A
// matching optimistic placeholder is replaced in place so the viewer sees
// no reordering; otherwise the message is inserted at its sorted position.
//
// Matching is by (role, content): a pragmatic heuristic, which means two
// rapid identical messages from the same sender may reconcile against
// either placeholder. Known limitation, kept deliberately.
func (e *Engine) Confirm(msg chat.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.ids[msg.ID]; dup {
		log.Debug().Str("component", "reconcile").Str("session_id", e.opts.SessionID).Str("message_id", msg.ID).Msg("duplicate confirm ignored")
		return
	}
	for i, m := range e.messages {
		if chat.IsOptimisticID(m.ID) && m.Role == msg.Role && m.Content == msg.Content {
			e.cancelTimerLocked(m.ID)
			delete(e.ids, m.ID)
			e.messages[i] = msg
			e.ids[msg.ID] = struct{}{}
			return
		}
	}
	e.insertSortedLocked(msg)
}

// Update applies a confirmed content edit. The target keeps its id and
// position; unknown ids are ignored.
func (e *Engine) Update(id, content string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == id {
			e.messages[i].Content = content
			return
		}
	}
	log.Debug().Str("component", "reconcile").Str("session_id", e.opts.SessionID).Str("message_id", id).Msg("update for unknown message ignored")
}

// FailSend rolls back an optimistic message immediately (e.g. the transport
// reported the send as failed) and surfaces a system-level notice.
func (e *Engine) FailSend(optimisticID string) {
	e.expire(optimisticID)
}

// Messages returns a copy of the visible list, always sorted by CreatedAt
// ascending with ties in insertion order.
func (e *Engine) Messages() []chat.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Len returns the number of visible messages.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

func (e *Engine) insertSortedLocked(msg chat.Message) {
	idx := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	e.messages = append(e.messages, chat.Message{})
	copy(e.messages[idx+1:], e.messages[idx:])
	e.messages[idx] = msg
	e.ids[msg.ID] = struct{}{}
}

func (e *Engine) cancelTimerLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) expire(optimisticID string) {
	e.mu.Lock()
	e.cancelTimerLocked(optimisticID)
	var failed chat.Message
	found := false
	for i, m := range e.messages {
		if m.ID == optimisticID {
			failed = m
			found = true
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			delete(e.ids, optimisticID)
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return
	}
	notice := chat.Message{
		ID:        chat.NewMessageID(),
		Role:      chat.RoleSystem,
		Content:   "message failed to send",
		CreatedAt: time.Now(),
		Metadata:  &chat.Metadata{Status: chat.StatusSendFailed},
	}
	e.insertSortedLocked(notice)
	cb := e.opts.OnSendFailed
	e.mu.Unlock()

	log.Warn().Str("component", "reconcile").Str("session_id", e.opts.SessionID).Str("message_id", optimisticID).Msg("optimistic send expired without confirmation")
	if cb != nil {
		cb(failed)
	}
}
