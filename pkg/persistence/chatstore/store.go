// Package chatstore persists session records and message history, and
// serves the resume payload consumed at session load.
package chatstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/livedesk/handoff/pkg/chat"
)

// Store is the durable side of a session: every confirmed message and
// every lifecycle change lands here so a reload can resume where it
// left off.
type Store interface {
	SaveMessage(ctx context.Context, sessionID string, msg chat.Message) error
	SaveSession(ctx context.Context, sess chat.Session) error
	// LoadResume returns the seed payload for a session. An unknown
	// session yields an empty payload, not an error.
	LoadResume(ctx context.Context, sessionID string) (chat.ResumePayload, error)
	Close() error
}

// Settings selects the store backend.
type Settings struct {
	// Backend is "sqlite" or "memory". Empty defaults to memory.
	Backend string `yaml:"backend"`
	// DSN is the sqlite data source, e.g. a file path or :memory:.
	DSN string `yaml:"dsn"`
}

// FromSettings builds the configured store.
func FromSettings(s Settings) (Store, error) {
	switch s.Backend {
	case "", "memory":
		return NewInMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(s.DSN)
	default:
		return nil, errors.Errorf("chatstore: unknown backend %q", s.Backend)
	}
}

// escalated reports whether a session's lifecycle has passed the point
// where a reload should land straight in live mode.
func escalated(mode chat.Mode) bool {
	return mode.Rank() >= chat.ModeConnecting.Rank()
}
