package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/livedesk/handoff/pkg/chat"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("chatstore: empty sqlite dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: open sqlite")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_session ON messages(session_id, created_at_ms ASC);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			escalation_requested INTEGER NOT NULL DEFAULT 0,
			escalation_reason TEXT NOT NULL DEFAULT '',
			assigned_operator_id TEXT NOT NULL DEFAULT '',
			assigned_at_ms INTEGER,
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "chatstore: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveMessage upserts one message. Optimistic placeholders are transient
// client state and are never written.
func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	if sessionID == "" || msg.ID == "" {
		return errors.New("chatstore: empty session or message id")
	}
	if chat.IsOptimisticID(msg.ID) {
		return nil
	}
	metaJSON := ""
	if msg.Metadata != nil {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return errors.Wrap(err, "chatstore: marshal metadata")
		}
		metaJSON = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(session_id, message_id, role, content, sender_id, created_at_ms, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, message_id) DO UPDATE SET
			content = excluded.content,
			metadata_json = excluded.metadata_json`,
		sessionID, msg.ID, string(msg.Role), msg.Content, msg.SenderID, msg.CreatedAt.UnixMilli(), metaJSON)
	return errors.Wrap(err, "chatstore: save message")
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess chat.Session) error {
	if sess.ID == "" {
		return errors.New("chatstore: empty session id")
	}
	var assignedAtMs sql.NullInt64
	if sess.AssignedAt != nil {
		assignedAtMs = sql.NullInt64{Int64: sess.AssignedAt.UnixMilli(), Valid: true}
	}
	requested := 0
	if escalated(sess.Mode) {
		requested = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(session_id, mode, escalation_requested, escalation_reason, assigned_operator_id, assigned_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			mode = excluded.mode,
			escalation_requested = excluded.escalation_requested,
			escalation_reason = excluded.escalation_reason,
			assigned_operator_id = excluded.assigned_operator_id,
			assigned_at_ms = excluded.assigned_at_ms,
			updated_at_ms = excluded.updated_at_ms`,
		sess.ID, string(sess.Mode), requested, sess.EscalationReason, sess.AssignedOperatorID,
		assignedAtMs, time.Now().UnixMilli())
	return errors.Wrap(err, "chatstore: save session")
}

func (s *SQLiteStore) LoadResume(ctx context.Context, sessionID string) (chat.ResumePayload, error) {
	var payload chat.ResumePayload
	if sessionID == "" {
		return payload, errors.New("chatstore: empty session id")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT message_id, role, content, sender_id, created_at_ms, metadata_json
		FROM messages WHERE session_id = ? ORDER BY created_at_ms ASC, message_id ASC`, sessionID)
	if err != nil {
		return payload, errors.Wrap(err, "chatstore: load messages")
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			msg         chat.Message
			role        string
			createdAtMs int64
			metaJSON    string
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.SenderID, &createdAtMs, &metaJSON); err != nil {
			return payload, errors.Wrap(err, "chatstore: scan message")
		}
		msg.Role = chat.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAtMs)
		if metaJSON != "" {
			var meta chat.Metadata
			if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
				return payload, errors.Wrap(err, "chatstore: decode metadata")
			}
			msg.Metadata = &meta
		}
		payload.Messages = append(payload.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return payload, errors.Wrap(err, "chatstore: iterate messages")
	}

	var (
		requested    int
		reason       string
		assignedAtMs sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `SELECT escalation_requested, escalation_reason, assigned_at_ms
		FROM sessions WHERE session_id = ?`, sessionID).Scan(&requested, &reason, &assignedAtMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return payload, nil
	case err != nil:
		return payload, errors.Wrap(err, "chatstore: load session")
	}
	payload.EscalationRequested = requested != 0
	payload.EscalationReason = reason
	if assignedAtMs.Valid {
		at := time.UnixMilli(assignedAtMs.Int64)
		payload.AssignedAt = &at
	}
	return payload, nil
}
