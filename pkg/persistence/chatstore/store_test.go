package chatstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livedesk/handoff/pkg/chat"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "handoff.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestRoundTripResume(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Truncate(time.Millisecond)

			require.NoError(t, store.SaveMessage(ctx, "s1", chat.Message{
				ID: "m2", Role: chat.RoleAssistant, Content: "hello", CreatedAt: base.Add(time.Second),
			}))
			require.NoError(t, store.SaveMessage(ctx, "s1", chat.Message{
				ID: "m1", Role: chat.RoleEndUser, Content: "hi", SenderID: "u1", CreatedAt: base,
			}))
			at := base.Add(2 * time.Second)
			require.NoError(t, store.SaveSession(ctx, chat.Session{
				ID: "s1", Mode: chat.ModeLive, AssignedOperatorID: "agent-1",
				EscalationReason: "billing", AssignedAt: &at,
			}))

			payload, err := store.LoadResume(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, payload.Messages, 2)
			require.Equal(t, "m1", payload.Messages[0].ID)
			require.Equal(t, "m2", payload.Messages[1].ID)
			require.True(t, payload.EscalationRequested)
			require.Equal(t, "billing", payload.EscalationReason)
			require.NotNil(t, payload.AssignedAt)
			require.Equal(t, at.UnixMilli(), payload.AssignedAt.UnixMilli())
		})
	}
}

func TestUnknownSessionYieldsEmptyPayload(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			payload, err := store.LoadResume(context.Background(), "nope")
			require.NoError(t, err)
			require.Empty(t, payload.Messages)
			require.False(t, payload.EscalationRequested)
		})
	}
}

func TestSaveMessageUpsertsByID(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			require.NoError(t, store.SaveMessage(ctx, "s1", chat.Message{
				ID: "m1", Role: chat.RoleOperator, Content: "draft", CreatedAt: now,
			}))
			require.NoError(t, store.SaveMessage(ctx, "s1", chat.Message{
				ID: "m1", Role: chat.RoleOperator, Content: "edited", CreatedAt: now,
				Metadata: &chat.Metadata{Status: "edited"},
			}))

			payload, err := store.LoadResume(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, payload.Messages, 1)
			require.Equal(t, "edited", payload.Messages[0].Content)
			require.NotNil(t, payload.Messages[0].Metadata)
		})
	}
}

func TestOptimisticMessagesAreNotPersisted(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveMessage(ctx, "s1", chat.Message{
				ID: chat.NewOptimisticID(), Role: chat.RoleEndUser, Content: "pending", CreatedAt: time.Now(),
			}))
			payload, err := store.LoadResume(ctx, "s1")
			require.NoError(t, err)
			require.Empty(t, payload.Messages)
		})
	}
}

func TestPreEscalationSessionResumesUnescalated(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveSession(ctx, chat.Session{
				ID: "s2", Mode: chat.ModeEscalationSuggested, EscalationReason: "maybe",
			}))
			payload, err := store.LoadResume(ctx, "s2")
			require.NoError(t, err)
			require.False(t, payload.EscalationRequested)
		})
	}
}

func TestFromSettings(t *testing.T) {
	st, err := FromSettings(Settings{})
	require.NoError(t, err)
	require.IsType(t, &InMemoryStore{}, st)

	st, err = FromSettings(Settings{Backend: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.Close())

	_, err = FromSettings(Settings{Backend: "postgres"})
	require.ErrorContains(t, err, "unknown backend")
}
