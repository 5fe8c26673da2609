package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleEndUser   Role = "end_user"
	RoleAssistant Role = "assistant"
	RoleOperator  Role = "operator"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEndUser, RoleAssistant, RoleOperator, RoleSystem:
		return true
	}
	return false
}

// MessageStatus values carried in Metadata.Status.
const (
	StatusSendFailed = "send_failed"
	StatusTruncated  = "truncated"
)

// Metadata carries per-message annotations. All fields are optional.
type Metadata struct {
	EscalationRequested bool     `json:"escalationRequested,omitempty"`
	EscalationReason    string   `json:"escalationReason,omitempty"`
	Status              string   `json:"status,omitempty"`
	Sources             []string `json:"sources,omitempty"`
}

// Message is the canonical chat message shared across viewers of a session.
// Once a message is transport-confirmed its ID is immutable and is the sole
// deduplication key.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"senderId,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// OptimisticIDPrefix tags locally-minted placeholder ids created before
// network confirmation.
const OptimisticIDPrefix = "optimistic_"

// NewMessageID mints a confirmed message id.
func NewMessageID() string {
	return "msg_" + uuid.NewString()
}

// NewOptimisticID mints a placeholder id for a not-yet-confirmed message.
func NewOptimisticID() string {
	return OptimisticIDPrefix + uuid.NewString()
}

// IsOptimisticID reports whether id is a local placeholder.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, OptimisticIDPrefix)
}
