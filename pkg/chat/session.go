package chat

import "time"

// Mode is the session's position in the AI-to-operator handoff lifecycle.
type Mode string

const (
	ModeAIOnly              Mode = "ai_only"
	ModeEscalationSuggested Mode = "escalation_suggested"
	ModeConnecting          Mode = "connecting"
	ModeLive                Mode = "live"
)

var modeRank = map[Mode]int{
	ModeAIOnly:              0,
	ModeEscalationSuggested: 1,
	ModeConnecting:          2,
	ModeLive:                3,
}

// Rank orders modes along the forward-only lifecycle. Unknown modes rank
// below ModeAIOnly.
func (m Mode) Rank() int {
	r, ok := modeRank[m]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	_, ok := modeRank[m]
	return ok
}

// Session is one end-to-end conversation thread, potentially spanning both
// AI and human-operator phases. AssignedAt, once set, is never cleared for
// the lifetime of the session.
type Session struct {
	ID                 string     `json:"id"`
	Mode               Mode       `json:"mode"`
	AssignedOperatorID string     `json:"assignedOperatorId,omitempty"`
	EscalationReason   string     `json:"escalationReason,omitempty"`
	AssignedAt         *time.Time `json:"assignedAt,omitempty"`
}

// ResumePayload seeds a freshly loaded session from the chat store without
// re-running escalation detection.
type ResumePayload struct {
	Messages            []Message  `json:"messages"`
	EscalationRequested bool       `json:"escalationRequested"`
	EscalationReason    string     `json:"escalationReason,omitempty"`
	AssignedAt          *time.Time `json:"assignedAt,omitempty"`
}
