// Package escalation spots the reserved handoff marker in completed
// generation output. The detector is deliberately dumb: it trusts the
// literal marker and performs no language inference. Whether the marker is
// emitted at all is the generation backend's policy, configured in its
// prompt layer, not enforced here.
package escalation

import "strings"

// Marker is the reserved token the generation backend appends when, and
// only when, its policy calls for a human handoff.
const Marker = "[ESCALATION_REQUESTED]"

// DefaultReason is reported when the backend supplies no specific reason.
const DefaultReason = "user requested human assistance"

// Decision is the outcome of one detection pass.
type Decision struct {
	CleanContent        string
	EscalationRequested bool
	EscalationReason    string
}

// Detect scans text for the marker, strips it (and only it) from the
// user-visible content, and reports the handoff decision. Detection is
// idempotent: running it on already-clean content changes nothing.
func Detect(text string) Decision {
	return DetectWithReason(text, "")
}

// DetectWithReason is Detect with a backend-supplied reason that overrides
// DefaultReason when the marker is present.
func DetectWithReason(text, backendReason string) Decision {
	if !strings.Contains(text, Marker) {
		return Decision{CleanContent: text}
	}
	clean := strings.TrimSpace(strings.ReplaceAll(text, Marker, ""))
	reason := strings.TrimSpace(backendReason)
	if reason == "" {
		reason = DefaultReason
	}
	return Decision{
		CleanContent:        clean,
		EscalationRequested: true,
		EscalationReason:    reason,
	}
}
