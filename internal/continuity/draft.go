// Package continuity preserves a visitor's in-progress chat draft and persona
// selection across the full-page redirect an external identity provider
// performs during login. In-memory state does not survive that hop, so the
// persisted draft (durable storage or return-URL parameters) is the source of
// truth after a redirect.
package continuity

import (
	"time"
)

// DefaultStaleness is how long a pending draft stays replayable. Anything
// older is an abandoned session and must not be resurrected.
const DefaultStaleness = 10 * time.Minute

// PendingDraft is the single unsent chat message awaiting authentication.
// At most one exists per visitor; a new draft overwrites any previous one.
type PendingDraft struct {
	PersonaName string    `json:"personaName"`
	MessageText string    `json:"messageText,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Expired reports whether the draft is older than the staleness window.
func (d PendingDraft) Expired(now time.Time, staleness time.Duration) bool {
	return now.Sub(d.CreatedAt) >= staleness
}

// DraftState tracks the one-shot consumption lifecycle of a pending draft.
// The DraftPending -> DraftConsumed transition happens exactly once; repeat
// consume calls on DraftConsumed are no-ops by construction.
type DraftState int

const (
	NoDraft DraftState = iota
	DraftPending
	DraftConsumed
)

func (s DraftState) String() string {
	switch s {
	case NoDraft:
		return "no_draft"
	case DraftPending:
		return "draft_pending"
	case DraftConsumed:
		return "draft_consumed"
	default:
		return "unknown"
	}
}

// Session is the visitor's current identity state. Entitled is re-derived
// from the entitlement provider on every authentication, never trusted from
// a previous value.
type Session struct {
	Token         string
	UserID        string
	Authenticated bool
	Entitled      bool
}
