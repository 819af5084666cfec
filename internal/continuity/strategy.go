package continuity

import (
	"context"
	"encoding/json"
	"net/url"
	"time"
)

// restoreStrategy is one ordered source a returning visitor's draft may be
// recovered from. Strategies are consulted in priority order and the first
// hit wins; later sources are never read once a draft is found.
type restoreStrategy interface {
	name() string
	restore(ctx context.Context) (*PendingDraft, error)
}

// urlStrategy recovers a draft from return-URL query parameters. URL
// parameters are authoritative over stored state because they describe the
// navigation that actually happened.
type urlStrategy struct {
	query url.Values
	now   time.Time
}

func (s urlStrategy) name() string { return "url" }

func (s urlStrategy) restore(context.Context) (*PendingDraft, error) {
	d, ok := DraftFromQuery(s.query, s.now)
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// storageStrategy recovers a draft from the durable store, discarding stale
// or malformed entries so they can never replay later.
type storageStrategy struct {
	store     DraftStore
	key       string
	staleness time.Duration
	now       time.Time
}

func (s storageStrategy) name() string { return "storage" }

func (s storageStrategy) restore(ctx context.Context) (*PendingDraft, error) {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var d PendingDraft
	if err := json.Unmarshal([]byte(raw), &d); err != nil || d.PersonaName == "" {
		_ = s.store.Remove(ctx, s.key)
		return nil, nil
	}
	if d.Expired(s.now, s.staleness) {
		_ = s.store.Remove(ctx, s.key)
		return nil, nil
	}
	return &d, nil
}
