package continuity

import (
	"net/url"
	"strings"
	"time"
)

// Return-URL parameter names. These ride through the identity provider's
// redirect untouched and are the restore channel of last resort when the
// durable store could not be written before navigation.
const (
	paramPersona = "pendingTherapist"
	paramMessage = "pendingMessage"
)

// AppendDraftParams decorates returnURL with the draft's persona and message
// as query parameters. Existing parameters are preserved; prior pending
// parameters are replaced.
func AppendDraftParams(returnURL string, d PendingDraft) (string, error) {
	u, err := url.Parse(returnURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(paramPersona, d.PersonaName)
	if strings.TrimSpace(d.MessageText) != "" {
		q.Set(paramMessage, d.MessageText)
	} else {
		q.Del(paramMessage)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DraftFromQuery reconstructs a pending draft from return-URL parameters.
// The message parameter alone is not enough; a persona name is required.
func DraftFromQuery(q url.Values, now time.Time) (PendingDraft, bool) {
	persona := q.Get(paramPersona)
	if persona == "" {
		return PendingDraft{}, false
	}
	return PendingDraft{
		PersonaName: persona,
		MessageText: q.Get(paramMessage),
		CreatedAt:   now,
	}, true
}

// HasDraftParams reports whether the query names a pending persona.
func HasDraftParams(q url.Values) bool {
	return q.Get(paramPersona) != ""
}

// StripDraftParams removes the pending parameters from rawURL so the draft
// cannot replay on refresh or be shared in a copied link.
func StripDraftParams(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Del(paramPersona)
	q.Del(paramMessage)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
