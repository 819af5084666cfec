package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/aitherapy/chat-platform/pkg/logging"
)

// Redirector hands navigation off to the external identity provider. It is
// invoked only after the draft has been made recoverable, so implementations
// may assume persistence already happened.
type Redirector interface {
	SignInWithRedirect(ctx context.Context, returnURL string) (navigateTo string, err error)
}

// EntitlementChecker re-derives the visitor's premium status from the
// billing system on each authentication.
type EntitlementChecker interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

// ErrNotAuthenticated is returned when an operation requires a logged-in
// session and none is present.
var ErrNotAuthenticated = errors.New("continuity: not authenticated")

// Manager owns one visitor's session, persona selection, and pending draft.
// All mutable state sits behind a single mutex; callbacks registered via
// OnSessionChange run outside the lock.
type Manager struct {
	store        DraftStore
	key          string
	staleness    time.Duration
	now          func() time.Time
	logger       *logging.Logger
	entitlements EntitlementChecker
	onRestore    func(source string)

	mu              sync.Mutex
	session         Session
	selectedPersona string
	draft           *PendingDraft
	state           DraftState
	listeners       []func(Session)

	lastSeen time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithStaleness(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.staleness = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithEntitlements(c EntitlementChecker) Option {
	return func(m *Manager) { m.entitlements = c }
}

// WithRestoreObserver registers a hook fired whenever a draft is recovered,
// labelled with the source it came from.
func WithRestoreObserver(fn func(source string)) Option {
	return func(m *Manager) { m.onRestore = fn }
}

func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager builds a Manager for one visitor. key scopes this visitor's
// draft in the store; two visitors never share a key.
func NewManager(store DraftStore, key string, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		key:       key,
		staleness: DefaultStaleness,
		now:       time.Now,
		logger:    logging.Default(),
		state:     NoDraft,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastSeen = m.now()
	return m
}

// Session returns a snapshot of the current session state.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = m.now()
	return m.session
}

// OnSessionChange registers a callback invoked after every login or logout.
// Callbacks run synchronously, outside the manager lock, in registration
// order.
func (m *Manager) OnSessionChange(fn func(Session)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetAuthenticated records a verified login. Entitlement is looked up fresh;
// a lookup failure degrades to not-entitled rather than blocking login.
func (m *Manager) SetAuthenticated(ctx context.Context, token, userID string) Session {
	entitled := false
	if m.entitlements != nil && userID != "" {
		ok, err := m.entitlements.IsEntitled(ctx, userID)
		if err != nil {
			m.logger.Warn("entitlement lookup failed, treating as free tier", "user_id", userID, "error", err)
		} else {
			entitled = ok
		}
	}

	m.mu.Lock()
	m.session = Session{
		Token:         token,
		UserID:        userID,
		Authenticated: true,
		Entitled:      entitled,
	}
	m.lastSeen = m.now()
	snapshot := m.session
	listeners := append([]func(Session){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return snapshot
}

// Logout clears the session and the persona selection. The pending draft is
// also dropped: a signed-out visitor starting over should not inherit the
// previous user's message.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	m.session = Session{}
	m.selectedPersona = ""
	m.draft = nil
	m.state = NoDraft
	m.lastSeen = m.now()
	listeners := append([]func(Session){}, m.listeners...)
	m.mu.Unlock()

	if err := m.store.Remove(ctx, m.key); err != nil {
		m.logger.Warn("failed to clear draft on logout", "error", err)
	}
	for _, fn := range listeners {
		fn(Session{})
	}
}

// SetSelectedPersona sets the active persona. An existing different
// selection is only replaced when force is true; the return value reports
// whether the selection changed.
func (m *Manager) SetSelectedPersona(personaID string, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = m.now()
	if m.selectedPersona != "" && m.selectedPersona != personaID && !force {
		return false
	}
	if m.selectedPersona == personaID {
		return false
	}
	m.selectedPersona = personaID
	return true
}

// SelectedPersona returns the active persona id, or empty when none is set.
func (m *Manager) SelectedPersona() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectedPersona
}

// BeginExternalLogin captures the visitor's draft, makes it recoverable, and
// only then triggers the identity-provider redirect. The draft rides two
// channels: the durable store, and the return URL itself, which is the only
// channel guaranteed to survive an arbitrary cross-origin hop. The returned
// URL is where the visitor should be sent.
func (m *Manager) BeginExternalLogin(ctx context.Context, personaName, messageText, returnURL string, redirect Redirector) (string, error) {
	if personaName == "" {
		return "", errors.New("continuity: persona name required")
	}

	draft := PendingDraft{
		PersonaName: personaName,
		MessageText: messageText,
		CreatedAt:   m.now(),
	}

	persisted := m.persistDraft(ctx, draft)
	decorated := returnURL
	if returnURL != "" {
		var err error
		decorated, err = AppendDraftParams(returnURL, draft)
		if err != nil {
			return "", fmt.Errorf("continuity: decorate return url: %w", err)
		}
	} else if !persisted || !m.store.SupportsSynchronousWrite() {
		m.logger.Warn("draft has no guaranteed channel across the redirect: no return url and no flushed write")
	}

	m.mu.Lock()
	m.draft = &draft
	m.state = DraftPending
	m.lastSeen = m.now()
	m.mu.Unlock()

	if redirect == nil {
		return decorated, nil
	}
	target, err := redirect.SignInWithRedirect(ctx, decorated)
	if err != nil {
		return "", fmt.Errorf("continuity: sign-in redirect: %w", err)
	}
	return target, nil
}

func (m *Manager) persistDraft(ctx context.Context, draft PendingDraft) bool {
	data, err := json.Marshal(draft)
	if err != nil {
		m.logger.Error("failed to marshal pending draft", "error", err)
		return false
	}
	if err := m.store.Set(ctx, m.key, string(data)); err != nil {
		m.logger.Warn("draft persistence failed, relying on url parameters", "error", err)
		return false
	}
	return true
}

// ResolveAfterReturn recovers the pending draft after the provider redirects
// back. Sources are consulted in strict priority order: return-URL
// parameters first, the durable store only when the URL carries nothing.
// A recovered URL draft is copied into the store so a refresh without the
// parameters still finds it.
func (m *Manager) ResolveAfterReturn(ctx context.Context, query url.Values) (*PendingDraft, error) {
	now := m.now()
	strategies := []restoreStrategy{
		urlStrategy{query: query, now: now},
		storageStrategy{store: m.store, key: m.key, staleness: m.staleness, now: now},
	}

	fromURL := HasDraftParams(query)
	for _, s := range strategies {
		draft, err := s.restore(ctx)
		if err != nil {
			m.logger.Warn("draft restore source failed", "source", s.name(), "error", err)
			continue
		}
		if draft == nil {
			continue
		}
		if fromURL && s.name() == "url" {
			m.persistDraft(ctx, *draft)
		}
		m.mu.Lock()
		m.draft = draft
		m.state = DraftPending
		m.lastSeen = now
		m.mu.Unlock()
		m.logger.Info("pending draft restored", "source", s.name(), "persona", draft.PersonaName)
		if m.onRestore != nil {
			m.onRestore(s.name())
		}
		return draft, nil
	}

	m.mu.Lock()
	m.draft = nil
	m.state = NoDraft
	m.lastSeen = now
	m.mu.Unlock()
	return nil, nil
}

// ConsumeDraftOnceAuthenticated hands the pending draft to the caller exactly
// once. It requires an authenticated session; concurrent and repeat calls
// after the first receive nil. The durable copy is removed so the draft can
// never replay.
func (m *Manager) ConsumeDraftOnceAuthenticated(ctx context.Context) (*PendingDraft, error) {
	m.mu.Lock()
	if !m.session.Authenticated {
		m.mu.Unlock()
		return nil, ErrNotAuthenticated
	}
	if m.state != DraftPending || m.draft == nil {
		m.mu.Unlock()
		return nil, nil
	}
	draft := m.draft
	m.draft = nil
	if draft.Expired(m.now(), m.staleness) {
		m.state = NoDraft
		m.lastSeen = m.now()
		m.mu.Unlock()
		if err := m.store.Remove(ctx, m.key); err != nil {
			m.logger.Warn("failed to remove stale draft", "error", err)
		}
		return nil, nil
	}
	m.state = DraftConsumed
	m.lastSeen = m.now()
	m.mu.Unlock()

	if err := m.store.Remove(ctx, m.key); err != nil {
		m.logger.Warn("failed to remove consumed draft", "error", err)
	}
	return draft, nil
}

// DraftState reports where the visitor sits in the draft lifecycle.
func (m *Manager) DraftState() DraftState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastSeen returns the time of the last operation on this manager. Used by
// the registry to evict idle visitors.
func (m *Manager) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}
