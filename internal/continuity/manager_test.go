package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock(start time.Time) *stubClock { return &stubClock{now: start} }

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubEntitlements struct {
	entitled bool
	err      error
	calls    int
}

func (s *stubEntitlements) IsEntitled(context.Context, string) (bool, error) {
	s.calls++
	return s.entitled, s.err
}

// recordingRedirector snapshots the store contents at redirect time, so the
// write-before-navigate ordering is observable.
type recordingRedirector struct {
	store        DraftStore
	key          string
	storedAtCall string
	returnURL    string
}

func (r *recordingRedirector) SignInWithRedirect(ctx context.Context, returnURL string) (string, error) {
	if v, ok, _ := r.store.Get(ctx, r.key); ok {
		r.storedAtCall = v
	}
	r.returnURL = returnURL
	return "https://auth.example.com/login?redirect_to=" + url.QueryEscape(returnURL), nil
}

type failingStore struct {
	*MemoryStore
	setErr error
}

func (s *failingStore) Set(ctx context.Context, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func TestBeginExternalLoginPersistsBeforeRedirect(t *testing.T) {
	store := NewMemoryStore(true)
	clock := newStubClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(store, "visitor-1", WithClock(clock.Now))

	redir := &recordingRedirector{store: store, key: "visitor-1"}
	target, err := mgr.BeginExternalLogin(context.Background(), "Marcus", "I had a rough day", "https://app.example.com/chat", redir)
	require.NoError(t, err)
	require.NotEmpty(t, target)

	// The durable write must be visible from inside the redirect call.
	require.NotEmpty(t, redir.storedAtCall)
	var stored PendingDraft
	require.NoError(t, json.Unmarshal([]byte(redir.storedAtCall), &stored))
	assert.Equal(t, "Marcus", stored.PersonaName)
	assert.Equal(t, "I had a rough day", stored.MessageText)
	assert.Equal(t, DraftPending, mgr.DraftState())

	// The return URL carries the draft even though the write flushed:
	// it is the one channel guaranteed to survive the cross-origin hop.
	u, err := url.Parse(redir.returnURL)
	require.NoError(t, err)
	assert.Equal(t, "Marcus", u.Query().Get("pendingTherapist"))
	assert.Equal(t, "I had a rough day", u.Query().Get("pendingMessage"))
}

func TestBeginExternalLoginAlwaysDecoratesReturnURL(t *testing.T) {
	store := NewMemoryStore(true)
	mgr := NewManager(store, "visitor-1")

	target, err := mgr.BeginExternalLogin(context.Background(), "Marcus", "rough day", "https://app.example.com/chat", nil)
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "Marcus", u.Query().Get("pendingTherapist"))
	assert.Equal(t, "rough day", u.Query().Get("pendingMessage"))
}

func TestBeginExternalLoginFallsBackToURLParams(t *testing.T) {
	store := NewMemoryStore(false) // write may not flush before navigation
	mgr := NewManager(store, "visitor-1")

	redir := &recordingRedirector{store: store, key: "visitor-1"}
	_, err := mgr.BeginExternalLogin(context.Background(), "Sarah", "hello there", "https://app.example.com/chat", redir)
	require.NoError(t, err)

	u, err := url.Parse(redir.returnURL)
	require.NoError(t, err)
	assert.Equal(t, "Sarah", u.Query().Get("pendingTherapist"))
	assert.Equal(t, "hello there", u.Query().Get("pendingMessage"))
}

func TestBeginExternalLoginStoreFailureStillDecoratesURL(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(true), setErr: errors.New("backend down")}
	mgr := NewManager(store, "visitor-1")

	target, err := mgr.BeginExternalLogin(context.Background(), "Liam", "msg", "https://app.example.com/chat", nil)
	require.NoError(t, err)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "Liam", u.Query().Get("pendingTherapist"))
}

func TestBeginExternalLoginRequiresPersona(t *testing.T) {
	mgr := NewManager(NewMemoryStore(true), "visitor-1")
	_, err := mgr.BeginExternalLogin(context.Background(), "", "msg", "https://app.example.com", nil)
	assert.Error(t, err)
}

func TestResolveAfterReturnPrefersURLOverStorage(t *testing.T) {
	store := NewMemoryStore(true)
	clock := newStubClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(store, "visitor-1", WithClock(clock.Now))

	// Conflicting stored draft.
	stored, _ := json.Marshal(PendingDraft{PersonaName: "Emily", MessageText: "old", CreatedAt: clock.Now()})
	require.NoError(t, store.Set(context.Background(), "visitor-1", string(stored)))

	q := url.Values{}
	q.Set("pendingTherapist", "Marcus")
	q.Set("pendingMessage", "new message")

	draft, err := mgr.ResolveAfterReturn(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, "Marcus", draft.PersonaName)
	assert.Equal(t, "new message", draft.MessageText)

	// URL draft overwrote the stored copy so a refresh finds the same draft.
	raw, ok, err := store.Get(context.Background(), "visitor-1")
	require.NoError(t, err)
	require.True(t, ok)
	var persisted PendingDraft
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, "Marcus", persisted.PersonaName)
}

func TestResolveAfterReturnFallsBackToStorage(t *testing.T) {
	store := NewMemoryStore(true)
	clock := newStubClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(store, "visitor-1", WithClock(clock.Now))

	stored, _ := json.Marshal(PendingDraft{PersonaName: "Sarah", MessageText: "from storage", CreatedAt: clock.Now().Add(-time.Minute)})
	require.NoError(t, store.Set(context.Background(), "visitor-1", string(stored)))

	draft, err := mgr.ResolveAfterReturn(context.Background(), url.Values{})
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, "Sarah", draft.PersonaName)
	assert.Equal(t, "from storage", draft.MessageText)
}

func TestResolveAfterReturnDiscardsStaleStoredDraft(t *testing.T) {
	store := NewMemoryStore(true)
	clock := newStubClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(store, "visitor-1", WithClock(clock.Now))

	stored, _ := json.Marshal(PendingDraft{PersonaName: "Sarah", MessageText: "ancient", CreatedAt: clock.Now().Add(-11 * time.Minute)})
	require.NoError(t, store.Set(context.Background(), "visitor-1", string(stored)))

	draft, err := mgr.ResolveAfterReturn(context.Background(), url.Values{})
	require.NoError(t, err)
	assert.Nil(t, draft)
	assert.Equal(t, NoDraft, mgr.DraftState())

	// Stale entry is evicted, not left to replay later.
	_, ok, err := store.Get(context.Background(), "visitor-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveAfterReturnDiscardsMalformedStoredDraft(t *testing.T) {
	store := NewMemoryStore(true)
	mgr := NewManager(store, "visitor-1")
	require.NoError(t, store.Set(context.Background(), "visitor-1", "{not json"))

	draft, err := mgr.ResolveAfterReturn(context.Background(), url.Values{})
	require.NoError(t, err)
	assert.Nil(t, draft)

	_, ok, _ := store.Get(context.Background(), "visitor-1")
	assert.False(t, ok)
}

func TestConsumeRequiresAuthentication(t *testing.T) {
	store := NewMemoryStore(true)
	mgr := NewManager(store, "visitor-1")
	_, err := mgr.BeginExternalLogin(context.Background(), "Marcus", "msg", "https://app.example.com", nil)
	require.NoError(t, err)

	_, err = mgr.ConsumeDraftOnceAuthenticated(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Equal(t, DraftPending, mgr.DraftState())
}

func TestConsumeIsOneShot(t *testing.T) {
	store := NewMemoryStore(true)
	mgr := NewManager(store, "visitor-1")
	_, err := mgr.BeginExternalLogin(context.Background(), "Marcus", "only once", "https://app.example.com", nil)
	require.NoError(t, err)
	mgr.SetAuthenticated(context.Background(), "token", "user-1")

	first, err := mgr.ConsumeDraftOnceAuthenticated(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "only once", first.MessageText)
	assert.Equal(t, DraftConsumed, mgr.DraftState())

	second, err := mgr.ConsumeDraftOnceAuthenticated(context.Background())
	require.NoError(t, err)
	assert.Nil(t, second)

	// The durable copy is gone too.
	_, ok, _ := store.Get(context.Background(), "visitor-1")
	assert.False(t, ok)
}

func TestConsumeConcurrentSingleWinner(t *testing.T) {
	store := NewMemoryStore(true)
	mgr := NewManager(store, "visitor-1")
	_, err := mgr.BeginExternalLogin(context.Background(), "Marcus", "msg", "https://app.example.com", nil)
	require.NoError(t, err)
	mgr.SetAuthenticated(context.Background(), "token", "user-1")

	const goroutines = 16
	results := make(chan *PendingDraft, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := mgr.ConsumeDraftOnceAuthenticated(context.Background())
			if err == nil {
				results <- d
			}
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for d := range results {
		if d != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestConsumeDropsDraftThatWentStaleInMemory(t *testing.T) {
	store := NewMemoryStore(true)
	clock := newStubClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := NewManager(store, "visitor-1", WithClock(clock.Now))
	_, err := mgr.BeginExternalLogin(context.Background(), "Marcus", "msg", "https://app.example.com", nil)
	require.NoError(t, err)
	mgr.SetAuthenticated(context.Background(), "token", "user-1")

	clock.Advance(11 * time.Minute)

	draft, err := mgr.ConsumeDraftOnceAuthenticated(context.Background())
	require.NoError(t, err)
	assert.Nil(t, draft)
	assert.Equal(t, NoDraft, mgr.DraftState())
}

func TestSetSelectedPersonaNoSilentOverwrite(t *testing.T) {
	mgr := NewManager(NewMemoryStore(true), "visitor-1")

	assert.True(t, mgr.SetSelectedPersona("1", false))
	assert.Equal(t, "1", mgr.SelectedPersona())

	// A different selection without force keeps the original.
	assert.False(t, mgr.SetSelectedPersona("2", false))
	assert.Equal(t, "1", mgr.SelectedPersona())

	// Force replaces it.
	assert.True(t, mgr.SetSelectedPersona("2", true))
	assert.Equal(t, "2", mgr.SelectedPersona())

	// Re-selecting the same persona is a no-op.
	assert.False(t, mgr.SetSelectedPersona("2", true))
}

func TestSetAuthenticatedDerivesEntitlement(t *testing.T) {
	ents := &stubEntitlements{entitled: true}
	mgr := NewManager(NewMemoryStore(true), "visitor-1", WithEntitlements(ents))

	sess := mgr.SetAuthenticated(context.Background(), "token", "user-1")
	assert.True(t, sess.Authenticated)
	assert.True(t, sess.Entitled)
	assert.Equal(t, 1, ents.calls)
}

func TestSetAuthenticatedEntitlementErrorDegradesToFree(t *testing.T) {
	ents := &stubEntitlements{entitled: true, err: errors.New("billing down")}
	mgr := NewManager(NewMemoryStore(true), "visitor-1", WithEntitlements(ents))

	sess := mgr.SetAuthenticated(context.Background(), "token", "user-1")
	assert.True(t, sess.Authenticated)
	assert.False(t, sess.Entitled)
}

func TestOnSessionChangeFiresOnLoginAndLogout(t *testing.T) {
	mgr := NewManager(NewMemoryStore(true), "visitor-1")

	var events []Session
	mgr.OnSessionChange(func(s Session) { events = append(events, s) })

	mgr.SetAuthenticated(context.Background(), "token", "user-1")
	mgr.Logout(context.Background())

	require.Len(t, events, 2)
	assert.True(t, events[0].Authenticated)
	assert.False(t, events[1].Authenticated)
}

func TestLogoutClearsDraftAndPersona(t *testing.T) {
	store := NewMemoryStore(true)
	mgr := NewManager(store, "visitor-1")
	mgr.SetSelectedPersona("3", false)
	_, err := mgr.BeginExternalLogin(context.Background(), "Liam", "msg", "https://app.example.com", nil)
	require.NoError(t, err)

	mgr.Logout(context.Background())

	assert.Empty(t, mgr.SelectedPersona())
	assert.Equal(t, NoDraft, mgr.DraftState())
	_, ok, _ := store.Get(context.Background(), "visitor-1")
	assert.False(t, ok)
}

func TestRegistryReturnsSameManagerPerVisitor(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(true), time.Hour)
	defer reg.Close()

	a := reg.Manager("visitor-a")
	b := reg.Manager("visitor-b")
	assert.Same(t, a, reg.Manager("visitor-a"))
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryEvictsIdleManagers(t *testing.T) {
	reg := NewRegistry(NewMemoryStore(true), 10*time.Minute)
	defer reg.Close()

	reg.Manager("visitor-a")
	reg.evictIdle(time.Now().Add(11 * time.Minute))
	assert.Equal(t, 0, reg.Len())
}

type countingStore struct {
	*MemoryStore
	gets int
}

func (s *countingStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.gets++
	return s.MemoryStore.Get(ctx, key)
}

func TestResolveAfterReturnConsultsOnlyOneSource(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore(true)}
	mgr := NewManager(store, "visitor-1")

	q := url.Values{}
	q.Set("pendingTherapist", "Marcus")

	draft, err := mgr.ResolveAfterReturn(context.Background(), q)
	require.NoError(t, err)
	require.NotNil(t, draft)
	assert.Equal(t, 0, store.gets, "storage must not be read when url parameters are present")
}
