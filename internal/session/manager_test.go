package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storeorders/internal/apiclient"
	"storeorders/internal/models"
	"storeorders/internal/sessionstore"
	"storeorders/internal/tokenclock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// fakeIdentity is an in-process identity service with rotating refresh
// tokens, close enough to the real one for the manager's purposes.
type fakeIdentity struct {
	mu           sync.Mutex
	role         models.Role
	access       map[string]bool
	refresh      map[string]bool
	seq          int
	ttl          time.Duration
	meStatus     int
	refreshFails bool

	refreshGate    chan struct{}
	refreshStarted chan struct{}

	loginCalls   atomic.Int32
	meCalls      atomic.Int32
	refreshCalls atomic.Int32
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		role:    models.RoleStore,
		access:  map[string]bool{},
		refresh: map[string]bool{},
		ttl:     time.Hour,
	}
}

func (f *fakeIdentity) userLocked() models.Identity {
	user := models.Identity{ID: "u1", Email: "a@x.com", Role: f.role}
	if f.role == models.RoleStore {
		user.StoreID = "s1"
	}
	return user
}

func (f *fakeIdentity) issueLocked() apiclient.AuthResponse {
	f.seq++
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"jti": fmt.Sprint(f.seq),
		"exp": time.Now().Add(f.ttl).Unix(),
	}).SignedString([]byte("test"))
	if err != nil {
		panic(err)
	}
	refresh := fmt.Sprintf("refresh-%d", f.seq)
	f.access[token] = true
	f.refresh[refresh] = true
	return apiclient.AuthResponse{User: f.userLocked(), Token: token, RefreshToken: refresh}
}

func (f *fakeIdentity) revokeAccess() {
	f.mu.Lock()
	f.access = map[string]bool{}
	f.mu.Unlock()
}

func (f *fakeIdentity) holdRefresh() (started, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshStarted = make(chan struct{}, 1)
	f.refreshGate = make(chan struct{})
	return f.refreshStarted, f.refreshGate
}

func (f *fakeIdentity) setRole(role models.Role) {
	f.mu.Lock()
	f.role = role
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeIdentity) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/login":
		f.loginCalls.Add(1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "a@x.com" || body["password"] != "pw" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials"})
			return
		}
		f.mu.Lock()
		resp := f.issueLocked()
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, resp)

	case "/auth/me":
		f.meCalls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.meStatus != 0 {
			writeJSON(w, f.meStatus, map[string]string{"error": "unavailable"})
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !f.access[token] {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		writeJSON(w, http.StatusOK, f.userLocked())

	case "/auth/refresh":
		f.refreshCalls.Add(1)
		f.mu.Lock()
		started, gate := f.refreshStarted, f.refreshGate
		f.mu.Unlock()
		if started != nil {
			started <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.refreshFails || !f.refresh[body["refresh_token"]] {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_refresh_token"})
			return
		}
		delete(f.refresh, body["refresh_token"])
		writeJSON(w, http.StatusOK, f.issueLocked())

	default:
		http.NotFound(w, r)
	}
}

func newClient(t *testing.T, baseURL string) *apiclient.Client {
	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	return apiclient.New(baseURL, 5*time.Second, apiclient.WithHTTPClient(&http.Client{Transport: transport, Timeout: 5 * time.Second}))
}

func setup(t *testing.T, opts ...Option) (*Manager, *fakeIdentity, sessionstore.Store) {
	fake := newFakeIdentity()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store := sessionstore.NewMemoryStore()
	return NewManager(newClient(t, srv.URL), store, opts...), fake, store
}

type failingStore struct {
	sessionstore.Store
	saveErr error
	loadErr error
}

func (s failingStore) Save(ctx context.Context, session sessionstore.Session) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, session)
}

func (s failingStore) Load(ctx context.Context) (sessionstore.Session, bool, error) {
	if s.loadErr != nil {
		return sessionstore.Session{}, false, s.loadErr
	}
	return s.Store.Load(ctx)
}

func TestLogin_PersistsSession(t *testing.T) {
	m, _, store := setup(t)
	var seen []State
	m.OnChange(func(s State) { seen = append(seen, s) })

	require.NoError(t, m.Login(context.Background(), "a@x.com", "pw"))

	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, []State{Authenticating, Authenticated}, seen)

	user, ok := m.Identity()
	require.True(t, ok)
	assert.Equal(t, "s1", user.StoreID)

	persisted, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	token, _ := m.AccessToken()
	assert.Equal(t, token, persisted.AccessToken)
}

func TestLogin_BadCredentialsKeepsPreviousSession(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()

	err := m.Login(ctx, "a@x.com", "wrong")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, LoggedOut, m.State())

	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))
	before, _ := m.AccessToken()

	err = m.Login(ctx, "a@x.com", "wrong")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, Authenticated, m.State())
	after, _ := m.AccessToken()
	assert.Equal(t, before, after)
}

func TestLogin_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewManager(newClient(t, url), sessionstore.NewMemoryStore())
	err := m.Login(context.Background(), "a@x.com", "pw")
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Equal(t, LoggedOut, m.State())
}

func TestLogin_StorageFailureDoesNotAdopt(t *testing.T) {
	fake := newFakeIdentity()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	boom := errors.New("disk full")
	m := NewManager(newClient(t, srv.URL), failingStore{Store: sessionstore.NewMemoryStore(), saveErr: boom})

	err := m.Login(context.Background(), "a@x.com", "pw")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, LoggedOut, m.State())
	_, ok := m.AccessToken()
	assert.False(t, ok)
}

func TestRefresh_SingleFlight(t *testing.T) {
	m, fake, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	started, release := fake.holdRefresh()

	type result struct {
		session sessionstore.Session
		err     error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		s, err := m.Refresh(ctx)
		first <- result{s, err}
	}()
	<-started
	assert.Equal(t, Refreshing, m.State())

	go func() {
		s, err := m.Refresh(ctx)
		second <- result{s, err}
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.inflight != nil && m.inflight.waiters == 1
	}, time.Second, time.Millisecond)

	close(release)
	a, b := <-first, <-second

	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.session, b.session)
	assert.Equal(t, int32(1), fake.refreshCalls.Load())
	assert.Equal(t, Authenticated, m.State())

	token, _ := m.AccessToken()
	assert.Equal(t, a.session.AccessToken, token)
}

func TestRefresh_FailureLogsOut(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	fake.mu.Lock()
	fake.refreshFails = true
	fake.mu.Unlock()

	_, err := m.Refresh(ctx)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, LoggedOut, m.State())
	_, ok := m.AccessToken()
	assert.False(t, ok)

	_, ok, err = store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefresh_WithoutSession(t *testing.T) {
	m, fake, _ := setup(t)
	_, err := m.Refresh(context.Background())
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, fake.refreshCalls.Load())
}

func TestRefresh_LogoutDuringFlightWins(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	started, release := fake.holdRefresh()

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()
	<-started

	require.NoError(t, m.Logout(ctx))
	close(release)

	require.ErrorIs(t, <-done, ErrSessionExpired)
	assert.Equal(t, LoggedOut, m.State())
	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate_UnauthorizedRefreshesOnce(t *testing.T) {
	m, fake, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))
	before, _ := m.AccessToken()

	fake.revokeAccess()
	require.NoError(t, m.Validate(ctx))

	assert.Equal(t, int32(1), fake.refreshCalls.Load())
	assert.Equal(t, int32(1), fake.meCalls.Load())
	after, _ := m.AccessToken()
	assert.NotEqual(t, before, after)
	assert.Equal(t, Authenticated, m.State())
}

func TestValidate_OtherFailureLogsOut(t *testing.T) {
	m, fake, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	fake.mu.Lock()
	fake.meStatus = http.StatusInternalServerError
	fake.mu.Unlock()

	err := m.Validate(ctx)
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, LoggedOut, m.State())
	assert.Zero(t, fake.refreshCalls.Load())
}

func TestValidate_ReplacesUserWithServerCopy(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	fake.setRole(models.RoleAdmin)
	require.NoError(t, m.Validate(ctx))

	user, ok := m.Identity()
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, user.Role)

	persisted, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, persisted.User.Role)
}

func TestBootstrap_EmptyStore(t *testing.T) {
	m, fake, _ := setup(t)
	require.NoError(t, m.Bootstrap(context.Background()))
	assert.Equal(t, LoggedOut, m.State())
	assert.Zero(t, fake.meCalls.Load())
}

func TestBootstrap_ValidSessionIsRevalidated(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	restored := NewManager(m.identity, store)
	require.NoError(t, restored.Bootstrap(ctx))
	assert.Equal(t, Authenticated, restored.State())
	assert.Equal(t, int32(1), fake.meCalls.Load())
	assert.Zero(t, fake.refreshCalls.Load())
}

func TestBootstrap_RevokedTokenLogsOut(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	fake.revokeAccess()
	fake.mu.Lock()
	fake.refreshFails = true
	fake.mu.Unlock()

	restored := NewManager(m.identity, store)
	require.NoError(t, restored.Bootstrap(ctx))
	assert.Equal(t, LoggedOut, restored.State())

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBootstrap_StorageFailure(t *testing.T) {
	boom := errors.New("backend down")
	m := NewManager(unusedClient(t), failingStore{Store: sessionstore.NewMemoryStore(), loadErr: boom})
	require.ErrorIs(t, m.Bootstrap(context.Background()), boom)
}

func unusedClient(t *testing.T) *apiclient.Client {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	return newClient(t, srv.URL)
}

// login, expire, bootstrap: one refresh, one validation, and the role the
// server returns wins over the cached one.
func TestScenario_ExpiredSessionIsRefreshedAndRevalidated(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	persisted, ok, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.RoleStore, persisted.User.Role)

	fake.setRole(models.RoleAdmin)
	later := tokenclock.Clock{Now: func() time.Time { return time.Now().Add(2 * time.Hour) }}
	restored := NewManager(m.identity, store, WithClock(later))

	require.NoError(t, restored.Bootstrap(ctx))

	assert.Equal(t, int32(1), fake.refreshCalls.Load())
	assert.Equal(t, int32(1), fake.meCalls.Load())
	assert.Equal(t, Authenticated, restored.State())
	user, ok := restored.Identity()
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, user.Role)
	assert.Empty(t, user.StoreID)
}

// cancelAwareStore fails writes whose context is already done, the way a
// network-backed store would.
type cancelAwareStore struct {
	sessionstore.Store
}

func (s cancelAwareStore) Save(ctx context.Context, session sessionstore.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Save(ctx, session)
}

func TestRefresh_LeaderCancelledStillPersists(t *testing.T) {
	fake := newFakeIdentity()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	store := cancelAwareStore{Store: sessionstore.NewMemoryStore()}
	m := NewManager(newClient(t, srv.URL), store)

	require.NoError(t, m.Login(context.Background(), "a@x.com", "pw"))
	before, _, err := store.Load(context.Background())
	require.NoError(t, err)

	started, release := fake.holdRefresh()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()
	<-started
	cancel()
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, Authenticated, m.State())

	persisted, ok, err := store.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, before.RefreshToken, persisted.RefreshToken)

	token, _ := m.AccessToken()
	assert.Equal(t, token, persisted.AccessToken)
}

func TestOnChange_ObserverMayReenterManager(t *testing.T) {
	m, fake, store := setup(t)
	ctx := context.Background()

	var validated atomic.Bool
	m.OnChange(func(s State) {
		switch s {
		case LoggedOut:
			_ = m.Logout(ctx)
		case Authenticated:
			if validated.CompareAndSwap(false, true) {
				assert.NoError(t, m.Validate(ctx))
			}
		}
	})

	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))
	assert.True(t, validated.Load())

	fake.mu.Lock()
	fake.refreshFails = true
	fake.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionExpired)
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not return while an observer logged out")
	}
	assert.Equal(t, LoggedOut, m.State())
	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogout_Idempotent(t *testing.T) {
	m, _, store := setup(t)
	ctx := context.Background()
	require.NoError(t, m.Login(ctx, "a@x.com", "pw"))

	require.NoError(t, m.Logout(ctx))
	require.NoError(t, m.Logout(ctx))
	assert.Equal(t, LoggedOut, m.State())
	assert.False(t, m.Authenticated())

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "refreshing", Refreshing.String())
	assert.Equal(t, "state(9)", State(9).String())
}
