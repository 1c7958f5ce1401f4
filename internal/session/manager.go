// Package session owns the portal client's authentication lifecycle: login,
// bootstrap from a persisted session, validation against the identity
// endpoint, single-flight token refresh and logout.
//
// Every failure path funnels into the same terminal state, LoggedOut, so
// callers branch on State or Authenticated instead of on error kinds. Only
// storage failures are reported as errors that are not one of the sentinels
// below.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"storeorders/internal/apiclient"
	"storeorders/internal/models"
	"storeorders/internal/sessionstore"
	"storeorders/internal/tokenclock"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrSessionExpired       = errors.New("session expired")
	ErrRequestFailed        = errors.New("identity request failed")
)

type State int

const (
	LoggedOut State = iota
	Authenticating
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IdentityClient is the subset of the identity service the manager calls.
// Errors carrying an HTTP status must expose it through apiclient.StatusCode.
type IdentityClient interface {
	Login(ctx context.Context, email, password string) (apiclient.AuthResponse, error)
	Me(ctx context.Context, accessToken string) (models.Identity, error)
	Refresh(ctx context.Context, refreshToken string) (apiclient.AuthResponse, error)
}

type Option func(*Manager)

func WithClock(clock tokenclock.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.log = logger }
}

type Manager struct {
	identity IdentityClient
	store    sessionstore.Store
	clock    tokenclock.Clock
	log      zerolog.Logger

	// storeMu orders writes to the store so that memory and store agree on
	// which mutation came last.
	storeMu sync.Mutex

	mu        sync.Mutex
	state     State
	session   sessionstore.Session
	epoch     uint64
	inflight  *refreshCall
	observers []func(State)
}

type refreshCall struct {
	done    chan struct{}
	waiters int
	session sessionstore.Session
	err     error
}

func (c *refreshCall) wait(ctx context.Context) (sessionstore.Session, error) {
	select {
	case <-c.done:
		return c.session, c.err
	case <-ctx.Done():
		return sessionstore.Session{}, ctx.Err()
	}
}

func NewManager(identity IdentityClient, store sessionstore.Store, opts ...Option) *Manager {
	m := &Manager{
		identity: identity,
		store:    store,
		clock:    tokenclock.System,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Authenticated() bool {
	return m.State() == Authenticated
}

func (m *Manager) Identity() (models.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.session.Complete() {
		return models.Identity{}, false
	}
	return m.session.User, true
}

func (m *Manager) AccessToken() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.AccessToken == "" {
		return "", false
	}
	return m.session.AccessToken, true
}

// OnChange registers fn to be called after every state change. Observers run
// on the goroutine that caused the change, outside the manager's lock.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// setLocked must be called with m.mu held. The returned func delivers the
// change to observers and must be called after unlocking.
func (m *Manager) setLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	observers := slices.Clone(m.observers)
	return func() {
		for _, fn := range observers {
			fn(s)
		}
	}
}

// settledLocked is the state the current in-memory session implies.
func (m *Manager) settledLocked() State {
	if m.session.Complete() {
		return Authenticated
	}
	return LoggedOut
}

// Login exchanges credentials for a session. On failure the previous session,
// if any, stays in place.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.mu.Lock()
	notify := m.setLocked(Authenticating)
	m.mu.Unlock()
	notify()

	resp, err := m.identity.Login(ctx, email, password)
	if err != nil {
		m.settle()
		switch apiclient.StatusCode(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			m.log.Info().Str("email", email).Msg("login rejected")
			return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		m.log.Warn().Err(err).Msg("login request failed")
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	next := sessionstore.Session{AccessToken: resp.Token, RefreshToken: resp.RefreshToken, User: resp.User}
	if !next.Complete() {
		m.settle()
		return fmt.Errorf("%w: incomplete login response", ErrRequestFailed)
	}

	m.storeMu.Lock()
	if err := m.store.Save(ctx, next); err != nil {
		m.storeMu.Unlock()
		m.settle()
		return fmt.Errorf("persist session: %w", err)
	}
	m.mu.Lock()
	m.session = next
	m.epoch++
	m.inflight = nil
	notify = m.setLocked(Authenticated)
	m.mu.Unlock()
	m.storeMu.Unlock()
	notify()

	m.log.Info().Str("user_id", next.User.ID).Str("role", string(next.User.Role)).Msg("logged in")
	return nil
}

func (m *Manager) settle() {
	m.mu.Lock()
	notify := m.setLocked(m.settledLocked())
	m.mu.Unlock()
	notify()
}

// Bootstrap restores a persisted session and revalidates it before trusting
// it. The outcome is observable through State; only storage failures are
// returned.
func (m *Manager) Bootstrap(ctx context.Context) error {
	persisted, ok, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		m.mu.Lock()
		m.session = sessionstore.Session{}
		notify := m.setLocked(LoggedOut)
		m.mu.Unlock()
		notify()
		return nil
	}

	m.mu.Lock()
	m.session = persisted
	m.epoch++
	m.inflight = nil
	notify := m.setLocked(Authenticating)
	m.mu.Unlock()
	notify()

	if m.clock.IsExpired(persisted.AccessToken) {
		m.log.Debug().Msg("persisted access token expired, refreshing")
		if _, err := m.Refresh(ctx); err != nil {
			return storageOnly(err)
		}
	}
	return storageOnly(m.Validate(ctx))
}

func storageOnly(err error) error {
	if err == nil || errors.Is(err, ErrSessionExpired) {
		return nil
	}
	return err
}

// Validate asks the identity endpoint whether the current access token is
// still good. A 401 triggers exactly one refresh; any other failure logs out.
func (m *Manager) Validate(ctx context.Context) error {
	m.mu.Lock()
	token := m.session.AccessToken
	epoch := m.epoch
	m.mu.Unlock()

	if token == "" {
		return ErrSessionExpired
	}

	user, err := m.identity.Me(ctx, token)
	if err != nil {
		if apiclient.StatusCode(err) == http.StatusUnauthorized {
			m.log.Debug().Msg("access token rejected, refreshing")
			_, rerr := m.Refresh(ctx)
			return rerr
		}
		m.log.Warn().Err(err).Msg("session validation failed")
		if cerr := m.expire(ctx, epoch); cerr != nil {
			return fmt.Errorf("%w: %w", ErrSessionExpired, cerr)
		}
		return fmt.Errorf("%w: %w", ErrSessionExpired, err)
	}
	if !user.Valid() {
		if cerr := m.expire(ctx, epoch); cerr != nil {
			return fmt.Errorf("%w: %w", ErrSessionExpired, cerr)
		}
		return fmt.Errorf("%w: identity response missing fields", ErrSessionExpired)
	}

	m.storeMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return ErrSessionExpired
	}
	m.session.User = user
	next := m.session
	notify := m.setLocked(Authenticated)
	m.mu.Unlock()

	err = m.store.Save(context.WithoutCancel(ctx), next)
	m.storeMu.Unlock()
	notify()

	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Refresh exchanges the refresh token for a new session. Concurrent callers
// share one request and observe the same result. Failure always logs out.
func (m *Manager) Refresh(ctx context.Context) (sessionstore.Session, error) {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		call.waiters++
		m.mu.Unlock()
		return call.wait(ctx)
	}
	refreshToken := m.session.RefreshToken
	epoch := m.epoch
	if refreshToken == "" {
		m.mu.Unlock()
		if err := m.expire(ctx, epoch); err != nil {
			return sessionstore.Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return sessionstore.Session{}, ErrSessionExpired
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight = call
	notify := m.setLocked(Refreshing)
	m.mu.Unlock()
	notify()

	call.session, call.err = m.refresh(ctx, epoch, refreshToken)

	m.mu.Lock()
	if m.inflight == call {
		m.inflight = nil
	}
	waiters := call.waiters
	m.mu.Unlock()
	close(call.done)
	m.log.Debug().Int("waiters", waiters).Bool("ok", call.err == nil).Msg("refresh settled")

	return call.session, call.err
}

func (m *Manager) refresh(ctx context.Context, epoch uint64, refreshToken string) (sessionstore.Session, error) {
	// one caller's cancellation must not log out everyone sharing the call
	resp, err := m.identity.Refresh(context.WithoutCancel(ctx), refreshToken)
	if err == nil {
		next := sessionstore.Session{AccessToken: resp.Token, RefreshToken: resp.RefreshToken, User: resp.User}
		if next.Complete() {
			return m.adopt(ctx, epoch, next)
		}
		err = errors.New("incomplete refresh response")
	}

	m.log.Warn().Err(err).Msg("token refresh failed, logging out")
	if cerr := m.expire(ctx, epoch); cerr != nil {
		return sessionstore.Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, cerr)
	}
	return sessionstore.Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
}

// adopt installs a refreshed session. The old refresh token is already spent
// server-side, so the store write ignores the caller's cancellation.
func (m *Manager) adopt(ctx context.Context, epoch uint64, next sessionstore.Session) (sessionstore.Session, error) {
	m.storeMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.storeMu.Unlock()
		m.log.Debug().Msg("discarding refresh result after logout")
		return sessionstore.Session{}, ErrSessionExpired
	}
	m.session = next
	notify := m.setLocked(Authenticated)
	m.mu.Unlock()

	err := m.store.Save(context.WithoutCancel(ctx), next)
	m.storeMu.Unlock()
	notify()

	if err != nil {
		return next, fmt.Errorf("persist session: %w", err)
	}
	m.log.Debug().Str("user_id", next.User.ID).Msg("session refreshed")
	return next, nil
}

// expire logs out unless the session changed since epoch was read.
func (m *Manager) expire(ctx context.Context, epoch uint64) error {
	m.storeMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return nil
	}
	notify := m.clearLocked()
	m.mu.Unlock()

	err := m.clearStore(ctx)
	m.storeMu.Unlock()
	notify()
	return err
}

// Logout clears memory and store. It is idempotent.
func (m *Manager) Logout(ctx context.Context) error {
	m.storeMu.Lock()
	m.mu.Lock()
	notify := m.clearLocked()
	m.mu.Unlock()

	err := m.clearStore(ctx)
	m.storeMu.Unlock()
	notify()
	return err
}

func (m *Manager) clearLocked() func() {
	m.session = sessionstore.Session{}
	m.epoch++
	m.inflight = nil
	return m.setLocked(LoggedOut)
}

func (m *Manager) clearStore(ctx context.Context) error {
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
