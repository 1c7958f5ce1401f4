package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storeorders/internal/config"
	"storeorders/internal/models"
	"storeorders/internal/security"
)

var testSecurity = config.SecurityConfig{
	JWTAccessSecret: "0123456789abcdef0123456789abcdef",
	JWTAccessTTL:    15 * time.Minute,
	JWTRefreshTTL:   24 * time.Hour,
	MaxSessions:     2,
}

func storeUser(t *testing.T) models.User {
	hash, err := security.HashPasswordWithParams("pw", security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	require.NoError(t, err)
	storeID := "s1"
	return models.User{
		ID:           "u1",
		Email:        "a@x.com",
		PasswordHash: hash,
		Role:         models.RoleStore,
		StoreID:      &storeID,
		Status:       models.UserStatusActive,
	}
}

func newAuth(t *testing.T) (*AuthService, *memUsers, *memSessions) {
	users := newMemUsers(storeUser(t))
	sessions := newMemSessions()
	return NewAuthService(users, sessions, testSecurity, zerolog.Nop()), users, sessions
}

func TestLogin(t *testing.T) {
	auth, users, _ := newAuth(t)
	ctx := context.Background()

	result, err := auth.Login(ctx, LoginInput{Email: " A@x.com ", Password: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.RefreshToken)

	claims, err := security.ParseAccessToken(result.AccessToken, testSecurity.JWTAccessSecret)
	require.NoError(t, err)
	assert.Equal(t, "s1", claims.StoreID)

	_, err = auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Login(ctx, LoginInput{Email: "ghost@x.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	users.update("u1", func(u *models.User) { u.Status = models.UserStatusDisabled })
	_, err = auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestLogin_EnforcesSessionLimit(t *testing.T) {
	auth, _, sessions := newAuth(t)
	for i := 0; i < 4; i++ {
		_, err := auth.Login(context.Background(), LoginInput{Email: "a@x.com", Password: "pw"})
		require.NoError(t, err)
	}
	n, err := sessions.CountByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, testSecurity.MaxSessions, n)
}

func TestRefresh_RotatesOnce(t *testing.T) {
	auth, _, _ := newAuth(t)
	ctx := context.Background()

	first, err := auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	second, err := auth.Refresh(ctx, RefreshInput{RefreshToken: first.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "u1", second.User.ID)

	_, err = auth.Refresh(ctx, RefreshInput{RefreshToken: first.RefreshToken})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = auth.Refresh(ctx, RefreshInput{})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefresh_ConcurrentRequestsShareRotation(t *testing.T) {
	auth, _, sessions := newAuth(t)
	ctx := context.Background()
	login, err := auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	sessions.gate = make(chan struct{})
	var (
		wg      sync.WaitGroup
		results [2]AuthResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = auth.Refresh(ctx, RefreshInput{RefreshToken: login.RefreshToken})
		}(i)
	}
	require.Eventually(t, func() bool { return sessions.lookups.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(sessions.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].RefreshToken, results[1].RefreshToken)
	assert.Equal(t, int32(1), sessions.lookups.Load())
}

func TestRefresh_ExpiredSession(t *testing.T) {
	auth, _, sessions := newAuth(t)
	ctx := context.Background()
	login, err := auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	auth.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = auth.Refresh(ctx, RefreshInput{RefreshToken: login.RefreshToken})
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	n, _ := sessions.CountByUser(ctx, "u1")
	assert.Zero(t, n)
}

func TestAuthenticate(t *testing.T) {
	auth, users, _ := newAuth(t)
	ctx := context.Background()
	login, err := auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	user, claims, err := auth.Authenticate(ctx, login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	users.update("u1", func(u *models.User) { u.Role = models.RoleAdmin })
	user, _, err = auth.Authenticate(ctx, login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, user.Role)

	require.NoError(t, auth.Logout(ctx, claims.SessionID))
	require.NoError(t, auth.Logout(ctx, claims.SessionID))
	_, _, err = auth.Authenticate(ctx, login.AccessToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	_, _, err = auth.Authenticate(ctx, "not-a-token")
	assert.ErrorIs(t, err, security.ErrInvalidToken)
}

func TestAuthenticate_DisabledUser(t *testing.T) {
	auth, users, _ := newAuth(t)
	ctx := context.Background()
	login, err := auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	users.update("u1", func(u *models.User) { u.Status = models.UserStatusDisabled })
	_, _, err = auth.Authenticate(ctx, login.AccessToken)
	assert.ErrorIs(t, err, ErrUserDisabled)
}

func TestPurgeExpiredSessions(t *testing.T) {
	auth, _, _ := newAuth(t)
	ctx := context.Background()
	_, err := auth.Login(ctx, LoginInput{Email: "a@x.com", Password: "pw"})
	require.NoError(t, err)

	n, err := auth.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	auth.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err = auth.PurgeExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEnsureAdmin(t *testing.T) {
	users := newMemUsers()
	auth := NewAuthService(users, newMemSessions(), testSecurity, zerolog.Nop())
	ctx := context.Background()

	created, err := auth.EnsureAdmin(ctx, "Root@x.com", "secret")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = auth.EnsureAdmin(ctx, "other@x.com", "secret")
	require.NoError(t, err)
	assert.False(t, created)

	admin, err := users.FindByEmail(ctx, "root@x.com")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, admin.Role)
}
