package session

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/memremote"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(start)
	return c
}

func TestIssueAndValidateToken(t *testing.T) {
	clk := newMockClock()
	s := New("test-secret", clk, nil)

	token, err := s.IssueToken("promoter-1", "route-7", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "promoter-1", claims.Subject)
	require.Equal(t, "route-7", claims.RouteID)
	require.Equal(t, Issuer, claims.Issuer)
	require.True(t, start.Add(time.Hour).Equal(claims.ExpiresAt.Time))
}

func TestValidateToken_Rejects(t *testing.T) {
	clk := newMockClock()
	s := New("test-secret", clk, nil)

	t.Run("wrong secret", func(t *testing.T) {
		token, err := New("other-secret", clk, nil).IssueToken("promoter-1", "route-7", time.Hour)
		require.NoError(t, err)
		_, err = s.ValidateToken(token)
		require.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := s.IssueToken("promoter-1", "route-7", time.Minute)
		require.NoError(t, err)
		clk.Add(2 * time.Minute)
		_, err = s.ValidateToken(token)
		require.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("missing route", func(t *testing.T) {
		token, err := s.IssueToken("promoter-1", "", time.Hour)
		require.NoError(t, err)
		_, err = s.ValidateToken(token)
		require.ErrorContains(t, err, "rid")
	})

	t.Run("unsigned", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RouteID: "route-7"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = s.ValidateToken(token)
		require.Error(t, err)
	})
}

func TestSignInSignOut(t *testing.T) {
	clk := newMockClock()
	s := New("test-secret", clk, nil)
	require.False(t, s.IsAuthenticated())
	_, ok := s.CurrentUser()
	require.False(t, ok)

	type event struct {
		user     fieldsync.User
		signedIn bool
	}
	var events []event
	cancel := s.OnSessionChange(func(u fieldsync.User, in bool) { events = append(events, event{u, in}) })

	token, err := s.IssueToken("promoter-1", "route-7", time.Hour)
	require.NoError(t, err)
	user, err := s.SignIn(token)
	require.NoError(t, err)
	require.Equal(t, fieldsync.User{ID: "promoter-1", RouteID: "route-7"}, user)
	require.True(t, s.IsAuthenticated())
	current, ok := s.CurrentUser()
	require.True(t, ok)
	require.Equal(t, user, current)
	raw, ok := s.Token()
	require.True(t, ok)
	require.Equal(t, token, raw)

	s.SignOut()
	s.SignOut()
	require.False(t, s.IsAuthenticated())
	require.Equal(t, []event{{user, true}, {user, false}}, events)

	cancel()
	_, err = s.SignIn(token)
	require.NoError(t, err)
	require.Len(t, events, 2, "cancelled listener is not called")
}

func TestSignIn_InvalidToken(t *testing.T) {
	s := New("test-secret", newMockClock(), nil)
	_, err := s.SignIn("not-a-jwt")
	require.ErrorIs(t, err, fieldsync.ErrUnauthenticated)
	require.False(t, s.IsAuthenticated())
}

func TestSession_ExpiresWithClock(t *testing.T) {
	clk := newMockClock()
	s := New("test-secret", clk, nil)
	token, err := s.IssueToken("promoter-1", "route-7", 10*time.Minute)
	require.NoError(t, err)
	_, err = s.SignIn(token)
	require.NoError(t, err)

	clk.Add(9 * time.Minute)
	require.True(t, s.IsAuthenticated())
	clk.Add(time.Minute)
	require.False(t, s.IsAuthenticated())
	_, ok := s.Token()
	require.False(t, ok)
}

type onlineProbe struct{}

func (onlineProbe) IsConnected() bool         { return true }
func (onlineProbe) IsInternetReachable() bool { return true }

func TestSession_SignInTriggersEngineSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clk := newMockClock()
	s := New("test-secret", clk, nil)
	remote := memremote.New()

	cfg := fieldsync.DefaultConfig()
	cfg.Clock = clk
	engine, err := fieldsync.NewEngine(fieldsync.NewMemoryStore(), remote, onlineProbe{}, s, cfg)
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	saved, err := engine.Save(ctx, fieldsync.NewCommerce(fieldsync.Commerce{Name: "A", Address: "X"}))
	require.NoError(t, err)
	require.False(t, saved.Synced)
	require.Zero(t, remote.TotalCalls())

	token, err := s.IssueToken("promoter-1", "route-7", time.Hour)
	require.NoError(t, err)
	_, err = s.SignIn(token)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := engine.Status(ctx, fieldsync.KindCommerce, saved.LocalID)
		return err == nil && status == fieldsync.StatusSynced
	}, time.Second, 5*time.Millisecond)
}
