package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/crypto"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/limiter"
)

func newTestService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	hash, err := crypto.HashSecret("s3cret")
	require.NoError(t, err)

	accounts := []Account{
		{Username: "boss", SecretHash: hash, Role: RoleAdmin},
		{Username: "till", SecretHash: hash, Role: RoleStaff},
	}
	lim := limiter.NewMemory(15*time.Minute, 3, 15*time.Minute)
	return New(accounts, []byte("test-sign-key"), ttl, lim, zap.NewNop())
}

func TestLogin_SuccessIssuesToken(t *testing.T) {
	s := newTestService(t, time.Hour)

	tok, err := s.Login(context.Background(), "boss", "s3cret", "1.2.3.4")
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
	require.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, 5*time.Second)

	claims, err := s.ParseToken(tok.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "boss", claims.Subject)
	require.Equal(t, RoleAdmin, claims.Role)
	require.NotEmpty(t, claims.ID)
}

func TestLogin_WrongSecret(t *testing.T) {
	s := newTestService(t, time.Hour)

	_, err := s.Login(context.Background(), "boss", "nope", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestLogin_UnknownUserLooksLikeWrongSecret(t *testing.T) {
	s := newTestService(t, time.Hour)

	_, err := s.Login(context.Background(), "ghost", "s3cret", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	s := newTestService(t, time.Hour)
	ctx := context.Background()

	_, err := s.Login(ctx, "boss", "nope", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = s.Login(ctx, "boss", "nope", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = s.Login(ctx, "boss", "nope", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrRateLimited)

	// The block holds even for the correct secret.
	_, err = s.Login(ctx, "boss", "s3cret", "1.2.3.4")
	require.ErrorIs(t, err, errs.ErrRateLimited)

	// Another IP is unaffected.
	tok, err := s.Login(ctx, "boss", "s3cret", "5.6.7.8")
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)
}

func TestParseToken_Expired(t *testing.T) {
	s := newTestService(t, -time.Minute)

	tok, err := s.Login(context.Background(), "till", "s3cret", "1.2.3.4")
	require.NoError(t, err)

	_, err = s.ParseToken(tok.AccessToken)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestParseToken_WrongKey(t *testing.T) {
	s := newTestService(t, time.Hour)
	tok, err := s.Login(context.Background(), "till", "s3cret", "1.2.3.4")
	require.NoError(t, err)

	other := newTestService(t, time.Hour)
	other.signKey = []byte("different-key")
	_, err = other.ParseToken(tok.AccessToken)
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = s.ParseToken("not-a-token")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}
