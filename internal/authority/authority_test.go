package authority_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkcm/session-guard/internal/authority"
	"github.com/openkcm/session-guard/internal/authority/authoritycache"
	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/token"
)

const signingSecret = "0123456789abcdef0123456789abcdef"

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newAuthority(t *testing.T) (*authority.Authority, *clockwork.FakeClock) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("wonderland"), bcrypt.MinCost)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(start)
	a, err := authority.New(config.Authority{
		Issuer:              "session-guard-test",
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		SigningSecretParsed: []byte(signingSecret),
		Users: []config.User{
			{Username: "alice", PasswordHash: string(hash), Level: "admin"},
		},
	}, authoritycache.NewRepository(), authority.WithClock(clock))
	require.NoError(t, err)

	return a, clock
}

func issue(t *testing.T, a *authority.Authority) authority.Issued {
	t.Helper()
	issued, err := a.Issue(t.Context(), authority.Principal{Subject: "alice", Level: "admin"})
	require.NoError(t, err)
	return issued
}

func TestNew_ShortSecret(t *testing.T) {
	_, err := authority.New(config.Authority{SigningSecretParsed: []byte("short")}, authoritycache.NewRepository())
	assert.ErrorIs(t, err, authority.ErrSecretTooShort)
}

func TestAuthority_Authenticate(t *testing.T) {
	a, _ := newAuthority(t)

	tests := []struct {
		name      string
		username  string
		password  string
		want      authority.Principal
		assertErr assert.ErrorAssertionFunc
	}{
		{
			name:      "valid credentials",
			username:  "alice",
			password:  "wonderland",
			want:      authority.Principal{Subject: "alice", Level: "admin"},
			assertErr: assert.NoError,
		},
		{
			name:     "wrong password",
			username: "alice",
			password: "looking-glass",
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrAccessDenied)
			},
		},
		{
			name:     "unknown user",
			username: "bob",
			password: "wonderland",
			assertErr: func(t assert.TestingT, err error, _ ...any) bool {
				return assert.ErrorIs(t, err, serviceerr.ErrAccessDenied)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := a.Authenticate(t.Context(), tc.username, tc.password)
			if !tc.assertErr(t, err) {
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAuthority_IssueAndValidate(t *testing.T) {
	a, _ := newAuthority(t)
	issued := issue(t, a)

	assert.NotEmpty(t, issued.SessionID)
	assert.True(t, start.Add(15*time.Minute).Equal(issued.Expiry))

	got, err := a.ValidateAccess(t.Context(), issued.Pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "admin", got.Level)
	assert.Equal(t, issued.SessionID, got.SessionID)
	assert.True(t, issued.Expiry.Equal(got.Expiry))

	// the client reads the same expiry without verifying
	exp, err := token.ExpiryOf(issued.Pair.AccessToken)
	require.NoError(t, err)
	assert.True(t, issued.Expiry.Equal(exp))
}

func TestAuthority_ValidateAccess_Rejects(t *testing.T) {
	a, clock := newAuthority(t)
	issued := issue(t, a)

	other, err := authority.New(config.Authority{
		Issuer:              "session-guard-test",
		AccessTokenTTL:      time.Minute,
		RefreshTokenTTL:     time.Hour,
		SigningSecretParsed: []byte("fedcba9876543210fedcba9876543210"),
	}, authoritycache.NewRepository(), authority.WithClock(clock))
	require.NoError(t, err)
	foreign := issue(t, other)

	for name, raw := range map[string]string{
		"empty":             "",
		"garbage":           "not.a.token",
		"refresh as access": issued.Pair.RefreshToken,
		"foreign signature": foreign.Pair.AccessToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.ValidateAccess(t.Context(), raw)
			assert.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)
		})
	}

	clock.Advance(15*time.Minute + time.Second)
	_, err = a.ValidateAccess(t.Context(), issued.Pair.AccessToken)
	assert.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)
}

func TestAuthority_Rotate(t *testing.T) {
	a, clock := newAuthority(t)
	issued := issue(t, a)

	clock.Advance(14 * time.Minute)
	rotated, err := a.Rotate(t.Context(), issued.Pair.RefreshToken)
	require.NoError(t, err)

	assert.Equal(t, issued.SessionID, rotated.SessionID)
	assert.Equal(t, "alice", rotated.Subject)
	assert.Equal(t, "admin", rotated.Level)
	assert.NotEqual(t, issued.Pair, rotated.Pair)
	assert.True(t, start.Add(29*time.Minute).Equal(rotated.Expiry))

	_, err = a.ValidateAccess(t.Context(), rotated.Pair.AccessToken)
	require.NoError(t, err)
}

func TestAuthority_Rotate_Replay(t *testing.T) {
	a, _ := newAuthority(t)
	issued := issue(t, a)

	rotated, err := a.Rotate(t.Context(), issued.Pair.RefreshToken)
	require.NoError(t, err)

	_, err = a.Rotate(t.Context(), issued.Pair.RefreshToken)
	require.ErrorIs(t, err, serviceerr.ErrReplayedRefreshToken)

	// the whole family is gone, including the pair minted before the replay
	_, err = a.Rotate(t.Context(), rotated.Pair.RefreshToken)
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)
	_, err = a.ValidateAccess(t.Context(), rotated.Pair.AccessToken)
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)

	// other families are untouched
	other := issue(t, a)
	_, err = a.Rotate(t.Context(), other.Pair.RefreshToken)
	require.NoError(t, err)
}

func TestAuthority_Rotate_Rejects(t *testing.T) {
	a, clock := newAuthority(t)
	issued := issue(t, a)

	_, err := a.Rotate(t.Context(), issued.Pair.AccessToken)
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)

	_, err = a.Rotate(t.Context(), "")
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)

	clock.Advance(7*24*time.Hour + time.Second)
	_, err = a.Rotate(t.Context(), issued.Pair.RefreshToken)
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)
}

func TestAuthority_Revoke(t *testing.T) {
	a, _ := newAuthority(t)
	issued := issue(t, a)

	alive, err := a.SessionAlive(t.Context(), issued.SessionID)
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, a.Revoke(t.Context(), issued.SessionID))

	alive, err = a.SessionAlive(t.Context(), issued.SessionID)
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = a.ValidateAccess(t.Context(), issued.Pair.AccessToken)
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)
	_, err = a.Rotate(t.Context(), issued.Pair.RefreshToken)
	require.ErrorIs(t, err, serviceerr.ErrInvalidOrExpiredToken)

	assert.ErrorIs(t, a.Revoke(t.Context(), ""), serviceerr.ErrInvalidRequest)
}

func TestCreateSecureCookieOptions(t *testing.T) {
	prod := authority.CreateSecureCookieOptions(true)
	assert.True(t, prod.Secure)
	assert.True(t, prod.HTTPOnly)
	assert.Equal(t, config.CookieSameSiteStrict, prod.SameSite)
	assert.Equal(t, "/", prod.Path)

	dev := authority.CreateSecureCookieOptions(false)
	assert.False(t, dev.Secure)
	assert.True(t, dev.HTTPOnly)
	assert.Equal(t, config.CookieSameSiteStrict, dev.SameSite)
}
