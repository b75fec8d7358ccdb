// Package authority issues and rotates token pairs.
//
// Refresh tokens are single use. Presenting one a second time is taken as
// theft: the whole rotation family is revoked and every token of it stops
// being honoured.
package authority

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/token"
)

const (
	useAccess  = "access"
	useRefresh = "refresh"

	minSecretLength = 32
)

// dummyHash keeps the time spent on unknown users close to that of known ones.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("session-guard"), bcrypt.DefaultCost)

var ErrSecretTooShort = fmt.Errorf("signing secret too short (need >=%d bytes)", minSecretLength)

// Repository remembers consumed refresh tokens and revoked families.
type Repository interface {
	// Consume marks the refresh token id as used. It reports false if the id
	// was consumed before.
	Consume(ctx context.Context, id string, ttl time.Duration) (bool, error)
	RevokeFamily(ctx context.Context, sessionID string, ttl time.Duration) error
	IsFamilyRevoked(ctx context.Context, sessionID string) (bool, error)
}

type Claims struct {
	jwt.RegisteredClaims
	Use       string `json:"token_use"`
	SessionID string `json:"sid"`
	Level     string `json:"lvl,omitempty"`
}

// Principal is who an access token was issued to.
type Principal struct {
	Subject   string
	Level     string
	SessionID string
	Expiry    time.Time
}

// Issued is the outcome of a login or a rotation.
type Issued struct {
	Pair token.Pair
	Principal
}

type Option func(*Authority)

func WithClock(clock clockwork.Clock) Option {
	return func(a *Authority) { a.clock = clock }
}

type Authority struct {
	repo       Repository
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	users      map[string]config.User
	clock      clockwork.Clock
	parser     *jwt.Parser
}

func New(cfg config.Authority, repo Repository, opts ...Option) (*Authority, error) {
	if len(cfg.SigningSecretParsed) < minSecretLength {
		return nil, ErrSecretTooShort
	}

	a := &Authority{
		repo:       repo,
		secret:     cfg.SigningSecretParsed,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		users:      make(map[string]config.User, len(cfg.Users)),
		clock:      clockwork.NewRealClock(),
	}
	for _, u := range cfg.Users {
		a.users[u.Username] = u
	}
	for _, opt := range opts {
		opt(a)
	}

	a.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.clock.Now),
	)

	return a, nil
}

// CreateSecureCookieOptions returns the base template for credential cookies.
func CreateSecureCookieOptions(isProduction bool) config.CookieTemplate {
	return config.CookieTemplate{
		Path:     "/",
		Secure:   isProduction,
		HTTPOnly: true,
		SameSite: config.CookieSameSiteStrict,
	}
}

// Authenticate checks a username and password against the configured users.
func (a *Authority) Authenticate(ctx context.Context, username, password string) (Principal, error) {
	user, ok := a.users[username]
	hash := dummyHash
	if ok {
		hash = []byte(user.PasswordHash)
	}

	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !ok {
		slogctx.Info(ctx, "Rejected login", "username", username)
		return Principal{}, serviceerr.ErrAccessDenied
	}

	return Principal{Subject: user.Username, Level: user.Level}, nil
}

// Issue starts a new rotation family for p.
func (a *Authority) Issue(ctx context.Context, p Principal) (Issued, error) {
	p.SessionID = uuid.NewString()
	issued, err := a.issue(p)
	if err != nil {
		return Issued{}, err
	}

	slogctx.Info(ctx, "Issued token pair", "subject", p.Subject, "sessionID", p.SessionID)
	return issued, nil
}

// Rotate exchanges a refresh token for a new pair of the same family.
func (a *Authority) Rotate(ctx context.Context, refreshToken string) (Issued, error) {
	claims, err := a.parse(refreshToken, useRefresh)
	if err != nil {
		return Issued{}, err
	}
	ctx = slogctx.With(ctx, "subject", claims.Subject, "sessionID", claims.SessionID)

	revoked, err := a.repo.IsFamilyRevoked(ctx, claims.SessionID)
	if err != nil {
		return Issued{}, fmt.Errorf("checking token family: %w", err)
	}
	if revoked {
		slogctx.Info(ctx, "Refresh token of a revoked family presented")
		return Issued{}, serviceerr.ErrInvalidOrExpiredToken
	}

	fresh, err := a.repo.Consume(ctx, claims.ID, a.remaining(claims))
	if err != nil {
		return Issued{}, fmt.Errorf("consuming refresh token: %w", err)
	}
	if !fresh {
		slogctx.Warn(ctx, "Refresh token replayed, revoking the family", "jti", claims.ID)
		if err := a.repo.RevokeFamily(ctx, claims.SessionID, a.refreshTTL); err != nil {
			return Issued{}, fmt.Errorf("revoking token family: %w", err)
		}
		return Issued{}, serviceerr.ErrReplayedRefreshToken
	}

	issued, err := a.issue(Principal{
		Subject:   claims.Subject,
		Level:     claims.Level,
		SessionID: claims.SessionID,
	})
	if err != nil {
		return Issued{}, err
	}

	slogctx.Debug(ctx, "Rotated token pair")
	return issued, nil
}

// ValidateAccess verifies an access token and that its family is still alive.
func (a *Authority) ValidateAccess(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := a.parse(accessToken, useAccess)
	if err != nil {
		return Principal{}, err
	}

	revoked, err := a.repo.IsFamilyRevoked(ctx, claims.SessionID)
	if err != nil {
		return Principal{}, fmt.Errorf("checking token family: %w", err)
	}
	if revoked {
		return Principal{}, serviceerr.ErrInvalidOrExpiredToken
	}

	return principalOf(claims), nil
}

// Revoke ends a rotation family. Tokens of it already handed out stop being
// honoured at once.
func (a *Authority) Revoke(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return serviceerr.ErrInvalidRequest
	}

	if err := a.repo.RevokeFamily(ctx, sessionID, a.refreshTTL); err != nil {
		return fmt.Errorf("revoking token family: %w", err)
	}

	slogctx.Info(ctx, "Revoked token family", "sessionID", sessionID)
	return nil
}

// SessionAlive reports whether the rotation family has not been revoked.
func (a *Authority) SessionAlive(ctx context.Context, sessionID string) (bool, error) {
	revoked, err := a.repo.IsFamilyRevoked(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("checking token family: %w", err)
	}
	return !revoked, nil
}

func (a *Authority) issue(p Principal) (Issued, error) {
	now := a.clock.Now()
	accessExpiry := now.Add(a.accessTTL)

	access, err := a.sign(useAccess, p, now, accessExpiry)
	if err != nil {
		return Issued{}, err
	}
	refresh, err := a.sign(useRefresh, p, now, now.Add(a.refreshTTL))
	if err != nil {
		return Issued{}, err
	}

	p.Expiry = time.Unix(accessExpiry.Unix(), 0)
	return Issued{
		Pair:      token.Pair{AccessToken: access, RefreshToken: refresh},
		Principal: p,
	}, nil
}

func (a *Authority) sign(use string, p Principal, now, expiry time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   p.Subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
		Use:       use,
		SessionID: p.SessionID,
		Level:     p.Level,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", use, err)
	}
	return signed, nil
}

func (a *Authority) parse(raw, use string) (*Claims, error) {
	if raw == "" {
		return nil, serviceerr.ErrInvalidOrExpiredToken
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Join(serviceerr.ErrInvalidOrExpiredToken, err)
	}
	if claims.Use != use || claims.ID == "" || claims.SessionID == "" {
		return nil, serviceerr.ErrInvalidOrExpiredToken
	}

	return claims, nil
}

func (a *Authority) remaining(c *Claims) time.Duration {
	return max(c.ExpiresAt.Sub(a.clock.Now()), time.Second)
}

func principalOf(c *Claims) Principal {
	return Principal{
		Subject:   c.Subject,
		Level:     c.Level,
		SessionID: c.SessionID,
		Expiry:    c.ExpiresAt.Time,
	}
}
