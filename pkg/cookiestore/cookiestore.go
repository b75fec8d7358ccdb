// Package cookiestore is the only place that knows how credentials and
// identity values are represented as cookies.
package cookiestore

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/openkcm/session-guard/internal/config"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	UsernameCookie     = "username"
	LevelCookie        = "level"

	AccessTokenMaxAge  = 15 * time.Minute
	RefreshTokenMaxAge = 7 * 24 * time.Hour
	IdentityMaxAge     = 7 * time.Hour

	minSigningKeyLength = 32
)

var (
	ErrNoCredentials      = errors.New("no credential cookies")
	ErrNoIdentity         = errors.New("no identity cookies")
	ErrSigningKeyTooShort = fmt.Errorf("cookie signing key too short (need >=%d bytes)", minSigningKeyLength)
)

// Identity mirrors display claims of the current user. It never authorises anything.
type Identity struct {
	Username string
	Level    string
}

type Store struct {
	access   config.CookieTemplate
	refresh  config.CookieTemplate
	username config.CookieTemplate
	level    config.CookieTemplate

	codec *securecookie.SecureCookie
}

// New derives the four cookie templates from base. Credential cookies are
// always HttpOnly and strict; identity cookies stay readable by scripts.
func New(base config.CookieTemplate, signingKey []byte) (*Store, error) {
	if len(signingKey) < minSigningKeyLength {
		return nil, ErrSigningKeyTooShort
	}

	credential := base
	credential.HTTPOnly = true
	credential.SameSite = config.CookieSameSiteStrict

	display := base
	display.HTTPOnly = false

	codec := securecookie.New(signingKey, nil).
		MaxAge(int(IdentityMaxAge / time.Second))

	return &Store{
		access:   credential.WithName(AccessTokenCookie, AccessTokenMaxAge),
		refresh:  credential.WithName(RefreshTokenCookie, RefreshTokenMaxAge),
		username: display.WithName(UsernameCookie, IdentityMaxAge),
		level:    display.WithName(LevelCookie, IdentityMaxAge),
		codec:    codec,
	}, nil
}

func (s *Store) SetCredentials(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, s.access.ToCookie(accessToken))
	http.SetCookie(w, s.refresh.ToCookie(refreshToken))
}

// Credentials returns the raw tokens carried by r. A missing access token is
// not an error as long as a refresh token is present.
func (s *Store) Credentials(r *http.Request) (accessToken, refreshToken string, err error) {
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		accessToken = c.Value
	}
	if c, err := r.Cookie(RefreshTokenCookie); err == nil {
		refreshToken = c.Value
	}
	if accessToken == "" && refreshToken == "" {
		return "", "", ErrNoCredentials
	}
	return accessToken, refreshToken, nil
}

func (s *Store) SetIdentity(w http.ResponseWriter, id Identity) error {
	username, err := s.codec.Encode(UsernameCookie, id.Username)
	if err != nil {
		return fmt.Errorf("signing username cookie: %w", err)
	}
	level, err := s.codec.Encode(LevelCookie, id.Level)
	if err != nil {
		return fmt.Errorf("signing level cookie: %w", err)
	}

	http.SetCookie(w, s.username.ToCookie(username))
	http.SetCookie(w, s.level.ToCookie(level))
	return nil
}

func (s *Store) Identity(r *http.Request) (Identity, error) {
	var id Identity
	if err := s.decode(r, UsernameCookie, &id.Username); err != nil {
		return Identity{}, err
	}
	if err := s.decode(r, LevelCookie, &id.Level); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func (s *Store) decode(r *http.Request, name string, dst *string) error {
	c, err := r.Cookie(name)
	if err != nil {
		return ErrNoIdentity
	}
	if err := s.codec.Decode(name, c.Value, dst); err != nil {
		return fmt.Errorf("verifying %s cookie: %w", name, err)
	}
	return nil
}

// Clear instructs the client to drop every cookie this store manages.
func (s *Store) Clear(w http.ResponseWriter) {
	for _, tmpl := range []*config.CookieTemplate{&s.access, &s.refresh, &s.username, &s.level} {
		http.SetCookie(w, tmpl.ToExpiredCookie())
	}
}
