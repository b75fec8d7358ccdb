package csrf

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultTTL is how long a minted token verifies.
	DefaultTTL = 30 * time.Minute
	// RenewInterval is how often holders reissue, leaving a margin before DefaultTTL.
	RenewInterval = 25 * time.Minute

	minSecretLength = 32
	nonceSize       = 16 // 128-bit nonce
	keyLength       = 32
	maxClockSkew    = time.Minute

	envelopeName = "csrf"
)

var ErrSecretTooShort = fmt.Errorf("csrf secret too short (need >=%d bytes)", minSecretLength)

type envelope struct {
	SessionIdentity string `json:"sid"`
	Timestamp       int64  `json:"ts"`
	Nonce           []byte `json:"nonce"`
}

// Service mints and verifies anti-forgery tokens. It keeps no state between
// calls; a token is rejected only by decryption, identity or age checks.
type Service struct {
	codec *securecookie.SecureCookie
	clock clockwork.Clock
	ttl   time.Duration
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService derives the signing and encryption keys from secret.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < minSecretLength {
		return nil, ErrSecretTooShort
	}

	hashKey, err := deriveKey(secret, "session-guard csrf hash key")
	if err != nil {
		return nil, err
	}
	blockKey, err := deriveKey(secret, "session-guard csrf block key")
	if err != nil {
		return nil, err
	}

	codec := securecookie.New(hashKey, blockKey).
		MaxAge(0). // age is checked against the embedded timestamp
		SetSerializer(securecookie.JSONEncoder{})

	s := &Service{
		codec: codec,
		clock: clockwork.NewRealClock(),
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// Mint returns a new encrypted token bound to sessionIdentity.
func (s *Service) Mint(sessionIdentity string) (string, error) {
	if sessionIdentity == "" {
		return "", errors.New("session identity is empty")
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("reading nonce: %w", err)
	}

	token, err := s.codec.Encode(envelopeName, envelope{
		SessionIdentity: sessionIdentity,
		Timestamp:       s.clock.Now().UnixMilli(),
		Nonce:           nonce,
	})
	if err != nil {
		return "", fmt.Errorf("encoding csrf token: %w", err)
	}

	return token, nil
}

// Verify reports whether token was minted by this service for sessionIdentity
// no longer than the TTL ago. A token exactly TTL old still verifies.
func (s *Service) Verify(token, sessionIdentity string) bool {
	if token == "" || sessionIdentity == "" {
		return false
	}

	var env envelope
	if err := s.codec.Decode(envelopeName, token, &env); err != nil {
		return false
	}
	if len(env.Nonce) != nonceSize {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(env.SessionIdentity), []byte(sessionIdentity)) != 1 {
		return false
	}

	age := s.clock.Now().Sub(time.UnixMilli(env.Timestamp))
	if age < -maxClockSkew {
		return false
	}

	return age <= s.ttl
}

// ExpiresAt returns when a token minted now stops verifying.
func (s *Service) ExpiresAt() time.Time {
	return s.clock.Now().Add(s.ttl)
}

// DeriveSessionIdentity hashes the requester attributes into the value a token
// is bound to. The same inputs always give the same identity.
func DeriveSessionIdentity(userID, userAgent, sourceAddress string) string {
	h := sha256.New()
	for _, part := range []string{userID, userAgent, sourceAddress} {
		_, _ = fmt.Fprintf(h, "%d!%s!", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
