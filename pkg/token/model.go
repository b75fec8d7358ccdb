package token

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusUnknown Status = "unknown"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	// StatusFailed only appears on the subscriber feed: a rotation failed and
	// the session is over.
	StatusFailed Status = "failed"
)

// ParseStatus maps a stamped header value to a Status. Anything unexpected is unknown.
func ParseStatus(s string) Status {
	switch st := Status(s); st {
	case StatusActive, StatusExpired:
		return st
	default:
		return StatusUnknown
	}
}

// Ended reports whether the status means the credentials are gone.
func (s Status) Ended() bool {
	return s == StatusExpired || s == StatusFailed
}

type Pair struct {
	AccessToken  string
	RefreshToken string
}

type Event struct {
	Status            Status
	AccessTokenExpiry time.Time
	Err               error
}

type Handler func(Event)

type state struct {
	mu            sync.RWMutex
	pair          Pair
	expiry        time.Time
	announced     time.Time
	status        Status
	epoch         uint64
	handlers      map[uint64]Handler
	nextHandlerID uint64
	timer         clockwork.Timer
	timerGen      uint64
}

var signatureAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.ES256, jose.EdDSA,
}

var ErrNoExpiry = errors.New("token carries no expiry")

// ExpiryOf reads the exp claim of a signed token without verifying it. The
// client only uses it for scheduling; the server remains the authority.
func ExpiryOf(raw string) (time.Time, error) {
	tok, err := jwt.ParseSigned(raw, signatureAlgorithms)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}

	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, fmt.Errorf("reading claims: %w", err)
	}
	if claims.Expiry == nil {
		return time.Time{}, ErrNoExpiry
	}

	return claims.Expiry.Time(), nil
}
