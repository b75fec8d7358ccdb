// Package tokentest signs throwaway tokens for tests.
package tokentest

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

var key = []byte("tokentest-signing-key-0123456789abcdef")

// Sign returns an HS256 token for subject expiring at exp.
func Sign(t testing.TB, subject string, exp time.Time) string {
	t.Helper()

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: key}, nil)
	if err != nil {
		t.Fatalf("creating signer: %v", err)
	}

	token, err := jwt.Signed(signer).Claims(jwt.Claims{
		Subject: subject,
		ID:      uuid.NewString(),
		Expiry:  jwt.NewNumericDate(exp),
	}).Serialize()
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	return token
}
