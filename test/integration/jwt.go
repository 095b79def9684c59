package integration

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "crm"
	testAudience = "flowline"
)

// tokenIssuer mints HS256 service tokens for integration tests.
type tokenIssuer struct {
	t      *testing.T
	secret []byte
}

func newTokenIssuer(t *testing.T, secret []byte) *tokenIssuer {
	t.Helper()
	return &tokenIssuer{t: t, secret: secret}
}

// GenerateToken creates a valid service token.
func (i *tokenIssuer) GenerateToken() string {
	return i.sign(time.Now().Add(time.Hour))
}

// GenerateExpiredToken creates a token that expired an hour ago.
func (i *tokenIssuer) GenerateExpiredToken() string {
	return i.sign(time.Now().Add(-time.Hour))
}

func (i *tokenIssuer) sign(exp time.Time) string {
	i.t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "crm-service",
		"exp": exp.Unix(),
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		i.t.Fatalf("sign token: %v", err)
	}
	return signed
}
