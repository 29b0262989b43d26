// Package identity verifies bearer tokens issued by the identity provider
// and resolves them to ledger users. A token carries an email or a phone
// number; whichever is present becomes the user's lookup key.
package identity

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidToken rejects tokens that fail signature or claim checks.
var ErrInvalidToken = errors.New("identity: invalid token")

// devSecret signs nothing in production; it keeps local setups working when
// no identity secret is configured.
const devSecret = "companiond-dev-identity"

// Claims are the token claims the platform reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 identity tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier. An empty secret falls back to a fixed dev
// secret with a startup warning.
func NewVerifier(secret string) *Verifier {
	if secret == "" {
		log.Warn("identity: no secret configured, using built-in dev secret")
		secret = devSecret
	}
	return &Verifier{secret: []byte(secret)}
}

// Parse validates the token and returns its claims. Tokens without an email
// or phone claim are rejected; there would be no user to resolve.
func (v *Verifier) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, errParse := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if errParse != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims.Email = strings.TrimSpace(strings.ToLower(claims.Email))
	claims.Phone = strings.TrimSpace(claims.Phone)
	if claims.Email == "" && claims.Phone == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
