// ABOUTME: Pairing token issue and validation for the gateway
// ABOUTME: Uses HS256 signing with a shared secret and a single fixed subject

package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PairingSubject is the only subject claim the gateway ever issues or
// accepts. Pairing is single-tenant: the token proves the holder received
// it from this host, not who they are.
const PairingSubject = "periscope-remote-user"

// Token errors
var (
	ErrTokenMalformed  = errors.New("token malformed")
	ErrTokenExpired    = errors.New("token expired")
	ErrSubjectMismatch = errors.New("token subject not recognized")
)

// TokenService issues and validates short-lived pairing tokens. It is
// stateless; expiry is the only invalidation (no revocation list).
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service signing with the given secret.
// Tokens expire ttl after issue.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	return &TokenService{secret: secret, ttl: ttl}
}

// TTL returns the configured token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue creates a fresh pairing token expiring TTL from now.
func (s *TokenService) Issue() (string, error) {
	return s.signClaims(PairingSubject, s.ttl)
}

// signClaims builds and signs a token. Split out so tests can mint tokens
// with foreign subjects or past expirations.
func (s *TokenService) signClaims(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate checks signature, expiry, and subject, returning the subject on
// success. Failures map to ErrTokenExpired, ErrSubjectMismatch, or
// ErrTokenMalformed (anything structural, including wrong secret or a
// non-HMAC signing algorithm).
func (s *TokenService) Validate(tokenString string) (subject string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256; rejecting other method
		// families here closes the algorithm-confusion hole.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if !token.Valid {
		return "", ErrTokenMalformed
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrTokenMalformed
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrTokenMalformed)
	}

	if sub != PairingSubject {
		return "", fmt.Errorf("%w: %q", ErrSubjectMismatch, sub)
	}

	return sub, nil
}

// GenerateSecret returns a random base64 secret suitable for signing when
// no secret is configured. Tokens signed with it die with the process.
func GenerateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating token secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}
