// Package auth validates bearer credentials and decides whether a request may
// invoke an action requiring a given permission code.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenLogPrefix = "auth:token"

// Claims are the token claims the gateway understands.
type Claims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
	// RefreshToken is present only on refresh credentials; its value is ignored.
	RefreshToken json.RawMessage `json:"refresh_token,omitempty"`
}

// IsRefresh reports whether the credential is a refresh credential.
func (c *Claims) IsRefresh() bool {
	return len(c.RefreshToken) > 0
}

// Verifier decodes and verifies a credential.
type Verifier interface {
	Verify(token string) (*Claims, error)
}

// TokenService signs and verifies HMAC-SHA256 tokens.
type TokenService struct {
	key    []byte
	issuer string
	now    func() time.Time
}

// NewTokenService creates a TokenService. The secret must not be empty.
func NewTokenService(secret, issuer string) (*TokenService, error) {
	if secret == "" {
		return nil, fmt.Errorf("%s - signing secret is empty", tokenLogPrefix)
	}
	return &TokenService{key: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// IssueAccess signs an access credential for subject carrying group memberships.
func (s *TokenService) IssueAccess(subject string, groups []string, ttl time.Duration) (string, error) {
	return s.sign(s.claims(subject, ttl, groups, nil))
}

// IssueRefresh signs a refresh credential for subject.
func (s *TokenService) IssueRefresh(subject string, ttl time.Duration) (string, error) {
	return s.sign(s.claims(subject, ttl, nil, json.RawMessage("true")))
}

func (s *TokenService) claims(subject string, ttl time.Duration, groups []string, refresh json.RawMessage) *Claims {
	now := s.now().UTC()
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Groups:       groups,
		RefreshToken: refresh,
	}
}

func (s *TokenService) sign(c *Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("%s - failed to sign token: %w", tokenLogPrefix, err)
	}
	return signed, nil
}

// Verify parses the token, checks its signature, expiry and issuer.
func (s *TokenService) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// isRejection reports whether err is one of the expected credential failures
// (bad signature, malformed, expired, wrong issuer) as opposed to a fault.
func isRejection(err error) bool {
	for _, target := range []error{
		jwt.ErrTokenMalformed,
		jwt.ErrTokenSignatureInvalid,
		jwt.ErrTokenUnverifiable,
		jwt.ErrTokenExpired,
		jwt.ErrTokenNotValidYet,
		jwt.ErrTokenUsedBeforeIssued,
		jwt.ErrTokenInvalidIssuer,
		jwt.ErrTokenInvalidClaims,
		jwt.ErrTokenRequiredClaimMissing,
		jwt.ErrSignatureInvalid,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
