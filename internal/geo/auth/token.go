// Package auth signs and verifies the short lived tokens sites exchange. A
// token is an HS256 JWT naming the issuing site and the path it is valid
// for.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned for tokens that are malformed or carry a
	// bad signature.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownIssuer is returned when the issuer is not a known site.
	ErrUnknownIssuer = errors.New("token issuer is not a known site")
	// ErrScopeMismatch is returned when the token is not valid for the path.
	ErrScopeMismatch = errors.New("token scope does not cover the requested path")
	// ErrTokenExpired is returned for tokens that are expired or too old.
	ErrTokenExpired = errors.New("token expired")
)

// Claims are the claims of a site token.
type Claims struct {
	// Scope is the path prefix the token grants access to.
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Covers reports whether scope grants access to path. A scope covers
// itself and every path below it.
func Covers(scope, path string) bool {
	if scope == "" {
		return false
	}
	if scope == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(scope, "/")+"/")
}

// Signer issues tokens on behalf of the local site.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a Signer issuing tokens valid for ttl.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Sign returns a signed token for scope.
func (s *Signer) Sign(scope string) (string, error) {
	now := s.now()
	claims := Claims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.New().String(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verifier checks tokens issued by other sites.
type Verifier struct {
	secret      []byte
	knownIssuer func(string) bool
	maxAge      time.Duration
	skew        time.Duration
	now         func() time.Time
	parser      *jwt.Parser
}

// NewVerifier returns a Verifier accepting tokens of issuers knownIssuer
// approves that were issued at most maxAge ago. skew is tolerated on both
// time checks.
func NewVerifier(secret string, knownIssuer func(string) bool, maxAge, skew time.Duration) *Verifier {
	return &Verifier{
		secret:      []byte(secret),
		knownIssuer: knownIssuer,
		maxAge:      maxAge,
		skew:        skew,
		now:         time.Now,
		// Time claims are checked below with the configured leeway.
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
}

// Verify returns the claims of token if it is valid for path.
func (v *Verifier) Verify(token, path string) (*Claims, error) {
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !v.knownIssuer(claims.Issuer) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, claims.Issuer)
	}

	if !Covers(claims.Scope, path) {
		return nil, fmt.Errorf("%w: %q", ErrScopeMismatch, path)
	}

	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing time claims", ErrInvalidToken)
	}

	now := v.now()
	switch {
	case now.After(claims.ExpiresAt.Add(v.skew)):
		return nil, ErrTokenExpired
	case claims.IssuedAt.After(now.Add(v.skew)):
		return nil, fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	case now.Sub(claims.IssuedAt.Time) > v.maxAge+v.skew:
		return nil, ErrTokenExpired
	}

	return claims, nil
}
