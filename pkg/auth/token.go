package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of tokens minted without an explicit ttl.
const DefaultTokenTTL = 24 * time.Hour

var (
	ErrTokenMissing = errors.New("Missing authentication token")
	ErrTokenInvalid = errors.New("Invalid token")
	ErrTokenExpired = errors.New("Token expired")
	ErrNoSecret     = errors.New("auth: signing secret is empty")
)

// Claims is the caller token payload. Subject carries the identity.
type Claims struct {
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

var nowFunc = func() time.Time { return time.Now().UTC() }

// IssueToken mints an HS256 token for sub with the given groups.
func IssueToken(secret, sub string, groups []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return "", errors.New("auth: subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := nowFunc()
	claims := Claims{
		Groups: append([]string(nil), groups...),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks signature, algorithm and expiry. The returned error is
// always one of ErrTokenMissing, ErrTokenInvalid, ErrTokenExpired or ErrNoSecret.
func VerifyToken(secret, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrTokenMissing
	}
	if secret == "" {
		return Claims{}, ErrNoSecret
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(nowFunc),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrTokenExpired
	default:
		return Claims{}, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrTokenInvalid
	}
	return claims, nil
}
