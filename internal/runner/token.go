// ABOUTME: Short-lived HS256 bearer tokens for calls to the agent gateway
// ABOUTME: Tokens are cached until shortly before expiry and re-signed on demand

package runner

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// DefaultTokenTTL is the lifetime of a signed token when none is configured.
const DefaultTokenTTL = 5 * time.Minute

// refreshSkew re-signs tokens this long before they expire.
const refreshSkew = 30 * time.Second

// TokenSource signs bearer tokens for one subject.
type TokenSource struct {
	secret  []byte
	subject string
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewTokenSource creates a TokenSource. An empty secret yields empty tokens,
// which disables the Authorization header.
func NewTokenSource(secret []byte, subject string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSource{secret: secret, subject: subject, ttl: ttl, now: time.Now}
}

// Token returns a valid token, signing a new one when the cached one is near expiry.
func (s *TokenSource) Token() (string, error) {
	if len(s.secret) == 0 {
		return "", nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cached != "" && now.Add(refreshSkew).Before(s.expires) {
		return s.cached, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub": s.subject,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	s.cached = signed
	s.expires = expires
	return signed, nil
}

// VerifyToken validates an HS256 token and returns its subject.
func VerifyToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return sub, nil
}
