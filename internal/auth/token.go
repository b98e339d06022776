// Package auth issues and verifies the bearer tokens peers present to each
// other. Tokens are HS256 JWTs signed with the fleet's shared secret.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every casmesh token.
const Issuer = "casmesh"

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 15 * time.Minute

// refreshBefore is how long before expiry a cached token is replaced.
const refreshBefore = time.Minute

var (
	// ErrNoSecret is returned when a Signer is built without a secret.
	ErrNoSecret = errors.New("auth: shared secret is empty")
	// ErrInvalidToken is returned for tokens that fail verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims identify the machine that issued a token.
type Claims struct {
	jwt.RegisteredClaims
	// Machine is the advertised location of the calling node.
	Machine string `json:"machine"`
}

// Signer issues and verifies tokens with a shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer. A zero ttl means DefaultTTL.
func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for machine and its expiry.
func (s *Signer) Issue(machine string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   machine,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Machine: machine,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

// Verify parses and validates a token.
func (s *Signer) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// TokenSource returns a function that supplies a valid token for machine,
// reusing the cached token until it is about to expire. It matches the
// Token option of the copier and registry clients.
func (s *Signer) TokenSource(machine string) func() (string, error) {
	var (
		mu     sync.Mutex
		cached string
		exp    time.Time
	)
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if cached != "" && s.now().Add(refreshBefore).Before(exp) {
			return cached, nil
		}
		token, e, err := s.Issue(machine)
		if err != nil {
			return "", err
		}
		cached, exp = token, e
		return cached, nil
	}
}

// Middleware rejects requests without a valid bearer token.
func (s *Signer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		if _, err := s.Verify(parts[1]); err != nil {
			jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   http.StatusText(code),
		"code":    code,
		"message": message,
	})
}
