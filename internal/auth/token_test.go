package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T, secret string) (*Signer, *time.Time) {
	t.Helper()
	s, err := NewSigner(secret, 10*time.Minute)
	require.NoError(t, err)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestNewSigner_RequiresSecret(t *testing.T) {
	_, err := NewSigner("", 0)
	assert.ErrorIs(t, err, ErrNoSecret)

	s, err := NewSigner("secret", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, s.ttl)
}

func TestIssueAndVerify(t *testing.T) {
	s, now := newTestSigner(t, "fleet-secret")

	token, exp, err := s.Issue("http://node-a:7420")
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), exp)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "http://node-a:7420", claims.Machine)
	assert.Equal(t, "http://node-a:7420", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)
}

func TestVerify_Rejects(t *testing.T) {
	s, now := newTestSigner(t, "fleet-secret")
	other, _ := newTestSigner(t, "other-secret")

	foreign, _, err := other.Issue("node-b")
	require.NoError(t, err)
	_, err = s.Verify(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, _, err := s.Issue("node-a")
	require.NoError(t, err)
	*now = now.Add(11 * time.Minute)
	_, err = s.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Verify("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	s, now := newTestSigner(t, "fleet-secret")

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		Machine: "node-a",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("fleet-secret"))
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenSource_CachesUntilNearExpiry(t *testing.T) {
	s, now := newTestSigner(t, "fleet-secret")
	source := s.TokenSource("node-a")

	first, err := source()
	require.NoError(t, err)

	*now = now.Add(5 * time.Minute)
	second, err := source()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Within a minute of expiry a new token is issued.
	*now = now.Add(4*time.Minute + 30*time.Second)
	third, err := source()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	_, err = s.Verify(third)
	assert.NoError(t, err)
}

func TestMiddleware(t *testing.T) {
	s, _ := newTestSigner(t, "fleet-secret")
	token, _, err := s.Issue("node-a")
	require.NoError(t, err)

	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "Bearer garbage", http.StatusUnauthorized},
		{"valid token", "Bearer " + token, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			}
		})
	}
}
