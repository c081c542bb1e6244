package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

const secret = "0123456789abcdef0123456789abcdef"

func newAuth() *Authenticator {
	return NewAuthenticator(AuthOptions{
		Enabled:   true,
		JWTSecret: secret,
		Issuer:    "controlplane",
		APIKeys:   []APIKey{{Name: "ops-bot", Key: "k-123", Role: domain.RoleQuant}},
	})
}

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := domain.CallerFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Write([]byte(c.ID + "|" + string(c.Role)))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAuthAcceptsIssuedToken(t *testing.T) {
	a := newAuth()
	token, err := a.Issue("u-1", "alice", domain.RoleAdmin, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(Auth(a, nil)(echoCaller()), req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u-1|ADMIN", rec.Body.String())
}

func TestAuthRejectsBadTokens(t *testing.T) {
	a := newAuth()
	sign := func(c Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    "controlplane",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	otherIssuer := valid
	otherIssuer.Issuer = "someone-else"

	tests := map[string]string{
		"expired":      sign(Claims{Role: domain.RoleAdmin, RegisteredClaims: expired}, jwt.SigningMethodHS256, []byte(secret)),
		"wrong issuer": sign(Claims{Role: domain.RoleAdmin, RegisteredClaims: otherIssuer}, jwt.SigningMethodHS256, []byte(secret)),
		"wrong key":    sign(Claims{Role: domain.RoleAdmin, RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx")),
		"wrong alg":    sign(Claims{Role: domain.RoleAdmin, RegisteredClaims: valid}, jwt.SigningMethodHS512, []byte(secret)),
		"unknown role": sign(Claims{Role: "ROOT", RegisteredClaims: valid}, jwt.SigningMethodHS256, []byte(secret)),
		"garbage":      "not.a.token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rec := serve(Auth(a, nil)(echoCaller()), req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuthAPIKeyAndPublicRoutes(t *testing.T) {
	a := newAuth()
	public := func(r *http.Request) bool { return r.URL.Path == "/api/health" }
	h := Auth(a, public)(echoCaller())

	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-API-Key", "k-123")
	rec := serve(h, req)
	assert.Equal(t, "apikey:ops-bot|QUANT", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-API-Key", "nope")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)

	assert.Equal(t, http.StatusUnauthorized, serve(h, httptest.NewRequest(http.MethodGet, "/api/orders", nil)).Code)
	assert.Equal(t, http.StatusTeapot, serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil)).Code)
}

func TestAuthWebsocketQueryToken(t *testing.T) {
	a := newAuth()
	token, err := a.Issue("u-2", "", domain.RoleViewer, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	assert.Equal(t, http.StatusUnauthorized, serve(Auth(a, nil)(echoCaller()), req).Code)

	req.Header.Set("Upgrade", "websocket")
	rec := serve(Auth(a, nil)(echoCaller()), req)
	assert.Equal(t, "u-2|VIEWER", rec.Body.String())
}

func TestAuthDisabledUsesDevRole(t *testing.T) {
	a := NewAuthenticator(AuthOptions{DevRole: domain.RoleViewer})
	rec := serve(Auth(a, nil)(echoCaller()), httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, "dev|VIEWER", rec.Body.String())
}

type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allowed, s.err
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	deny := &stubLimiter{}
	req := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := serve(RateLimit(deny, 10, 30*time.Second, logger)(ok), req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"ratelimit:api:203.0.113.7"}, deny.keys)

	broken := &stubLimiter{err: errors.New("redis down")}
	rec = serve(RateLimit(broken, 10, time.Second, logger)(ok), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLoggingSetsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(h, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(h, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
