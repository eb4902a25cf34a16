package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/crypto"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"no token", "/api/prices", nil, http.StatusUnauthorized},
		{"wrong token", "/api/prices", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer", "/api/prices", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"api key", "/api/prices", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"public path", "/api/health", nil, http.StatusOK},
		{"ws query token", "/ws?token=secret", nil, http.StatusOK},
		{"query token elsewhere", "/api/prices?token=secret", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestAuth_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/buy", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://dash.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/buy", nil)
	req.Header.Set("Origin", "https://dash.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	req = httptest.NewRequest(http.MethodGet, "/api/prices", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogging_RequestID(t *testing.T) {
	var seen string
	h := Logging(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	lim := &stubLimiter{allow: false}
	h := RateLimit(lim, 10, time.Minute, discardLogger())(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/prices", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, []string{"ratelimit:api:203.0.113.7"}, lim.keys)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	h := RateLimit(&stubLimiter{err: errors.New("redis down")}, 10, time.Minute, discardLogger())(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/prices", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOperator(t *testing.T) {
	auth := &crypto.OperatorAuth{Secret: "ops"}
	now := time.Unix(1_700_000_000, 0)

	var gotBody string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	})
	h := operatorAt(auth, func() time.Time { return now })(next)

	signed := func(method, target, body string, ts int64) *http.Request {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		for k, v := range auth.HeadersAt(method, target, body, ts) {
			req.Header.Set(k, v)
		}
		return req
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signed(http.MethodPost, "/api/settlements/s-1/retry", `{"x":1}`, now.Unix()))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"x":1}`, gotBody, "body is replayed to the handler")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed(http.MethodGet, "/api/settlements/stranded?olderThan=5m", "", now.Unix()))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Stale timestamp.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed(http.MethodPost, "/api/settlements/s-1/retry", "", now.Add(-time.Hour).Unix()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Signed for a different settlement.
	req := signed(http.MethodPost, "/api/settlements/s-1/retry", "", now.Unix())
	req.URL.Path = "/api/settlements/s-2/retry"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/settlements/s-1/retry", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperator_Disabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Operator(nil)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/settlements/s/retry", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
