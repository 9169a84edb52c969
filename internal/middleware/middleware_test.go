package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iyunix/go-smilin/internal/domain"
	"github.com/iyunix/go-smilin/internal/ratelimit"
	"github.com/iyunix/go-smilin/internal/services"
	"github.com/iyunix/go-smilin/internal/services/identity"
)

type staticValidator map[string]domain.UserID

func (v staticValidator) ValidateToken(token string) (domain.UserID, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

func whoAmI(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.UserIDFromContext(r.Context())
	_, _ = w.Write([]byte(id))
}

func TestJWTMiddlewareTokenSources(t *testing.T) {
	h := NewJWTMiddleware(staticValidator{"good": "u1"}, &services.NoOpLogger{})(http.HandlerFunc(whoAmI))

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "good"}) }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = TokenQueryParam + "=good" }, http.StatusOK},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"invalid", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			tc.setup(r)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.status == http.StatusOK && rec.Body.String() != "u1" {
				t.Fatalf("expected u1 in context, got %q", rec.Body.String())
			}
		})
	}
}

func TestInvalidCookieIsCleared(t *testing.T) {
	h := NewJWTMiddleware(staticValidator{}, &services.NoOpLogger{})(http.HandlerFunc(whoAmI))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: AuthCookieName, Value: "stale"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AuthCookieName || cookies[0].MaxAge >= 0 {
		t.Fatalf("expected the auth cookie to be cleared, got %+v", cookies)
	}
}

func TestRecoverPanic(t *testing.T) {
	h := RecoverPanic(&services.NoOpLogger{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryRateLimiter(&ratelimit.Config{WindowSize: time.Minute, MaxAttempts: 2, CleanupPeriod: time.Minute, BanDuration: time.Minute})
	defer limiter.Close()
	logger := &services.NoOpLogger{}
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	fail := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })

	failing := RateLimitMiddleware(limiter, "login", logger)(AuthSuccessMiddleware(limiter, "login", logger)(fail))
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		failing.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	failing.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/login", nil))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}

	other := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	other.RemoteAddr = "198.51.100.4:1234"
	succeeding := RateLimitMiddleware(limiter, "login", logger)(AuthSuccessMiddleware(limiter, "login", logger)(ok))
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		succeeding.ServeHTTP(rec, other)
		if rec.Code != http.StatusOK {
			t.Fatalf("successful logins should not accumulate, attempt %d got %d", i+1, rec.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.test"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest(http.MethodOptions, "/api/users", nil)
	r.Header.Set("Origin", "https://app.test")
	r.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.test" {
		t.Fatalf("unexpected preflight response %d %v", rec.Code, rec.Header())
	}

	r = httptest.NewRequest(http.MethodGet, "/api/users", nil)
	r.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" || rec.Code != http.StatusTeapot {
		t.Fatalf("unknown origins get no CORS headers")
	}

	if !OriginAllowed([]string{"https://app.test"}, "") || OriginAllowed([]string{"https://app.test"}, "https://evil.test") {
		t.Fatalf("unexpected OriginAllowed result")
	}
}

func TestLoggingMiddlewareCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	var seen int
	h := LoggingMiddleware(&services.NoOpLogger{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		seen = w.(*responseWriter).statusCode
	}))
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen != http.StatusAccepted || rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 captured, got %d/%d", seen, rec.Code)
	}
}
