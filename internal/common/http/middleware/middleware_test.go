package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execbox/internal/common/http/middleware"
	pkgerrors "execbox/pkg/errors"
	"execbox/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func signToken(t *testing.T, secret, subject, issuer string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": subject, "iss": issuer, "exp": exp.Unix(), "role": "user"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token failed: %v", err)
	}
	return token
}

func newAuthRouter(auth *middleware.Authenticator) *gin.Engine {
	r := gin.New()
	r.Use(middleware.TraceContextMiddleware(), middleware.AuthMiddleware(auth))
	r.GET("/who", func(c *gin.Context) {
		user, _ := c.Request.Context().Value(contextkey.UserID).(string)
		c.String(http.StatusOK, user)
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	auth := middleware.NewAuthenticator("s3cret", "execbox")
	r := newAuthRouter(auth)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantCode   int
	}{
		{name: "missing token", header: "", wantStatus: http.StatusUnauthorized, wantCode: 11004},
		{name: "wrong scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized, wantCode: 11004},
		{name: "expired", header: "Bearer " + signToken(t, "s3cret", "u1", "execbox", time.Now().Add(-time.Minute)), wantStatus: http.StatusUnauthorized, wantCode: 11003},
		{name: "wrong issuer", header: "Bearer " + signToken(t, "s3cret", "u1", "other", time.Now().Add(time.Hour)), wantStatus: http.StatusUnauthorized, wantCode: 11004},
		{name: "wrong secret", header: "Bearer " + signToken(t, "nope", "u1", "execbox", time.Now().Add(time.Hour)), wantStatus: http.StatusUnauthorized, wantCode: 11004},
		{name: "valid", header: "Bearer " + signToken(t, "s3cret", "u1", "execbox", time.Now().Add(time.Hour)), wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/who", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				if w.Body.String() != "u1" {
					t.Fatalf("user id not propagated: %q", w.Body.String())
				}
				return
			}
			var body struct {
				Code    int    `json:"code"`
				TraceID string `json:"trace_id"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body failed: %v", err)
			}
			if body.Code != tt.wantCode || body.TraceID == "" {
				t.Fatalf("unexpected envelope: %+v", body)
			}
		})
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	if middleware.NewAuthenticator("", "") != nil {
		t.Fatalf("empty secret should disable auth")
	}
	r := newAuthRouter(nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestTraceContextMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(middleware.TraceContextMiddleware())
	r.GET("/", func(c *gin.Context) {
		trace, _ := c.Request.Context().Value(contextkey.TraceID).(string)
		c.String(http.StatusOK, trace)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-Id", "trace-abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Body.String() != "trace-abc" || w.Header().Get("X-Trace-Id") != "trace-abc" {
		t.Fatalf("trace id not propagated: body=%q header=%q", w.Body.String(), w.Header().Get("X-Trace-Id"))
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatalf("request id should be generated")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := middleware.NewClientRateLimiter(middleware.RateLimitConfig{RPS: 1, Burst: 2})
	r := gin.New()
	r.Use(middleware.RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence: %v", codes)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("other clients must have their own bucket, got %d", w.Code)
	}
}

func TestClientRateLimiterEvict(t *testing.T) {
	limiter := middleware.NewClientRateLimiter(middleware.RateLimitConfig{RPS: 5, IdleTTL: time.Minute})
	limiter.Allow("a")
	if n := limiter.Evict(time.Now()); n != 0 {
		t.Fatalf("fresh bucket evicted")
	}
	if n := limiter.Evict(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("idle bucket not evicted, removed %d", n)
	}
	if middleware.NewClientRateLimiter(middleware.RateLimitConfig{}) != nil {
		t.Fatalf("zero rps should disable limiting")
	}
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(middleware.Recovery())
	r.GET("/", func(c *gin.Context) { panic("boom") })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(middleware.CORSMiddleware(middleware.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://ide.example.com"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://ide.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://ide.example.com" {
		t.Fatalf("preflight failed: %d %v", w.Code, w.Header())
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign preflight should be rejected, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign simple request should pass without cors headers: %d %v", w.Code, w.Header())
	}
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	r := gin.New()
	r.Use(middleware.CORSMiddleware(middleware.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		MaxAge:         10 * time.Minute,
	}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://any.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" || w.Header().Get("Access-Control-Max-Age") != "600" {
		t.Fatalf("unexpected wildcard headers: %v", w.Header())
	}
}

func TestBearerTokenParsing(t *testing.T) {
	auth := middleware.NewAuthenticator("s3cret", "")
	tok := signToken(t, "s3cret", "u2", "anyone", time.Now().Add(time.Hour))
	for _, header := range []string{"Bearer " + tok, "bearer   " + tok, "  BEARER " + tok + " "} {
		r := newAuthRouter(auth)
		req := httptest.NewRequest(http.MethodGet, "/who", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK || w.Body.String() != "u2" {
			t.Fatalf("header %q: status=%d body=%q", header, w.Code, w.Body.String())
		}
	}
}

func TestAuthenticateRejectsMissingSubject(t *testing.T) {
	auth := middleware.NewAuthenticator("s3cret", "")
	tok := signToken(t, "s3cret", "", "execbox", time.Now().Add(time.Hour))
	if _, err := auth.Authenticate(tok); !pkgerrors.Is(err, pkgerrors.TokenInvalid) {
		t.Fatalf("expected TokenInvalid, got %v", err)
	}
}
