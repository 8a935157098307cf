package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/bundle-forge/internal/config"
)

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return string(hash)
}

func newTestAuth(t *testing.T) (*Manager, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		AppUsers:        "alice:" + hashPassword(t, "alice-pass"),
		AppUsername:     "bob",
		AppPasswordHash: hashPassword(t, "bob-pass"),
		SessionSecret:   "test-secret-test-secret-test-sec",
	}
	manager := NewManager(cfg)

	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte(cfg.SessionSecret))))
	api := router.Group("/api")
	manager.RegisterRoutes(api)

	protected := api.Group("")
	protected.Use(manager.RequireLogin(), manager.VerifyCSRF())
	protected.POST("/echo", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": CurrentUser(c)})
	})
	return manager, router
}

func login(router *gin.Engine, username, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(gin.H{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func withSession(req *http.Request, rec *httptest.ResponseRecorder) {
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
}

func TestLoginMultipleUsers(t *testing.T) {
	_, router := newTestAuth(t)

	for _, tc := range []struct{ user, pass string }{
		{"alice", "alice-pass"},
		{"bob", "bob-pass"},
	} {
		rec := login(router, tc.user, tc.pass)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: unexpected status: %d body=%s", tc.user, rec.Code, rec.Body.String())
		}
		if rec.Header().Get(csrfHeader) == "" {
			t.Fatalf("%s: expected CSRF token header", tc.user)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
		withSession(req, rec)
		me := httptest.NewRecorder()
		router.ServeHTTP(me, req)
		if me.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status: %d", tc.user, me.Code)
		}
		var payload map[string]string
		_ = json.Unmarshal(me.Body.Bytes(), &payload)
		if payload["username"] != tc.user {
			t.Fatalf("unexpected username: %v", payload)
		}
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	_, router := newTestAuth(t)

	rec := login(router, "alice", "bob-pass")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	rec = login(router, "mallory", "alice-pass")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestLoginLockout(t *testing.T) {
	_, router := newTestAuth(t)

	for i := 0; i < maxLoginAttempts; i++ {
		if rec := login(router, "alice", "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: unexpected status: %d", i, rec.Code)
		}
	}
	rec := login(router, "alice", "alice-pass")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected lockout, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestProtectedRequiresSessionAndCSRF(t *testing.T) {
	_, router := newTestAuth(t)

	req := httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status without session: %d", rec.Code)
	}

	loginRec := login(router, "alice", "alice-pass")
	token := loginRec.Header().Get(csrfHeader)

	req = httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	withSession(req, loginRec)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unexpected status without CSRF: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/echo", nil)
	withSession(req, loginRec)
	req.Header.Set(csrfHeader, token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	if payload["user"] != "alice" {
		t.Fatalf("unexpected user: %v", payload)
	}
}

func TestSessionIdleTimeout(t *testing.T) {
	manager, router := newTestAuth(t)
	loginRec := login(router, "alice", "alice-pass")

	manager.now = func() time.Time { return time.Now().Add(idleTimeout + time.Minute) }
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	withSession(req, loginRec)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestLoginMisconfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	manager := NewManager(&config.Config{SessionSecret: "secret"})
	router := gin.New()
	router.Use(sessions.Sessions(SessionCookieName, cookie.NewStore([]byte("secret"))))
	router.POST("/api/auth/login", manager.Login)

	rec := login(router, "alice", "alice-pass")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
