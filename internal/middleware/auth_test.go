package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/dws/internal/logging"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestAuth() *AuthMiddleware {
	return NewAuthMiddleware(testSecret, "dws", logging.Discard("auth"), []string{"/healthz"})
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Subject", GetUserID(r.Context()))
		w.Header().Set("X-Role", GetUserRole(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
}

func mustToken(t *testing.T, subject, role string, ttl time.Duration) string {
	t.Helper()
	token, err := IssueToken(testSecret, "dws", subject, role, ttl)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func serve(h http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	h := newTestAuth().Handler(echoSubject())
	rec := serve(h, "/v1/nodes", mustToken(t, "agent-1", RoleAgent, time.Hour))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Subject") != "agent-1" || rec.Header().Get("X-Role") != RoleAgent {
		t.Errorf("claims not propagated: %v", rec.Header())
	}
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	other, _ := IssueToken([]byte("another-secret-another-secret-xx"), "dws", "x", RoleAdmin, time.Hour)
	wrongIssuer, _ := IssueToken(testSecret, "elsewhere", "x", RoleAdmin, time.Hour)
	noSubject, _ := IssueToken(testSecret, "dws", "", RoleAdmin, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: "dws"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", "UNAUTHORIZED"},
		{"expired", mustToken(t, "x", RoleAdmin, -time.Minute), "INVALID_TOKEN"},
		{"wrong secret", other, "INVALID_TOKEN"},
		{"wrong issuer", wrongIssuer, "INVALID_TOKEN"},
		{"no subject", noSubject, "INVALID_TOKEN"},
		{"alg none", none, "INVALID_TOKEN"},
	}
	h := newTestAuth().Handler(echoSubject())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(h, "/v1/nodes", tc.token)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Errorf("code = %s, want %s", got, tc.code)
			}
		})
	}
}

func TestAuthMiddleware_MalformedHeader(t *testing.T) {
	h := newTestAuth().Handler(echoSubject())
	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	h := newTestAuth().Handler(echoSubject())
	if rec := serve(h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := newTestAuth().Handler(RequireRole(RoleAgent)(echoSubject()))

	if rec := serve(h, "/v1/nodes", mustToken(t, "a", RoleAgent, time.Hour)); rec.Code != http.StatusOK {
		t.Errorf("agent status = %d", rec.Code)
	}
	if rec := serve(h, "/v1/nodes", mustToken(t, "a", RoleAdmin, time.Hour)); rec.Code != http.StatusOK {
		t.Errorf("admin status = %d", rec.Code)
	}
	rec := serve(h, "/v1/nodes", mustToken(t, "a", RoleReader, time.Hour))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reader status = %d, want 403", rec.Code)
	}
	if got := errorCode(t, rec); got != "FORBIDDEN" {
		t.Errorf("code = %s", got)
	}

	// Without authentication in front the role check is inert.
	if rec := serve(RequireRole(RoleAgent)(echoSubject()), "/v1/nodes", ""); rec.Code != http.StatusOK {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}
}
