package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/orkestr/internal/config"
)

func hash(t *testing.T, pw string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(config.AuthConfig{
		Enabled:   true,
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
		Users: []config.AuthUser{
			{Username: "ops", PasswordHash: hash(t, "s3cret"), Roles: []string{"operator"}},
			{Username: "ro", PasswordHash: hash(t, "look"), Roles: []string{"viewer"}},
		},
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return s
}

func TestLoginAndVerify(t *testing.T) {
	s := newService(t)
	tok, err := s.Login("ops", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if tok.Type != "Bearer" || tok.Value == "" {
		t.Fatalf("unexpected token %+v", tok)
	}
	p, err := s.Verify(tok.Value)
	if err != nil || p.Username != "ops" || p.Roles[0] != "operator" {
		t.Fatalf("verify: %+v %v", p, err)
	}

	if _, err := s.Login("ops", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := s.Login("nobody", "s3cret"); err != ErrInvalidCredentials {
		t.Fatalf("unknown user: %v", err)
	}
	if _, err := s.Verify(tok.Value + "x"); err == nil {
		t.Fatalf("tampered token accepted")
	}
}

func TestTokenExpires(t *testing.T) {
	s := newService(t)
	tok, err := s.Login("ro", "look")
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Verify(tok.Value); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	a := newService(t)
	b, err := NewService(config.AuthConfig{JWTSecret: "other", Users: []config.AuthUser{{Username: "ops", PasswordHash: hash(t, "x")}}})
	if err != nil {
		t.Fatal(err)
	}
	tok, _ := a.Login("ops", "s3cret")
	if _, err := b.Verify(tok.Value); err == nil {
		t.Fatalf("token signed with another secret accepted")
	}
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		roles  []string
		action string
		want   bool
	}{
		{[]string{"viewer"}, ActionRead, true},
		{[]string{"viewer"}, ActionWrite, false},
		{[]string{"operator"}, ActionWrite, true},
		{[]string{"admin"}, ActionWrite, true},
		{nil, ActionRead, false},
		{[]string{"viewer", "operator"}, ActionWrite, true},
	}
	for _, c := range cases {
		if got := Allowed(c.roles, c.action); got != c.want {
			t.Errorf("Allowed(%v, %s) = %v, want %v", c.roles, c.action, got, c.want)
		}
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := newService(t)
	g := gin.New()
	g.GET("/r", s.Gin(ActionRead), func(c *gin.Context) {
		p, _ := FromContext(c)
		c.String(http.StatusOK, p.Username)
	})
	g.POST("/w", s.Gin(ActionWrite), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(method, path string, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		return rec
	}
	basic := func(u, p string) string { return "Basic " + base64.StdEncoding.EncodeToString([]byte(u+":"+p)) }

	if rec := do(http.MethodGet, "/r", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/r", basic("ro", "look")); rec.Code != http.StatusOK || rec.Body.String() != "ro" {
		t.Fatalf("viewer read: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, "/w", basic("ro", "look")); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer write: %d", rec.Code)
	}
	tok, _ := s.Login("ops", "s3cret")
	if rec := do(http.MethodPost, "/w", "Bearer "+tok.Value); rec.Code != http.StatusNoContent {
		t.Fatalf("operator write: %d", rec.Code)
	}
	if rec := do(http.MethodGet, "/r", "Bearer garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	if err != nil {
		t.Fatal(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")) != nil {
		t.Fatalf("hash does not verify")
	}
	if _, err := HashPassword(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}
