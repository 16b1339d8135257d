// Package auth guards the HTTP API with bcrypt users and HS256 bearer tokens.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/orkestr/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
)

const (
	ActionRead  = "read"
	ActionWrite = "write"

	issuer = "orkestr"
)

// Token is returned by Login.
type Token struct {
	Type      string    `json:"type"` // "Bearer"
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Principal is the authenticated caller.
type Principal struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
}

type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

type Service struct {
	users  map[string]config.AuthUser
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(c config.AuthConfig) (*Service, error) {
	secret := []byte(c.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		slog.Warn("server.auth.jwt_secret not set; tokens will not survive a restart")
	}
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	users := make(map[string]config.AuthUser, len(c.Users))
	for _, u := range c.Users {
		users[u.Username] = u
	}
	return &Service{users: users, secret: secret, ttl: ttl, now: time.Now}, nil
}

// Login checks a username/password pair and issues a bearer token.
func (s *Service) Login(username, password string) (Token, error) {
	p, err := s.checkPassword(username, password)
	if err != nil {
		return Token{}, err
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Roles: p.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Username,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: signed, ExpiresAt: exp}, nil
}

func (s *Service) checkPassword(username, password string) (Principal, error) {
	u, ok := s.users[username]
	if !ok || password == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Username: u.Username, Roles: u.Roles}, nil
}

// Verify validates a bearer token. Roles come from the current user entry so
// a config change takes effect for tokens already issued.
func (s *Service) Verify(token string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	u, ok := s.users[claims.Subject]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Username: u.Username, Roles: u.Roles}, nil
}

// Authenticate accepts "Authorization: Bearer <token>" or HTTP basic auth.
func (s *Service) Authenticate(r *http.Request) (Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, value, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return s.Verify(strings.TrimSpace(value))
		}
	}
	if user, pass, ok := r.BasicAuth(); ok {
		return s.checkPassword(user, pass)
	}
	return Principal{}, ErrInvalidCredentials
}

// Allowed reports whether any of roles grants action.
func Allowed(roles []string, action string) bool {
	for _, r := range roles {
		switch r {
		case "admin", "operator":
			return true
		case "viewer":
			if action == ActionRead {
				return true
			}
		}
	}
	return false
}

// HashPassword produces the bcrypt hash stored in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}
