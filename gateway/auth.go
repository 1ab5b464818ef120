package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const adminRole = "admin"

var errUnauthorized = errors.New("gateway: unauthorized")

// adminClaims is the token payload required for administrative routes.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewAdminToken mints a signed admin token. Used by operator tooling and
// tests.
func NewAdminToken(secret string, subject string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("gateway: admin secret required")
	}
	now := time.Now()
	claims := adminClaims{
		Role: adminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func verifyAdminToken(secret, token string) error {
	claims := &adminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return errUnauthorized
	}
	if claims.Role != adminRole {
		return errUnauthorized
	}
	return nil
}

// requireAdmin guards administrative routes with a bearer JWT signed by the
// configured secret. An empty secret disables the routes entirely rather than
// leaving them open.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.adminSecret) == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "administration is not configured")
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "bearer token required")
			return
		}
		if err := verifyAdminToken(s.adminSecret, strings.TrimSpace(token)); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
