// Package auth gates connection admission with an optional JWT bearer
// token. This is a connection-level concern, separate from and never
// consulted by the object database's own identity/commit semantics:
// an object's identity has nothing to do with who is allowed to
// connect.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the principal behind a connection.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Manager issues and verifies connection tokens.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewManager builds a Manager. An empty secretKey is only safe when
// the server's auth.required configuration is false.
func NewManager(secretKey string, tokenDuration time.Duration) *Manager {
	return &Manager{secretKey: []byte(secretKey), tokenDuration: tokenDuration}
}

// Generate issues a signed token for userID/role, mainly used by
// operator tooling and tests rather than by the server itself.
func (m *Manager) Generate(userID, role string) (string, error) {
	claims := &Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "objectdb-server",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// Verify validates tokenString and returns its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractToken pulls a bearer token from the Authorization header,
// falling back to a "token" query parameter for WebSocket upgrade
// requests that cannot set custom headers from a browser.
func ExtractToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(authHeader, bearerPrefix), nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", errors.New("no token present in request")
}

// ExtractTokenFromURI pulls a "token" query parameter out of a raw
// request-URI, for transports (like a WebSocket upgrade) that only
// expose the request line rather than a parsed *http.Request.
func ExtractTokenFromURI(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid request uri: %w", err)
	}
	token := parsed.Query().Get("token")
	if token == "" {
		return "", errors.New("no token present in request")
	}
	return token, nil
}

// Authenticate extracts and verifies the token on r.
func (m *Manager) Authenticate(r *http.Request) (*Claims, error) {
	token, err := ExtractToken(r)
	if err != nil {
		return nil, err
	}
	return m.Verify(token)
}
