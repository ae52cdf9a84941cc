// Package auth checks dashboard credentials and issues the signed,
// time-limited tokens the dashboard presents on later requests.
package auth

import (
	"crypto/md5" //nolint:gosec // users file stores md5 hex digests
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/couchcryptid/eews-aggregator/internal/domain"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Errors returned by Login and Verify. Their messages are shown to clients.
var (
	ErrInvalidCredentials = errors.New("Invalid credentials") //nolint:stylecheck // client-facing text
	ErrMissingToken       = errors.New("Missing token")       //nolint:stylecheck // client-facing text
	ErrTokenExpired       = errors.New("Token expired")       //nolint:stylecheck // client-facing text
	ErrInvalidToken       = errors.New("Invalid token")       //nolint:stylecheck // client-facing text
)

// DefaultRole is assigned to users whose record names no role.
const DefaultRole = "user"

// rememberFactor stretches the token lifetime for "remember me" logins.
const rememberFactor = 12

// User is one entry of the users file.
type User struct {
	Password string `json:"password"` // md5 hex digest
	Role     string `json:"role"`
}

// Claims is the token payload.
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	Username  string
	Role      string
	ExpiresAt time.Time
}

// Authenticator validates credentials against a users file and signs
// HS256 tokens.
type Authenticator struct {
	usersPath string
	secret    []byte
	ttl       time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
}

// New creates an Authenticator. An empty secret is replaced with a random
// per-process key, so tokens do not survive a restart.
func New(usersPath, secret string, ttl time.Duration, clock clockwork.Clock, logger *slog.Logger) (*Authenticator, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("JWT_SECRET not set, using a random signing key")
	}
	return &Authenticator{
		usersPath: usersPath,
		secret:    key,
		ttl:       ttl,
		clock:     domain.ClockOrReal(clock),
		logger:    logger,
	}, nil
}

// Login checks username and password and returns a signed session token.
// The users file is re-read on every call.
func (a *Authenticator) Login(username, password string, remember bool) (Session, error) {
	users, err := a.loadUsers()
	if err != nil {
		return Session{}, err
	}

	user, ok := users[username]
	if !ok || !passwordMatches(user.Password, password) {
		a.logger.Info("login rejected", "username", username)
		return Session{}, ErrInvalidCredentials
	}

	role := user.Role
	if role == "" {
		role = DefaultRole
	}

	ttl := a.ttl
	if remember {
		ttl *= rememberFactor
	}
	now := a.clock.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}

	return Session{Token: token, Username: username, Role: role, ExpiresAt: expiresAt}, nil
}

// Verify checks the token signature and expiry and returns its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	// Expiry is checked against the injected clock below.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Username == "" {
		return nil, ErrInvalidToken
	}
	if !claims.VerifyExpiresAt(a.clock.Now(), true) {
		return nil, ErrTokenExpired
	}
	if claims.Role == "" {
		claims.Role = DefaultRole
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// HashPassword returns the digest stored in the users file for password.
func HashPassword(password string) string {
	sum := md5.Sum([]byte(password)) //nolint:gosec // users file format
	return hex.EncodeToString(sum[:])
}

func passwordMatches(stored, password string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(stored)), []byte(HashPassword(password))) == 1
}

func (a *Authenticator) loadUsers() (map[string]User, error) {
	data, err := os.ReadFile(a.usersPath)
	if errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("users file not found, rejecting login", "path", a.usersPath)
		return map[string]User{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	var users map[string]User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("decode users file: %w", err)
	}
	return users, nil
}
