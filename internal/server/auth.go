package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/conorfennell/knolsync/internal/remote"
)

const minSecretLength = 32

type contextKey string

const userContextKey contextKey = "user"

// tokenIssuer signs and validates HS256 session tokens.
type tokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

func newTokenIssuer(secret string, ttl time.Duration) (*tokenIssuer, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}
	return &tokenIssuer{key: []byte(secret), ttl: ttl, now: time.Now}, nil
}

func (t *tokenIssuer) issue(user string) (remote.Session, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return remote.Session{}, fmt.Errorf("failed to sign session token: %w", err)
	}
	return remote.Session{Token: signed, User: user, ExpiresAt: exp.UTC()}, nil
}

// validate returns the user a token was issued to.
func (t *tokenIssuer) validate(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{},
		func(tok *jwt.Token) (any, error) {
			return t.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// checkPassword compares against the configured bcrypt hash. Unknown users
// are compared against a dummy hash so both paths cost the same.
func (s *Server) checkPassword(user, password string) bool {
	hash, ok := s.cfg.Users[user]
	if !ok {
		hash = string(dummyHash())
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return ok && err == nil
}

var dummyHash = sync.OnceValue(func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	return h
})

// authenticate rejects requests without a valid bearer token and stores the
// token's user in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			respondError(w, http.StatusUnauthorized, "bearer token required")
			return
		}

		user, err := s.tokens.validate(token)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			s.logger.Debug("rejected token", "error", err)
			respondError(w, http.StatusUnauthorized, msg)
			return
		}
		if _, known := s.cfg.Users[user]; !known {
			respondError(w, http.StatusUnauthorized, "unknown user")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userContextKey).(string)
	return u
}

// HashPassword returns the bcrypt hash to put in Config.Users.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}
