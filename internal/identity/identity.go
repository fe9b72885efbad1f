package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AnonymousPrefix marks client-generated device-bound identities.
const AnonymousPrefix = "anon_"

// ErrUnauthenticated is returned when neither a session subject nor an
// anonymous id is supplied.
var ErrUnauthenticated = errors.New("unauthenticated: no session and no anonymous id")

// Resolve collapses an optional authenticated-session subject and an
// optional client-supplied anonymous id into exactly one effective
// subject id. The session subject wins when both are present.
func Resolve(sessionSubject, anonymousID string) (string, error) {
	if sessionSubject != "" {
		return sessionSubject, nil
	}
	if anonymousID != "" {
		return anonymousID, nil
	}
	return "", ErrUnauthenticated
}

// IsAnonymous reports whether a subject id carries the anonymous
// sentinel prefix. This gates rate-limit bucket families and model
// tier access.
func IsAnonymous(subjectID string) bool {
	return strings.HasPrefix(subjectID, AnonymousPrefix)
}

// NewAnonymousID mints a fresh device identity.
func NewAnonymousID() string {
	return AnonymousPrefix + uuid.New().String()
}

// Redact returns a short fragment of a subject id safe for logs.
// Full tokens must never be logged.
func Redact(subjectID string) string {
	const keep = 8
	if len(subjectID) <= keep {
		return subjectID
	}
	return subjectID[:keep] + "..."
}

// ParseSessionSubject validates an HS256 session token and returns its
// subject claim. An empty token yields an empty subject without error;
// callers fall back to the anonymous identity.
func ParseSessionSubject(token string, secret []byte) (string, error) {
	if token == "" {
		return "", nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid session token: %w", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("session token has no subject")
	}
	return subject, nil
}
