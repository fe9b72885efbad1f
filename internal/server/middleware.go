package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/identity"
	"github.com/xaenox/chatstream/internal/ratelimit"
)

const (
	ctxSessionSubject = "session_subject"
	ctxAnonymousID    = "anonymous_id"
)

// AuthMiddleware extracts the caller's identity inputs. Both are
// optional here; the core resolves them and rejects requests carrying
// neither. Token validation counts against the authAttempts bucket to
// slow down credential probing.
type AuthMiddleware struct {
	secret  []byte
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

func NewAuthMiddleware(secret []byte, limiter *ratelimit.Limiter, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{secret: secret, limiter: limiter, logger: logger}
}

func (m *AuthMiddleware) Handle(c *gin.Context) {
	anonID := c.GetHeader("X-Anonymous-Id")
	if anonID != "" && !identity.IsAnonymous(anonID) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed anonymous id"})
		return
	}
	c.Set(ctxAnonymousID, anonID)

	token := bearerToken(c.GetHeader("Authorization"))
	if token != "" {
		if !m.allowAuthAttempt(c.Request.Context(), c.ClientIP(), anonID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many authentication attempts"})
			return
		}

		subject, err := identity.ParseSessionSubject(token, m.secret)
		if err != nil {
			m.logger.Debug("session token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session token"})
			return
		}
		c.Set(ctxSessionSubject, subject)
	}

	c.Next()
}

func (m *AuthMiddleware) allowAuthAttempt(ctx context.Context, clientIP, anonID string) bool {
	key := clientIP
	if key == "" {
		key = anonID
	}
	if key == "" {
		key = "unknown"
	}

	decision, err := m.limiter.Limit(ctx, ratelimit.BucketAuthAttempts, key)
	if err != nil {
		m.logger.Error("auth attempt rate check failed", zap.Error(err))
		return true
	}
	return decision.Allowed
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func sessionSubject(c *gin.Context) string {
	return c.GetString(ctxSessionSubject)
}

func anonymousID(c *gin.Context) string {
	return c.GetString(ctxAnonymousID)
}
