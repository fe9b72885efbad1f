// Package server is the thin HTTP surface over the chat orchestrator.
// It parses identity headers, binds request bodies, and translates the
// core error taxonomy into status codes; all semantics live below it.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xaenox/chatstream/internal/chat"
	"github.com/xaenox/chatstream/internal/identity"
	"github.com/xaenox/chatstream/internal/models"
	"github.com/xaenox/chatstream/internal/registry"
	"github.com/xaenox/chatstream/internal/storage"
)

type Server struct {
	engine *gin.Engine
	orch   *chat.Orchestrator
	auth   *AuthMiddleware
	logger *zap.Logger
}

func New(orch *chat.Orchestrator, auth *AuthMiddleware, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		orch:   orch,
		auth:   auth,
		logger: logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := s.engine.Group("/v1", s.auth.Handle)
	v1.POST("/threads", s.createThread)
	v1.GET("/threads", s.listThreads)
	v1.POST("/threads/:id/messages", s.sendMessage)
	v1.GET("/threads/:id/messages", s.listMessages)
	v1.GET("/models", s.listModels)
}

func (s *Server) Run(addr string) error {
	return s.engine.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

type createThreadRequest struct {
	ModelID string `json:"model_id"`
}

func (s *Server) createThread(c *gin.Context) {
	var req createThreadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
	}

	threadID, err := s.orch.CreateThread(c.Request.Context(), sessionSubject(c), anonymousID(c), req.ModelID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": threadID})
}

type sendMessageRequest struct {
	Prompt  string `json:"prompt"`
	ModelID string `json:"model_id"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	err := s.orch.SendMessage(c.Request.Context(), c.Param("id"), req.Prompt, req.ModelID, sessionSubject(c), anonymousID(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	// Generation is fire-and-forget; the reply streams into the store.
	c.JSON(http.StatusAccepted, gin.H{"status": "scheduled"})
}

func (s *Server) listMessages(c *gin.Context) {
	opts := models.PaginationOpts{
		Cursor:   c.Query("cursor"),
		NumItems: intQuery(c, "num", 50),
	}

	page, deltas, err := s.orch.ListThreadMessages(c.Request.Context(), c.Param("id"), opts,
		parseStreamCursors(c.Query("streams")), sessionSubject(c), anonymousID(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"page":    page,
		"streams": deltas,
	})
}

func (s *Server) listThreads(c *gin.Context) {
	opts := models.PaginationOpts{
		Cursor:   c.Query("cursor"),
		NumItems: intQuery(c, "num", 50),
	}

	page, err := s.orch.ListUserThreads(c.Request.Context(), c.Query("query"), opts,
		intQuery(c, "limit", 20), sessionSubject(c), anonymousID(c))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":  registry.All(),
		"default": registry.Default(),
	})
}

func (s *Server) renderError(c *gin.Context, err error) {
	var rateLimited *chat.RateLimitedError
	switch {
	case errors.Is(err, identity.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	case errors.Is(err, chat.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.As(err, &rateLimited):
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(rateLimited)))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": rateLimited.WaitMessage()})
	case errors.Is(err, storage.ErrThreadNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "thread not found"})
	case errors.Is(err, storage.ErrBadCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed cursor"})
	default:
		s.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func retryAfterSeconds(err *chat.RateLimitedError) int {
	secs := int(err.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// parseStreamCursors decodes "messageID:seq,messageID:seq".
func parseStreamCursors(raw string) []models.StreamCursor {
	if raw == "" {
		return nil
	}
	var cursors []models.StreamCursor
	for _, part := range strings.Split(raw, ",") {
		id, seqStr, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		seq, err := strconv.Atoi(seqStr)
		if err != nil {
			continue
		}
		cursors = append(cursors, models.StreamCursor{MessageID: id, Seq: seq})
	}
	return cursors
}
