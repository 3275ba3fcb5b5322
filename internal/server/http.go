// Package server exposes the conversation flow over HTTP and MCP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/comigor/continuum/internal/config"
	"github.com/comigor/continuum/internal/conversation"
	"github.com/comigor/continuum/internal/history"
	"github.com/comigor/continuum/internal/logger"
)

const shutdownGrace = 10 * time.Second

type turnRequest struct {
	Content string `json:"content" binding:"required"`
	UserID  string `json:"user_id"`
}

type answerRequest struct {
	Content string `json:"content" binding:"required"`
}

type resolveRequest struct {
	Messages []history.Message `json:"messages"`
	Message  string            `json:"message" binding:"required"`
}

// Handler serves the session API.
type Handler struct {
	conv *conversation.Service
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(conv *conversation.Service, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLog())

	h := &Handler{conv: conv}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	api.POST("/resolve", h.Resolve)

	sessions := api.Group("/sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("/:id", h.GetSession)
	sessions.DELETE("/:id", h.DeleteSession)
	sessions.GET("/:id/messages", h.Messages)
	sessions.POST("/:id/turns", h.Turn)
	sessions.POST("/:id/answers", h.Answer)
	return router
}

// CreateSession hands out a fresh session id. The session itself appears with
// its first turn.
func (h *Handler) CreateSession(c *gin.Context) {
	id, err := uuid.NewV7()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not allocate session id"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id.String()})
}

func (h *Handler) Turn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	turn, err := h.conv.Prepare(c.Request.Context(), conversation.TurnInput{
		SessionID: c.Param("id"),
		UserID:    req.UserID,
		Content:   req.Content,
	})
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, turn)
}

func (h *Handler) Answer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.conv.RecordAnswer(c.Request.Context(), c.Param("id"), req.Content); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetSession(c *gin.Context) {
	conv, ok := h.conv.History(c.Request.Context(), c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) Messages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, fmt.Errorf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.conv.Recent(c.Request.Context(), c.Param("id"), limit)})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	h.conv.Clear(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// Resolve resolves a message against caller-supplied turns without a session.
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			badRequest(c, fmt.Errorf("messages[%d]: unknown role %q", i, m.Role))
			return
		}
	}
	c.JSON(http.StatusOK, h.conv.ResolveStateless(c.Request.Context(), req.Messages, req.Message))
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func requestLog() gin.HandlerFunc {
	log := logger.With("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ListenAndServe serves router on the configured address until ctx is done,
// then shuts down gracefully.
func ListenAndServe(ctx context.Context, cfg config.ServerConfig, router http.Handler) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	logger.L.Info("shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
