package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"langy/internal/auth"
	"langy/internal/config"
	"langy/internal/models"
	"langy/internal/service/assistant"
	"langy/internal/session"
	"langy/internal/worker"
)

const defaultTurnTimeout = 2 * time.Minute

var errStreamClosed = errors.New("event stream closed")

// SessionManager runs the live conversations.
type SessionManager interface {
	Open(ctx context.Context, sessionID, profile string) (*session.Conversation, error)
	Conversation(sessionID string) (*session.Conversation, error)
	Submit(ctx context.Context, sessionID, text string, chunkFn assistant.ChunkFunc) (*assistant.TurnResult, error)
	Clear(ctx context.Context, sessionID string) error
	Drop(sessionID string)
}

// Archive reads the persisted transcript.
type Archive interface {
	GetConversation(ctx context.Context, id string) (*models.Session, error)
	ListMessages(ctx context.Context, id string) ([]models.ArchivedMessage, error)
}

// Profiles lists and resolves assistant profiles.
type Profiles interface {
	Profiles() []config.Profile
	Profile(name string) (config.Profile, bool)
}

type Handler struct {
	profiles    Profiles
	workers     SessionManager
	archive     Archive
	auth        *auth.Service
	turnTimeout time.Duration
}

func NewHandler(profiles Profiles, workers SessionManager, archive Archive, authService *auth.Service, turnTimeout time.Duration) *Handler {
	if turnTimeout <= 0 {
		turnTimeout = defaultTurnTimeout
	}
	return &Handler{
		profiles:    profiles,
		workers:     workers,
		archive:     archive,
		auth:        authService,
		turnTimeout: turnTimeout,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.GET("/profiles", h.listProfiles)
	api.POST("/sessions", h.createSession)

	sessionRoutes := api.Group("/session")
	sessionRoutes.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	sessionRoutes.GET("", h.getSession)
	sessionRoutes.DELETE("", h.endSession)
	sessionRoutes.POST("/msg", h.captureInput)
	sessionRoutes.POST("/clear", h.clearSession)
	sessionRoutes.GET("/history", h.getHistory)
}

type profileView struct {
	Name     string   `json:"name"`
	Kind     string   `json:"kind"`
	Title    string   `json:"title"`
	Intro    string   `json:"intro,omitempty"`
	Examples []string `json:"examples,omitempty"`
}

func (h *Handler) listProfiles(c *gin.Context) {
	list := h.profiles.Profiles()
	out := make([]profileView, 0, len(list))
	for _, p := range list {
		out = append(out, profileView{
			Name:     p.Name,
			Kind:     p.Kind,
			Title:    p.Title,
			Intro:    p.Intro,
			Examples: p.Examples,
		})
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}

type createSessionRequest struct {
	Profile string `json:"profile"`
}

// createSession starts a conversation and binds it to this browser. A
// previous session of the same browser is ended.
func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.Profile = strings.TrimSpace(req.Profile)
	if req.Profile == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile is required"})
		return
	}
	p, ok := h.profiles.Profile(req.Profile)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown profile %q", req.Profile)})
		return
	}

	ctx := c.Request.Context()
	if old, err := c.Cookie(h.auth.SessionCookieName()); err == nil && old != "" {
		if bs, err := h.auth.ValidateToken(ctx, old); err == nil {
			h.workers.Drop(bs.ConversationID)
		}
		if err := h.auth.RevokeToken(ctx, old); err != nil {
			log.Printf("revoke previous session failed: %v", err)
		}
	}

	id := uuid.NewString()
	conv, err := h.workers.Open(ctx, id, p.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	bs, err := h.auth.IssueToken(ctx, id, p.Name)
	if err != nil {
		h.workers.Drop(id)
		log.Printf("issue session token failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue session failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue session failed"})
		return
	}
	h.auth.SetCookies(c, bs.Token, csrfToken)
	c.JSON(http.StatusCreated, gin.H{
		"id":            id,
		"profile":       p.Name,
		"title":         p.Title,
		"messages":      visible(conv.Messages()),
		"session_token": bs.Token,
		"csrf_token":    csrfToken,
		"expires_at":    bs.ExpiresAt,
	})
}

// conversationFor resolves the conversation bound to the request's session.
func (h *Handler) conversationFor(c *gin.Context) (*auth.BrowserSession, *session.Conversation, bool) {
	bs, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return nil, nil, false
	}
	conv, err := h.workers.Conversation(bs.ConversationID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return nil, nil, false
	}
	return bs, conv, true
}

func (h *Handler) getSession(c *gin.Context) {
	_, conv, ok := h.conversationFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conversationPayload(conv))
}

func (h *Handler) clearSession(c *gin.Context) {
	bs, _, ok := h.conversationFor(c)
	if !ok {
		return
	}
	if err := h.workers.Clear(c.Request.Context(), bs.ConversationID); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	conv, err := h.workers.Conversation(bs.ConversationID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conversationPayload(conv))
}

func (h *Handler) endSession(c *gin.Context) {
	bs, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}
	h.workers.Drop(bs.ConversationID)
	if err := h.auth.RevokeToken(c.Request.Context(), bs.Token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.auth.ClearCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getHistory(c *gin.Context) {
	bs, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}
	ctx := c.Request.Context()
	header, err := h.archive.GetConversation(ctx, bs.ConversationID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.archive.ListMessages(ctx, bs.ConversationID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": header,
		"messages":     msgs,
	})
}

type inputRequest struct {
	Content string `json:"content"`
}

// captureInput runs one turn and answers with server-sent events: ack, zero
// or more stream fragments, then done or error. Failures that happen before
// the turn starts are answered with a plain status instead.
func (h *Handler) captureInput(c *gin.Context) {
	bs, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session required"})
		return
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": session.ErrEmptyInput.Error()})
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.turnTimeout)
	defer cancel()

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	// Headers and the ack go out with the first event so queue rejections
	// can still use a status code.
	started := false
	begin := func() error {
		if started {
			return nil
		}
		started = true
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		return sendEvent("ack", gin.H{
			"message": gin.H{
				"session_id": bs.ConversationID,
				"role":       models.RoleUser,
				"content":    req.Content,
			},
		})
	}

	// Fragments arrive on a worker goroutine. gin reuses the context once
	// this handler returns, so nothing may be written after closed is set.
	var mu sync.Mutex
	closed := false
	res, err := h.workers.Submit(streamCtx, bs.ConversationID, req.Content, func(chunk string) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return errStreamClosed
		}
		if err := begin(); err != nil {
			return err
		}
		return sendEvent("stream", gin.H{"content": chunk})
	})
	mu.Lock()
	closed = true
	mu.Unlock()
	if err != nil {
		if !started {
			c.JSON(statusFor(err), gin.H{"error": userMessage(err)})
			return
		}
		_ = sendEvent("error", gin.H{"message": userMessage(err)})
		return
	}
	if err := begin(); err != nil {
		return
	}
	_ = sendEvent("done", res)
}

func conversationPayload(conv *session.Conversation) gin.H {
	return gin.H{
		"id":       conv.ID(),
		"profile":  conv.Profile(),
		"state":    conv.State().String(),
		"messages": visible(conv.Messages()),
		"turns":    conv.Turns(),
		"usage":    conv.Usage(),
		"cost":     conv.Cost(),
	}
}

// visible drops the system prompt.
func visible(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrSessionNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrSessionClosed), errors.Is(err, session.ErrTurnDiscarded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, worker.ErrDispatcherStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, worker.ErrDispatcherBusy):
		return "server is busy, please retry"
	case errors.Is(err, session.ErrTurnDiscarded):
		return "the conversation was cleared while this message was being answered"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out, please try again"
	default:
		return err.Error()
	}
}
