package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaydesk/internal/deskstore"
	"github.com/agentworkforce/relaydesk/internal/support"
)

type ServerConfig struct {
	JWTSecret string
	Audience  string
	// RateLimitPerSecond of zero disables per-actor limits.
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	Logger             *zerolog.Logger
	Now                func() time.Time
}

type Server struct {
	store       *deskstore.Store
	cfg         ServerConfig
	hub         *Hub
	schemas     bodySchemas
	rateLimiter *rateLimiter
	logger      zerolog.Logger
	unsubscribe func()
	closeOnce   sync.Once
}

// rateLimiter keeps one token bucket per actor.
type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func NewServer(store *deskstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *deskstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.RateLimitPerSecond < 0 {
		cfg.RateLimitPerSecond = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(math.Max(1, math.Ceil(cfg.RateLimitPerSecond)))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = &rateLimiter{
			limit:   rate.Limit(cfg.RateLimitPerSecond),
			burst:   cfg.RateLimitBurst,
			entries: map[string]*rate.Limiter{},
		}
	}
	hub := NewHub(&logger)
	return &Server{
		store:       store,
		cfg:         cfg,
		hub:         hub,
		schemas:     mustCompileBodySchemas(),
		rateLimiter: limiter,
		logger:      logger.With().Str("component", "httpapi").Logger(),
		unsubscribe: store.Subscribe(hub.Publish),
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Close detaches from the store and hangs up every websocket room.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		s.hub.Close()
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"notifications": s.store.QueueStatus(),
		})
		return
	}

	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 0 || parts[0] != "messages" || len(parts) > 3 {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	var conversationID string
	if len(parts) >= 2 {
		conversationID = strings.TrimSpace(parts[1])
		if conversationID == "" {
			writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
			return
		}
	}

	var route string
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 1 && r.Method == http.MethodPost:
		route = "create"
	case len(parts) == 2 && r.Method == http.MethodGet:
		route = "get"
	case len(parts) == 3 && parts[2] == "reply" && r.Method == http.MethodPost:
		route = "reply"
	case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodPatch:
		route = "status"
	case len(parts) == 3 && parts[2] == "accept" && r.Method == http.MethodPatch:
		route = "accept"
	case len(parts) == 3 && parts[2] == "edit" && r.Method == http.MethodPatch:
		route = "edit"
	case len(parts) == 3 && parts[2] == "delete" && r.Method == http.MethodDelete:
		route = "delete"
	case len(parts) == 3 && parts[2] == "read" && r.Method == http.MethodPatch:
		route = "read"
	case len(parts) == 3 && parts[2] == "delivered" && r.Method == http.MethodPatch:
		route = "delivered"
	case len(parts) == 3 && parts[2] == "events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	actor, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, s.cfg.Audience, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "srv_" + uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)
	if s.rateLimiter != nil && route != "events" {
		if !s.rateLimiter.allow(actor.ID) {
			retryAfter := int(math.Ceil(1 / float64(s.rateLimiter.limit)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list":
		s.handleList(w, actor, correlationID)
	case "create":
		s.handleCreate(w, r, actor, correlationID)
	case "get":
		s.handleGet(w, actor, conversationID, correlationID)
	case "reply":
		s.handleReply(w, r, actor, conversationID, correlationID)
	case "status":
		s.handleStatus(w, r, actor, conversationID, correlationID)
	case "accept":
		s.handleAccept(w, actor, conversationID, correlationID)
	case "edit":
		s.handleEdit(w, r, actor, conversationID, correlationID)
	case "delete":
		s.handleDelete(w, r, actor, conversationID, correlationID)
	case "read", "delivered":
		s.handleReceipt(w, r, route, actor, conversationID, correlationID)
	case "events":
		s.handleEvents(w, r, actor, conversationID, correlationID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, actor support.Actor, correlationID string) {
	list, err := s.store.List(actor)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, actor support.Actor, correlationID string) {
	var req struct {
		Subject     string   `json:"subject"`
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
	}
	if !s.decodeJSONBody(w, r, "create", correlationID, &req) {
		return
	}
	c, err := s.store.Create(actor, req.Subject, req.Content, req.Attachments)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGet(w http.ResponseWriter, actor support.Actor, conversationID, correlationID string) {
	c, err := s.store.Get(actor, conversationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, actor support.Actor, conversationID, correlationID string) {
	var req struct {
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
	}
	if !s.decodeJSONBody(w, r, "reply", correlationID, &req) {
		return
	}
	c, err := s.store.Reply(actor, conversationID, req.Content, req.Attachments)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, actor support.Actor, conversationID, correlationID string) {
	var req struct {
		Status support.Status `json:"status"`
	}
	if !s.decodeJSONBody(w, r, "status", correlationID, &req) {
		return
	}
	c, err := s.store.SetStatus(actor, conversationID, req.Status)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAccept(w http.ResponseWriter, actor support.Actor, conversationID, correlationID string) {
	c, err := s.store.Accept(actor, conversationID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, actor support.Actor, conversationID, correlationID string) {
	var req struct {
		Content string `json:"content"`
		ReplyID string `json:"replyId"`
	}
	if !s.decodeJSONBody(w, r, "edit", correlationID, &req) {
		return
	}
	c, err := s.store.Edit(actor, conversationID, req.ReplyID, req.Content)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleDelete removes one reply when replyId is given, else the thread.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, actor support.Actor, conversationID, correlationID string) {
	replyID := strings.TrimSpace(r.URL.Query().Get("replyId"))
	if replyID != "" {
		c, err := s.store.DeleteReply(actor, conversationID, replyID)
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, c)
		return
	}
	if err := s.store.DeleteThread(actor, conversationID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": conversationID})
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request, route string, actor support.Actor, conversationID, correlationID string) {
	var req struct {
		MessageID string `json:"messageId"`
	}
	if !s.decodeJSONBody(w, r, "receipt", correlationID, &req) {
		return
	}
	mark := s.store.MarkRead
	if route == "delivered" {
		mark = s.store.MarkDelivered
	}
	receipt, err := mark(actor, conversationID, req.MessageID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, actor support.Actor, conversationID, correlationID string) {
	if _, err := s.store.Get(actor, conversationID); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.serve(w, r, conversationID, actor)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	message := support.Rule(err)
	if message == "" {
		message = err.Error()
	}
	switch {
	case errors.Is(err, support.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", message, correlationID)
	case errors.Is(err, support.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", message, correlationID)
	case errors.Is(err, support.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", message, correlationID)
	case errors.Is(err, support.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", message, correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody validates the body against the named schema before
// decoding it into dst.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		if errors.Is(err, errInvalidJSON) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	limiter, ok := r.entries[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.entries[key] = limiter
	}
	r.mu.Unlock()
	return limiter.Allow()
}
