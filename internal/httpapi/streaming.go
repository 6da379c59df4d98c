package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/chat"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
)

// ChatService runs chat turns
type ChatService interface {
	Stream(ctx context.Context, req chat.Request, emit streaming.Emitter) streaming.Result
	Chat(ctx context.Context, req chat.Request) chat.Reply
	ClearHistory(ctx context.Context, userID, sessionID string) (int64, error)
}

// ChatOptions configures the chat transports
type ChatOptions struct {
	Heartbeat       time.Duration
	WSPingInterval  time.Duration
	WSMaxMessage    int64
	MaxRequestBytes int64
}

// ChatHandler serves the synchronous, SSE and WebSocket chat endpoints.
type ChatHandler struct {
	svc     ChatService
	limiter *UserLimiter
	opts    ChatOptions
	logger  *zap.Logger
}

// NewChatHandler creates the chat transport. limiter may be nil.
func NewChatHandler(svc ChatService, limiter *UserLimiter, opts ChatOptions, logger *zap.Logger) *ChatHandler {
	if opts.WSPingInterval <= 0 {
		opts.WSPingInterval = 30 * time.Second
	}
	if opts.WSMaxMessage <= 0 {
		opts.WSMaxMessage = 1 << 16
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{svc: svc, limiter: limiter, opts: opts, logger: logger}
}

// RegisterRoutes registers the chat routes on the provided mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/chat/stream", h.handleStream)
	mux.HandleFunc("DELETE /api/v1/chat/history", h.handleClear)
	h.RegisterWebSocket(mux)
}

// decode reads and validates a chat request, writing the error response
// itself when it returns false
func (h *ChatHandler) decode(w http.ResponseWriter, r *http.Request, endpoint string) (chat.Request, bool) {
	var req chat.Request
	body := http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if req.RequestID == "" {
		req.RequestID = RequestIDFrom(r.Context())
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if !h.limiter.Allow(req.UserID) {
		metrics.RateLimited.WithLabelValues(endpoint).Inc()
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return req, false
	}
	return req, true
}

// handleChat answers in one JSON response.
// POST /api/v1/chat
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "chat")
	if !ok {
		return
	}
	reply := h.svc.Chat(r.Context(), req)
	status := http.StatusOK
	if reply.Error != "" && reply.Answer == "" {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, reply)
}

// handleStream streams pipeline events via Server-Sent Events. A client
// disconnect cancels retrieval and generation.
// POST /api/v1/chat/stream
func (h *ChatHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r, "stream")
	if !ok {
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, streaming.ErrStreamingUnsupported.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan streaming.Event, 64)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer close(events)
		h.svc.Stream(ctx, req, func(ev streaming.Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()

	err := streaming.WriteSSE(ctx, w, events, streaming.SSEOptions{
		Heartbeat: h.opts.Heartbeat,
		Debug:     req.Debug,
		Logger:    h.logger,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Info("SSE stream ended early", zap.String("user_id", req.UserID), zap.Error(err))
	}
	cancel()
	<-produced
}

type clearRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// handleClear deletes the stored history of one session.
// DELETE /api/v1/chat/history?user_id=&session_id=
func (h *ChatHandler) handleClear(w http.ResponseWriter, r *http.Request) {
	req := clearRequest{
		UserID:    r.URL.Query().Get("user_id"),
		SessionID: r.URL.Query().Get("session_id"),
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}
	n, err := h.svc.ClearHistory(r.Context(), req.UserID, req.SessionID)
	if err != nil {
		h.logger.Warn("Clear history failed", zap.String("user_id", req.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}
