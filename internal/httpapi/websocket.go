package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/chat"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured at the proxy
}

// RegisterWebSocket registers the /api/v1/chat/ws endpoint.
func (h *ChatHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/chat/ws", h.handleWS)
}

// handleWS accepts chat requests as JSON text frames and answers each with
// the same event sequence the SSE endpoint produces. Turns on one socket run
// one at a time.
func (h *ChatHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readWait := 2 * h.opts.WSPingInterval
	conn.SetReadLimit(h.opts.WSMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	// Reader pump: a read error (close frame, dead peer) cancels the
	// in-flight turn.
	requests := make(chan []byte, 1)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			select {
			case requests <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Ping pump; WriteControl is safe alongside the writer below.
	go func() {
		ticker := time.NewTicker(h.opts.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	send := func(ev streaming.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, ev.Marshal()); err != nil {
			cancel()
			return false
		}
		metrics.StreamEvents.WithLabelValues(string(ev.Status)).Inc()
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-requests:
			h.serveWSTurn(ctx, data, send)
		}
	}
}

func (h *ChatHandler) serveWSTurn(ctx context.Context, data []byte, send func(streaming.Event) bool) {
	var req chat.Request
	if err := json.Unmarshal(data, &req); err != nil {
		send(streaming.ErrorEvent("invalid JSON"))
		send(streaming.Done())
		return
	}
	if err := req.Validate(); err != nil {
		send(streaming.ErrorEvent(sanitizeErr(err.Error())))
		send(streaming.Done())
		return
	}
	if !h.limiter.Allow(req.UserID) {
		metrics.RateLimited.WithLabelValues("ws").Inc()
		send(streaming.ErrorEvent("rate limit exceeded"))
		send(streaming.Done())
		return
	}

	alive := true
	h.svc.Stream(ctx, req, func(ev streaming.Event) {
		if !alive || !ev.Forwarded(req.Debug) {
			return
		}
		alive = send(ev)
	})
	if !alive {
		h.logger.Info("WebSocket client disconnected mid-turn", zap.String("user_id", req.UserID))
	}
}
