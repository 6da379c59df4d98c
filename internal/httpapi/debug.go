package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/debug"
	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/streaming"
)

type eventDeleter interface {
	Delete(ctx context.Context, requestID string) error
}

type eventSubscriber interface {
	Subscribe(ctx context.Context, requestID string, since uint64, out chan<- streaming.Record) error
}

// DebugHandler exposes stored debug records and request event logs.
type DebugHandler struct {
	store  debug.Store
	events streaming.EventLog
	logger *zap.Logger
}

// NewDebugHandler creates the debug endpoints. events may be nil.
func NewDebugHandler(store debug.Store, events streaming.EventLog, logger *zap.Logger) *DebugHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DebugHandler{store: store, events: events, logger: logger}
}

// RegisterRoutes registers the debug routes on the provided mux.
func (h *DebugHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/debug/{request_id}", h.handleGet)
	mux.HandleFunc("DELETE /api/v1/debug/{request_id}", h.handleDelete)
	mux.HandleFunc("GET /api/v1/debug/{request_id}/events", h.handleEvents)
}

func (h *DebugHandler) writeStoreError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, debug.ErrNotFound):
		writeError(w, http.StatusNotFound, "debug record not found")
	case errors.Is(err, debug.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		h.logger.Warn("Debug store failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "debug store unavailable")
	}
}

// GET /api/v1/debug/{request_id}?user_id=
func (h *DebugHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	rec, err := debug.Fetch(r.Context(), h.store, id, userID)
	if err != nil {
		h.writeStoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DELETE /api/v1/debug/{request_id}?user_id=
func (h *DebugHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := debug.Remove(r.Context(), h.store, id, userID); err != nil {
		h.writeStoreError(w, id, err)
		return
	}
	if d, ok := h.events.(eventDeleter); ok {
		if err := d.Delete(r.Context(), id); err != nil {
			h.logger.Warn("Event log delete failed", zap.String("request_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleEvents replays a request's event log. With follow=true and a log
// that supports it, the response stays open as SSE until done is recorded.
// GET /api/v1/debug/{request_id}/events?user_id=&since=&follow=
func (h *DebugHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("request_id")
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event log disabled")
		return
	}
	var since uint64
	if s := q.Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	// Ownership is only known once a debug record exists.
	if h.store != nil {
		if _, err := debug.Fetch(r.Context(), h.store, id, userID); errors.Is(err, debug.ErrForbidden) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
	}

	sub, canFollow := h.events.(eventSubscriber)
	if q.Get("follow") == "true" && canFollow {
		h.follow(w, r, sub, id, since)
		return
	}

	records, err := h.events.Replay(r.Context(), id, since)
	if err != nil {
		h.logger.Warn("Event replay failed", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event log unavailable")
		return
	}
	if records == nil {
		records = []streaming.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": id,
		"events":     records,
	})
}

func (h *DebugHandler) follow(w http.ResponseWriter, r *http.Request, sub eventSubscriber, id string, since uint64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, streaming.ErrStreamingUnsupported.Error())
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan streaming.Record, 32)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		errc <- sub.Subscribe(ctx, id, since, out)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for rec := range out {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", rec.Seq, data); err != nil {
			cancel()
			break
		}
		flusher.Flush()
	}
	// drain so Subscribe can observe cancellation and return
	for range out {
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Info("Event follow ended", zap.String("request_id", id), zap.Error(err))
	}
}
