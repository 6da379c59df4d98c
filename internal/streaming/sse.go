package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/ragrouter/internal/metrics"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush
var ErrStreamingUnsupported = errors.New("streaming not supported")

// minHeartbeat floors the keep-alive interval
var minHeartbeat = time.Second

// HeartbeatInterval returns max(hb, 1s)
func HeartbeatInterval(hb time.Duration) time.Duration {
	if hb < minHeartbeat {
		return minHeartbeat
	}
	return hb
}

// FormatSSE frames one event as an SSE data line
func FormatSSE(ev Event) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", ev.Marshal()))
}

// SSEOptions configures WriteSSE
type SSEOptions struct {
	Heartbeat time.Duration
	Debug     bool
	Logger    *zap.Logger
}

// WriteSSE drains events to w as Server-Sent Events until the channel is
// closed or ctx is done. A ": ping" comment is written after each heartbeat
// interval of silence. Exactly one done event reaches the client: one is
// synthesized if the producer closed the channel without sending it, and
// anything after the first done is dropped.
func WriteSSE(ctx context.Context, w http.ResponseWriter, events <-chan Event, opts SSEOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.StreamsActive.Inc()
	defer metrics.StreamsActive.Dec()

	interval := HeartbeatInterval(opts.Heartbeat)
	hb := time.NewTimer(interval)
	defer hb.Stop()

	write := func(payload []byte) error {
		if _, err := w.Write(payload); err != nil {
			return err
		}
		flusher.Flush()
		if !hb.Stop() {
			select {
			case <-hb.C:
			default:
			}
		}
		hb.Reset(interval)
		return nil
	}

	sawDone := false
	for {
		select {
		case <-ctx.Done():
			metrics.StreamDisconnects.Inc()
			logger.Info("SSE client disconnected", zap.Error(ctx.Err()))
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if !sawDone {
					metrics.StreamEvents.WithLabelValues(string(StatusDone)).Inc()
					return write(FormatSSE(Done()))
				}
				return nil
			}
			if sawDone || !ev.Forwarded(opts.Debug) {
				continue
			}
			if err := write(FormatSSE(ev)); err != nil {
				logger.Info("SSE write failed", zap.Error(err))
				return err
			}
			metrics.StreamEvents.WithLabelValues(string(ev.Status)).Inc()
			if ev.Status == StatusDone {
				sawDone = true
			}

		case <-hb.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			hb.Reset(interval)
		}
	}
}
