package relay

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flashmev/flashblocks-relay/internal/hub"
)

// SSEHandler streams flashblock events to long-lived HTTP clients, one
// event per SSE frame. Each connected client gets its own hub subscriber
// drained by the handler goroutine.
type SSEHandler struct {
	hub       *hub.Hub
	encoder   *Encoder
	policy    hub.Policy
	buffer    int
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewSSEHandler creates the SSE adapter. policy is the default overflow
// policy for SSE clients; a client may override it with ?policy=.
func NewSSEHandler(h *hub.Hub, encoder *Encoder, policy hub.Policy, buffer int, heartbeat time.Duration, logger *zap.Logger) *SSEHandler {
	return &SSEHandler{
		hub:       h,
		encoder:   encoder,
		policy:    policy,
		buffer:    buffer,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// HandleSSE serves one client until it disconnects or is evicted.
func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	policy := h.policy
	if raw := r.URL.Query().Get("policy"); raw != "" {
		parsed, err := hub.ParsePolicy(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		policy = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Register(policy, h.buffer)
	defer h.hub.Deregister(sub.ID())

	h.logger.Info("sse client connected",
		zap.String("id", sub.ID().String()),
		zap.String("policy", policy.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("sse client disconnected",
				zap.String("id", sub.ID().String()),
			)
			return

		case <-sub.Done():
			h.logger.Info("sse client evicted",
				zap.String("id", sub.ID().String()),
				zap.Uint64("dropped", sub.Dropped()),
			)
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev := <-sub.Events():
			data, err := h.encoder.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: flashblock\nid: %d-%d\ndata: %s\n\n",
				ev.BlockNumber, ev.Index, data); err != nil {
				h.logger.Debug("failed to write to sse client", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}
