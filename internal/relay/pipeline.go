// Package relay contains the ingestion pipeline and the protocol adapters
// that expose the flashblock stream to downstream clients over SSE and
// WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/flashmev/flashblocks-relay/internal/hub"
	"github.com/flashmev/flashblocks-relay/internal/sequence"
	"github.com/flashmev/flashblocks-relay/internal/upstream"
)

// Pipeline is the single ingestion task: it pulls decoded events from the
// connector, classifies them through the tracker, and publishes the
// survivors to the hub. Its pace is set entirely by the upstream; the hub
// guarantees no subscriber can stall it.
type Pipeline struct {
	connector *upstream.Connector
	tracker   *sequence.Tracker
	hub       *hub.Hub
	logger    *zap.Logger
	started   time.Time
}

// NewPipeline wires connector, tracker, and hub together.
func NewPipeline(connector *upstream.Connector, tracker *sequence.Tracker, h *hub.Hub, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		connector: connector,
		tracker:   tracker,
		hub:       h,
		logger:    logger,
		started:   time.Now(),
	}
}

// Run processes events until ctx is cancelled or the connector fails
// fatally. Sustained upstream unavailability is the only error class
// surfaced: everything else is absorbed with a defined policy.
func (p *Pipeline) Run(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() { runErr <- p.connector.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-runErr:
			if err != nil {
				p.logger.Error("upstream permanently unavailable", zap.Error(err))
			}
			return err

		case ev := <-p.connector.Events():
			decision := p.tracker.Observe(ev)
			if ev.Discontinuity {
				// Markers drive tracker state only.
				continue
			}

			switch decision {
			case sequence.Accept:
				p.hub.Publish(ev)

			case sequence.Duplicate:
				p.logger.Debug("dropping duplicate flashblock",
					zap.Uint64("block", ev.BlockNumber),
					zap.Uint64("index", ev.Index),
				)

			case sequence.GapDetected:
				ev.Gap = true
				p.hub.Publish(ev)

			case sequence.Reset:
				ev.Reset = true
				p.hub.Publish(ev)
			}
		}
	}
}

type statusResponse struct {
	UptimeSeconds     int64  `json:"uptime_seconds"`
	UpstreamConnected bool   `json:"upstream_connected"`
	Reconnects        uint64 `json:"reconnects"`
	MalformedFrames   uint64 `json:"malformed_frames"`
	Subscribers       int    `json:"subscribers"`
	Published         uint64 `json:"published"`
}

// handleStatus reports pipeline counters for operators.
func (p *Pipeline) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds:     int64(time.Since(p.started).Seconds()),
		UpstreamConnected: p.connector.Connected(),
		Reconnects:        p.connector.Reconnects(),
		MalformedFrames:   p.connector.MalformedFrames(),
		Subscribers:       p.hub.Len(),
		Published:         p.hub.Published(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		p.logger.Debug("failed to write status response", zap.Error(err))
	}
}
