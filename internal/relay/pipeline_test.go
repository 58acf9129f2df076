package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flashmev/flashblocks-relay/internal/flashblocks"
	"github.com/flashmev/flashblocks-relay/internal/hub"
	"github.com/flashmev/flashblocks-relay/internal/sequence"
	"github.com/flashmev/flashblocks-relay/internal/upstream"
)

var pipelineUpgrader = websocket.Upgrader{}

// startFeed runs a fake upstream that pushes the given frames to the first
// client that connects.
func startFeed(t *testing.T, frames [][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := pipelineUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func feedFrame(block, index uint64) []byte {
	return []byte(fmt.Sprintf(
		`{"payload_id":"0xfeed","index":%d,"metadata":{"block_number":%d}}`,
		index, block,
	))
}

func TestPipelineEndToEnd(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	frames := [][]byte{
		feedFrame(10, 0),
		feedFrame(10, 1),
		feedFrame(10, 1), // duplicate, must not reach subscribers
		feedFrame(10, 4), // gap
		feedFrame(9, 0),  // regression
	}
	srv := startFeed(t, frames)

	connector := upstream.New(upstream.Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		MaxRetries:     3,
		DialRatePerSec: 100,
		EventBuffer:    16,
		PingInterval:   time.Second,
		PongWait:       5 * time.Second,
	}, logger)

	hb := hub.New(logger)
	sub := hb.Register(hub.DropOldest, 16)

	pipeline := NewPipeline(connector, sequence.New(logger), hb, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := connector.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- pipeline.Run(ctx) }()
	defer connector.Close()

	recv := func() flashblocks.Event {
		t.Helper()
		select {
		case ev := <-sub.Events():
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivered event")
			return flashblocks.Event{}
		}
	}

	ev := recv()
	if ev.BlockNumber != 10 || ev.Index != 0 || ev.Gap || ev.Reset {
		t.Errorf("expected clean (10,0), got %+v", ev)
	}

	ev = recv()
	if ev.BlockNumber != 10 || ev.Index != 1 || ev.Gap {
		t.Errorf("expected clean (10,1), got %+v", ev)
	}

	// The duplicate (10,1) is discarded; next delivery is the gapped (10,4).
	ev = recv()
	if ev.BlockNumber != 10 || ev.Index != 4 || !ev.Gap {
		t.Errorf("expected gapped (10,4), got %+v", ev)
	}

	ev = recv()
	if ev.BlockNumber != 9 || ev.Index != 0 || !ev.Reset {
		t.Errorf("expected reset (9,0), got %+v", ev)
	}

	cancel()
	select {
	case err := <-pipelineDone:
		if err != nil {
			t.Errorf("pipeline returned error on cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop on cancel")
	}
}

func TestRouterEndpoints(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	hb := hub.New(logger)
	enc := newTestEncoder(t)

	connector := upstream.New(upstream.Config{
		URL:            "ws://127.0.0.1:1",
		BackoffMin:     time.Millisecond,
		BackoffMax:     time.Millisecond,
		MaxRetries:     1,
		DialRatePerSec: 1,
		EventBuffer:    1,
		PingInterval:   time.Second,
		PongWait:       time.Second,
	}, logger)

	pipeline := NewPipeline(connector, sequence.New(logger), hb, logger)
	sse := NewSSEHandler(hb, enc, hub.DropOldest, 16, time.Hour, logger)
	ws := NewWSHandler(hb, enc, hub.Disconnect, 16, logger)

	srv := httptest.NewServer(NewRouter(pipeline, sse, ws, logger))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if status.UpstreamConnected {
		t.Error("expected upstream_connected false when never connected")
	}
	if status.Subscribers != 0 {
		t.Errorf("expected 0 subscribers, got %d", status.Subscribers)
	}
}
