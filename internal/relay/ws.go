package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flashmev/flashblocks-relay/internal/hub"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Clients only ever send
	// control frames.
	maxClientMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler pushes flashblock events over a persistent WebSocket, one
// event per message. Outbound compression is negotiated per client via
// the compression query parameter.
type WSHandler struct {
	hub     *hub.Hub
	encoder *Encoder
	policy  hub.Policy
	buffer  int
	logger  *zap.Logger
}

// NewWSHandler creates the WebSocket push adapter.
func NewWSHandler(h *hub.Hub, encoder *Encoder, policy hub.Policy, buffer int, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:     h,
		encoder: encoder,
		policy:  policy,
		buffer:  buffer,
		logger:  logger,
	}
}

// HandleWS upgrades the connection and starts the per-client pumps.
func (h *WSHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	comp, err := ParseCompression(r.URL.Query().Get("compression"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := h.hub.Register(policy, h.buffer)
	client := &wsClient{
		handler:     h,
		conn:        conn,
		sub:         sub,
		compression: comp,
	}

	h.logger.Info("ws client connected",
		zap.String("id", sub.ID().String()),
		zap.String("policy", policy.String()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go client.writePump()
	go client.readPump()
}

// wsClient is one connected push client: a websocket connection paired
// with its hub subscriber.
type wsClient struct {
	handler     *WSHandler
	conn        *websocket.Conn
	sub         *hub.Subscriber
	compression Compression
}

// readPump discards client messages and detects disconnects. Clients have
// nothing to say on this protocol; the read loop exists for close frames
// and pong bookkeeping.
func (c *wsClient) readPump() {
	defer func() {
		c.handler.hub.Deregister(c.sub.ID())
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxClientMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.handler.logger.Debug("websocket read error",
					zap.String("id", c.sub.ID().String()),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump drains the subscriber queue onto the wire and keeps the
// connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.handler.hub.Deregister(c.sub.ID())
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.compression != CompressionNone {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.sub.Done():
			// Evicted by the hub or service shutting down.
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
			return

		case ev := <-c.sub.Events():
			data, err := c.handler.encoder.Encode(ev, c.compression)
			if err != nil {
				c.handler.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, data); err != nil {
				c.handler.logger.Debug("websocket write error",
					zap.String("id", c.sub.ID().String()),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
