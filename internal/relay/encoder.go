package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/flashmev/flashblocks-relay/internal/flashblocks"
)

// Compression selects the outbound frame compression for a push client,
// negotiated via the "compression" query parameter at connect time.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionBrotli
	CompressionZstd
)

// ParseCompression converts the query parameter value; empty means none.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "brotli":
		return CompressionBrotli, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// Envelope is the wire shape of one delivered event. Gap and reset flags
// are surfaced in-band so consumers know when completeness is not
// guaranteed.
type Envelope struct {
	Type        string                  `json:"type"`
	BlockNumber uint64                  `json:"block_number"`
	Index       uint64                  `json:"index"`
	Gap         bool                    `json:"gap,omitempty"`
	Reset       bool                    `json:"reset,omitempty"`
	ReceivedAt  int64                   `json:"received_at"`
	Data        *flashblocks.Flashblock `json:"data"`
}

func newEnvelope(ev flashblocks.Event) Envelope {
	return Envelope{
		Type:        "flashblock",
		BlockNumber: ev.BlockNumber,
		Index:       ev.Index,
		Gap:         ev.Gap,
		Reset:       ev.Reset,
		ReceivedAt:  ev.ReceivedAt.UnixMilli(),
		Data:        ev.Payload,
	}
}

// Encoder serializes events for the wire, optionally compressing them.
// Safe for concurrent use: the zstd encoder is only used through
// EncodeAll.
type Encoder struct {
	zstdEncoder *zstd.Encoder
}

// NewEncoder creates an Encoder with a shared Zstd backend.
func NewEncoder() (*Encoder, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Encoder{zstdEncoder: enc}, nil
}

// Marshal renders the plain JSON envelope for ev.
func (e *Encoder) Marshal(ev flashblocks.Event) ([]byte, error) {
	data, err := json.Marshal(newEnvelope(ev))
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Encode renders the envelope and applies the client's negotiated
// compression.
func (e *Encoder) Encode(ev flashblocks.Event, comp Compression) ([]byte, error) {
	data, err := e.Marshal(ev)
	if err != nil {
		return nil, err
	}

	switch comp {
	case CompressionNone:
		return data, nil

	case CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli compress: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		return e.zstdEncoder.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unknown compression %d", comp)
	}
}

// Close releases encoder resources.
func (e *Encoder) Close() {
	if e.zstdEncoder != nil {
		e.zstdEncoder.Close()
	}
}
