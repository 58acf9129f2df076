package flashblocks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// ErrMalformedFrame marks an upstream frame that could not be decoded into
// a flashblock. Malformed frames are dropped and counted, never fatal.
var ErrMalformedFrame = errors.New("malformed flashblock frame")

// maxDecompressedFrame bounds how much a compressed frame may expand to.
const maxDecompressedFrame = 16 * 1024 * 1024 // 16MB

// Decode parses a JSON text frame into a Flashblock. A flashblock without
// metadata.block_number cannot be sequenced and is treated as malformed.
func Decode(data []byte) (*Flashblock, error) {
	var fb Flashblock
	if err := json.Unmarshal(data, &fb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if fb.Metadata == nil {
		return nil, fmt.Errorf("%w: missing metadata", ErrMalformedFrame)
	}
	return &fb, nil
}

// DecodeCompressed parses a binary frame. Upstream binary frames are
// Brotli-compressed JSON.
func DecodeCompressed(data []byte) (*Flashblock, error) {
	r := brotli.NewReader(bytes.NewReader(data))
	decompressed, err := io.ReadAll(io.LimitReader(r, maxDecompressedFrame))
	if err != nil {
		return nil, fmt.Errorf("%w: brotli: %v", ErrMalformedFrame, err)
	}
	return Decode(decompressed)
}
