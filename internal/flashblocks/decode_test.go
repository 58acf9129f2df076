package flashblocks

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/andybalholm/brotli"
)

const sampleFrame = `{
	"payload_id": "0x03997352d799c31a",
	"index": 2,
	"diff": {
		"state_root": "0xaaa",
		"receipts_root": "0xbbb",
		"logs_bloom": "0x0",
		"gas_used": "0x5208",
		"block_hash": "0xccc",
		"transactions": ["0x02f871"],
		"withdrawals": [],
		"withdrawals_root": "0xddd"
	},
	"metadata": {
		"block_number": 12345,
		"receipts": {"0xhash": {"status": "0x1"}},
		"new_account_balances": {"0xabc": "0x10"}
	}
}`

func TestDecode(t *testing.T) {
	fb, err := Decode([]byte(sampleFrame))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if fb.PayloadID != "0x03997352d799c31a" {
		t.Errorf("expected payload_id 0x03997352d799c31a, got %s", fb.PayloadID)
	}
	if fb.Index != 2 {
		t.Errorf("expected index 2, got %d", fb.Index)
	}
	if fb.Metadata.BlockNumber != 12345 {
		t.Errorf("expected block_number 12345, got %d", fb.Metadata.BlockNumber)
	}
	if len(fb.Diff.Transactions) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(fb.Diff.Transactions))
	}
}

func TestDecodeBaseOnFirstIndex(t *testing.T) {
	frame := `{"payload_id":"0x1","index":0,"base":{"parent_hash":"0xfeed"},"metadata":{"block_number":7}}`

	fb, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(fb.Base) == 0 {
		t.Error("expected base payload on index 0")
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"payload_id": truncated`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeMissingMetadata(t *testing.T) {
	_, err := Decode([]byte(`{"payload_id":"0x1","index":3}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for missing metadata, got %v", err)
	}
}

func TestDecodeMissingBlockNumber(t *testing.T) {
	_, err := Decode([]byte(`{"payload_id":"0x1","index":4,"metadata":{"receipts":{}}}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for missing block_number, got %v", err)
	}

	// An explicit zero is a real block number, not an omission.
	fb, err := Decode([]byte(`{"payload_id":"0x1","index":0,"metadata":{"block_number":0}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if fb.Metadata.BlockNumber != 0 {
		t.Errorf("expected block_number 0, got %d", fb.Metadata.BlockNumber)
	}
}

func TestDecodeCompressed(t *testing.T) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write([]byte(sampleFrame)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	fb, err := DecodeCompressed(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeCompressed failed: %v", err)
	}
	if fb.Metadata.BlockNumber != 12345 {
		t.Errorf("expected block_number 12345, got %d", fb.Metadata.BlockNumber)
	}
}

func TestDecodeCompressedGarbage(t *testing.T) {
	_, err := DecodeCompressed([]byte{0xde, 0xad, 0xbe, 0xef})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("expected ErrMalformedFrame for garbage bytes, got %v", err)
	}
}

func TestFlashblockRoundTripKeepsOpaqueFields(t *testing.T) {
	fb, err := Decode([]byte(sampleFrame))
	if err != nil {
		t.Fatal(err)
	}

	out, err := json.Marshal(fb)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !bytes.Contains(out, []byte(`"status":"0x1"`)) {
		t.Error("expected raw receipt contents to survive re-encoding")
	}
}
