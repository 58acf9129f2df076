package flashblocks

import (
	"encoding/json"
	"errors"
	"time"
)

// Flashblock is one partial-construction update for a block-in-progress,
// as published by the upstream builder. Transaction contents are carried
// opaquely; only the sequencing metadata is inspected by this service.
type Flashblock struct {
	PayloadID string                `json:"payload_id"`
	Index     uint64                `json:"index"`
	Base      json.RawMessage       `json:"base,omitempty"`
	Diff      *ExecutionPayloadDiff `json:"diff,omitempty"`
	Metadata  *Metadata             `json:"metadata,omitempty"`
}

// ExecutionPayloadDiff holds the changes this flashblock applies on top of
// the previous one. Hex-encoded fields are kept as strings.
type ExecutionPayloadDiff struct {
	StateRoot       string            `json:"state_root"`
	ReceiptsRoot    string            `json:"receipts_root"`
	LogsBloom       string            `json:"logs_bloom"`
	GasUsed         string            `json:"gas_used"`
	BlockHash       string            `json:"block_hash"`
	Transactions    []string          `json:"transactions"`
	Withdrawals     []json.RawMessage `json:"withdrawals,omitempty"`
	WithdrawalsRoot string            `json:"withdrawals_root"`
}

// Metadata carries builder-side bookkeeping attached to a flashblock.
// Receipts and balances are opaque to the relay.
type Metadata struct {
	BlockNumber        uint64                     `json:"block_number"`
	Receipts           map[string]json.RawMessage `json:"receipts,omitempty"`
	NewAccountBalances map[string]json.RawMessage `json:"new_account_balances,omitempty"`
}

// UnmarshalJSON rejects metadata without block_number. A zero-defaulted
// block number would masquerade as a block regression and reinitialize
// sequencing state for every consumer.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type alias Metadata
	aux := struct {
		BlockNumber *uint64 `json:"block_number"`
		*alias
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.BlockNumber == nil {
		return errors.New("metadata missing block_number")
	}
	m.BlockNumber = *aux.BlockNumber
	return nil
}

// Event is the unit flowing through the ingestion pipeline: a decoded
// flashblock plus arrival metadata. Gap and Reset are set by the pipeline
// when sequencing anomalies are detected and are forwarded to consumers
// in-band.
type Event struct {
	BlockNumber uint64
	Index       uint64
	Payload     *Flashblock
	ReceivedAt  time.Time

	// Gap marks that one or more flashblocks may have been missed before
	// this one. Reset marks that the upstream regressed to an earlier
	// block and state was reinitialized.
	Gap   bool
	Reset bool

	// Discontinuity events carry no payload. The connector injects one
	// after every reconnect so the tracker knows the stream may have a
	// hole; they are never delivered to subscribers.
	Discontinuity bool
}
