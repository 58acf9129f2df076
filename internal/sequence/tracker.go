// Package sequence enforces the flashblock ordering invariant: within one
// block the indexes must be 0, 1, 2, ... and block numbers must only move
// forward. Anything else is classified so the pipeline can decide what to
// forward.
package sequence

import (
	"go.uber.org/zap"

	"github.com/flashmev/flashblocks-relay/internal/flashblocks"
)

// Decision classifies one observed event.
type Decision int

const (
	// Accept means the event is exactly the next expected flashblock.
	Accept Decision = iota
	// Duplicate means the event was already seen; it is not forwarded.
	Duplicate
	// GapDetected means one or more flashblocks were missed; the tracker
	// adopts the new position and the event is forwarded flagged.
	GapDetected
	// Reset means the upstream regressed to an earlier block; tracking
	// restarts from the event and it is forwarded flagged.
	Reset
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Duplicate:
		return "duplicate"
	case GapDetected:
		return "gap"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// Tracker holds the expected position in the flashblock stream. It is not
// safe for concurrent use; the ingestion pipeline is its only caller.
type Tracker struct {
	primed       bool
	currentBlock uint64
	nextIndex    uint64

	// pendingGap is set when the connector signalled a reconnect, so the
	// next real event is flagged even if it happens to look sequential.
	pendingGap bool

	logger *zap.Logger
}

// New creates a Tracker in the unset state: the first observed event
// establishes the position.
func New(logger *zap.Logger) *Tracker {
	return &Tracker{logger: logger}
}

// Observe classifies ev and advances tracker state. Discontinuity markers
// reset tracking to unset and are classified GapDetected; the caller must
// not forward them.
func (t *Tracker) Observe(ev flashblocks.Event) Decision {
	if ev.Discontinuity {
		t.logger.Debug("upstream discontinuity, sequence state reset")
		t.primed = false
		t.pendingGap = true
		return GapDetected
	}

	if !t.primed {
		return t.prime(ev)
	}

	switch {
	case ev.BlockNumber == t.currentBlock:
		switch {
		case ev.Index == t.nextIndex:
			t.nextIndex++
			return Accept
		case ev.Index < t.nextIndex:
			return Duplicate
		default:
			t.logger.Debug("flashblock gap",
				zap.Uint64("block", ev.BlockNumber),
				zap.Uint64("expected", t.nextIndex),
				zap.Uint64("got", ev.Index),
			)
			t.nextIndex = ev.Index + 1
			return GapDetected
		}

	case ev.BlockNumber > t.currentBlock:
		t.currentBlock = ev.BlockNumber
		t.nextIndex = ev.Index + 1
		if ev.Index == 0 {
			return Accept
		}
		// Missed the start of the new block.
		t.logger.Debug("joined new block mid-sequence",
			zap.Uint64("block", ev.BlockNumber),
			zap.Uint64("index", ev.Index),
		)
		return GapDetected

	default: // ev.BlockNumber < t.currentBlock
		t.logger.Warn("upstream block regression",
			zap.Uint64("from", t.currentBlock),
			zap.Uint64("to", ev.BlockNumber),
		)
		t.currentBlock = ev.BlockNumber
		t.nextIndex = ev.Index + 1
		return Reset
	}
}

// prime adopts the first event after startup or a discontinuity. Joining at
// index 0 is a clean start; joining mid-block means completeness cannot be
// guaranteed, so the event carries a gap flag.
func (t *Tracker) prime(ev flashblocks.Event) Decision {
	t.primed = true
	t.currentBlock = ev.BlockNumber
	t.nextIndex = ev.Index + 1

	gapped := t.pendingGap
	t.pendingGap = false
	if ev.Index == 0 && !gapped {
		return Accept
	}
	return GapDetected
}
