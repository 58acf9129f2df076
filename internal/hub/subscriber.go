package hub

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/flashmev/flashblocks-relay/internal/flashblocks"
)

// Policy decides what happens when a subscriber's queue is full. It is
// chosen by the protocol adapter at registration time: SSE clients usually
// prefer staying connected with holes in the stream, push clients usually
// prefer a clean disconnect over silent loss.
type Policy int

const (
	// DropOldest evicts the oldest queued event to make room, keeping the
	// subscriber current at the cost of completeness.
	DropOldest Policy = iota
	// Disconnect closes the subscriber instead of dropping events.
	Disconnect
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case Disconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop_oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// State is the subscriber lifecycle: Active receives publishes, Draining no
// longer receives but has not been removed yet, Closed is removed.
type State int

const (
	StateActive State = iota
	StateDraining
	StateClosed
)

// Subscriber is one downstream consumer's channel into the hub. The hub is
// the only writer to the queue; the owning protocol adapter is the only
// reader.
type Subscriber struct {
	id     uuid.UUID
	policy Policy
	events chan flashblocks.Event
	done   chan struct{}

	mu    sync.Mutex
	state State

	dropped atomic.Uint64
}

func newSubscriber(policy Policy, buffer int) *Subscriber {
	return &Subscriber{
		id:     uuid.New(),
		policy: policy,
		events: make(chan flashblocks.Event, buffer),
		done:   make(chan struct{}),
	}
}

// ID is unique per registration.
func (s *Subscriber) ID() uuid.UUID { return s.id }

// Events is the delivery queue. It is never closed; Done signals that the
// hub is finished with this subscriber.
func (s *Subscriber) Events() <-chan flashblocks.Event { return s.events }

// Done is closed when the subscriber is deregistered or evicted. Adapters
// must treat it as "disconnect the client".
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped reports how many events were discarded under the DropOldest
// policy.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the subscriber to next and reports whether the move
// happened. States only move forward.
func (s *Subscriber) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next <= s.state {
		return false
	}
	s.state = next
	return true
}
