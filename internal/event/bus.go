// Package event implements the in-process publish/subscribe bus that backs
// agent observability. Every significant agent action is published as an
// Event; subscribers (the control socket's subscribe_events stream, tests,
// the CLI transcript view) receive events in sequence order.
//
// Events are retained in a bounded ring so a late subscriber can replay
// recent history. A subscriber that cannot keep up is dropped rather than
// allowed to block the publisher.
package event

import (
	"sync"
	"time"
)

// Kind identifies the type of an event.
type Kind string

// Event kinds emitted by an agent.
const (
	KindTurnStarted         Kind = "turn_started"
	KindTurnFinished        Kind = "turn_finished"
	KindTurnCapped          Kind = "turn_capped"
	KindToolCallStarted     Kind = "tool_call_started"
	KindToolCallFinished    Kind = "tool_call_finished"
	KindPeerMessageReceived Kind = "peer_message_received"
	KindPeerMessageSent     Kind = "peer_message_sent"
	KindModelRequest        Kind = "model_request"
	KindModelResponse       Kind = "model_response"
	KindError               Kind = "error"
	KindConnected           Kind = "connected"
	KindDisconnected        Kind = "disconnected"
	KindShutdownRequested   Kind = "shutdown_requested"
)

// Event is a single structured event emitted by an agent.
// Seq is monotonically increasing and contiguous within one agent.
type Event struct {
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Kind          Kind           `json:"kind"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Peer          string         `json:"peer,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// DefaultRingSize is the number of events retained for replay.
const DefaultRingSize = 1000

// subscriberBuffer is the per-subscriber live queue depth. A subscriber
// whose queue fills up is dropped.
const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus is a publish/subscribe event bus with bounded history.
// All methods are safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	seq     int64
	ring    []Event
	ringCap int
	subs    map[int]*subscriber
	nextID  int
}

// NewBus creates a bus retaining ringSize events for replay.
// A ringSize <= 0 selects DefaultRingSize.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Bus{
		ringCap: ringSize,
		subs:    make(map[int]*subscriber),
	}
}

// Publish assigns the next sequence number to an event and delivers it to
// all subscribers. Delivery never blocks: a subscriber whose queue is full
// is closed and removed.
func (b *Bus) Publish(kind Kind, correlationID, peer string, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Seq:           b.seq,
		Timestamp:     time.Now().UTC(),
		Kind:          kind,
		CorrelationID: correlationID,
		Peer:          peer,
		Payload:       payload,
	}

	b.ring = append(b.ring, ev)
	if len(b.ring) > b.ringCap {
		b.ring = b.ring[len(b.ring)-b.ringCap:]
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber stalled; drop it so the publisher never blocks.
			sub.closed = true
			close(sub.ch)
			delete(b.subs, id)
		}
	}

	return ev
}

// Subscribe registers a subscriber. The returned channel first yields the
// retained backlog starting at sinceSeq (clamped to the oldest retained
// event), then live events. The channel is closed when the subscriber is
// dropped or cancel is called. sinceSeq <= 0 means "from now".
func (b *Bus) Subscribe(sinceSeq int64) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var backlog []Event
	if sinceSeq > 0 {
		for _, ev := range b.ring {
			if ev.Seq >= sinceSeq {
				backlog = append(backlog, ev)
			}
		}
	}

	sub := &subscriber{ch: make(chan Event, subscriberBuffer+len(backlog))}
	for _, ev := range backlog {
		sub.ch <- ev
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return sub.ch, cancel
}

// History returns a snapshot of retained events with Seq >= sinceSeq.
func (b *Bus) History(sinceSeq int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, len(b.ring))
	for _, ev := range b.ring {
		if ev.Seq >= sinceSeq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the sequence number of the most recently published event.
func (b *Bus) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
