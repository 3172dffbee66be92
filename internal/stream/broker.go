// Package stream exposes the event log over HTTP: a paginated JSON list
// endpoint and a live Server-Sent Events feed. Grounded on the teacher's
// internal/rpc server_core.go/http_sse.go: same circular recent-events
// buffer plus subscriber fan-out shape, generalized from the teacher's
// NATS-JetStream-or-memory dual path (this substrate has no message
// broker in its dependency graph) down to the in-memory path alone, and
// from "mutation events" to the substrate's own append-only types.Event.
package stream

import (
	"sync"

	"github.com/swarmgrid/substrate/internal/types"
)

// DefaultRecentBuffer bounds how many recent events the broker retains
// for replay to newly connecting SSE subscribers.
const DefaultRecentBuffer = 1000

// DefaultSubscriberBuffer bounds each subscriber's per-connection channel.
const DefaultSubscriberBuffer = 64

// Broker fans out appended events to live subscribers and retains a
// bounded ring of recent events so a subscriber can request replay from
// a given sequence without re-reading the database.
type Broker struct {
	mu     sync.RWMutex
	recent []*types.Event
	maxLen int

	subMu     sync.RWMutex
	subs      map[uint64]*subscriber
	nextSubID uint64
}

type subscriber struct {
	ch chan *types.Event
}

// NewBroker constructs a Broker with the given recent-event buffer size
// (0 uses DefaultRecentBuffer).
func NewBroker(maxLen int) *Broker {
	if maxLen <= 0 {
		maxLen = DefaultRecentBuffer
	}
	return &Broker{
		maxLen: maxLen,
		subs:   make(map[uint64]*subscriber),
	}
}

// Publish records e in the recent buffer and fans it out to every live
// subscriber. Fan-out is non-blocking per subscriber: a slow consumer
// drops events rather than stalling the publisher (same tradeoff as the
// teacher's sseSubscriber channel send).
func (b *Broker) Publish(e *types.Event) {
	b.mu.Lock()
	b.recent = append(b.recent, e)
	if len(b.recent) > b.maxLen {
		b.recent = b.recent[len(b.recent)-b.maxLen:]
	}
	b.mu.Unlock()

	b.subMu.RLock()
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
	b.subMu.RUnlock()
}

// Since returns buffered events with Sequence strictly greater than
// afterSequence, for replay on SSE connect.
func (b *Broker) Since(afterSequence int64) []*types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*types.Event
	for _, e := range b.recent {
		if e.Sequence > afterSequence {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a live subscriber and returns its event channel
// plus an unsubscribe function that must be called exactly once.
func (b *Broker) Subscribe() (<-chan *types.Event, func()) {
	sub := &subscriber{ch: make(chan *types.Event, DefaultSubscriberBuffer)}

	b.subMu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs[id] = sub
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, unsubscribe
}
