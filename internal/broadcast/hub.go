// Package broadcast fans lifecycle events out to real-time subscribers and
// in-process sinks.
package broadcast

import (
	"encoding/json"
	"io"
	"log"
	"sync"

	"trustgate.ai/internal/protocol"
)

// Sink receives every published event synchronously, in publish order.
// Implementations must not block.
type Sink interface {
	HandleEvent(ev protocol.Event)
}

type SinkFunc func(ev protocol.Event)

func (f SinkFunc) HandleEvent(ev protocol.Event) { f(ev) }

// Subscriber receives encoded events on C. C is closed when the subscriber
// is removed, either by Unsubscribe or because it fell behind.
type Subscriber struct {
	ID uint64
	C  <-chan []byte

	out     chan []byte
	dropped bool
}

// Dropped reports whether the hub evicted the subscriber for being slow.
// Valid once C is closed.
func (s *Subscriber) Dropped() bool { return s.dropped }

type Hub struct {
	log *log.Logger

	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*Subscriber
	sinks  []Sink
	closed bool
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{log: logger, subs: map[uint64]*Subscriber{}}
}

func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe registers a subscriber with a queue of buf encoded events. No
// history is replayed.
func (h *Hub) Subscribe(buf int) *Subscriber {
	if buf <= 0 {
		buf = 64
	}
	out := make(chan []byte, buf)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscriber{ID: h.nextID, C: out, out: out}
	if h.closed {
		close(out)
		return s
	}
	h.subs[s.ID] = s
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	if s == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.ID]; ok {
		delete(h.subs, s.ID)
		close(s.out)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish stamps ev with the next sequence number and delivers it. Every
// subscriber and sink observes events in the same order.
func (h *Hub) Publish(ev protocol.Event) protocol.Event {
	if err := ev.Check(); err != nil {
		h.log.Printf("broadcast: inconsistent event: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ev
	}
	h.seq++
	ev.Seq = h.seq

	for _, s := range h.sinks {
		s.HandleEvent(ev)
	}
	if len(h.subs) == 0 {
		return ev
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Printf("broadcast: encode seq=%d: %v", ev.Seq, err)
		return ev
	}
	for id, s := range h.subs {
		select {
		case s.out <- b:
		default:
			s.dropped = true
			delete(h.subs, id)
			close(s.out)
			h.log.Printf("broadcast: dropped slow subscriber id=%d seq=%d", id, ev.Seq)
		}
	}
	return ev
}

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.out)
	}
}
