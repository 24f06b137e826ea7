package event

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/timenic/timenic-daemon/pkg/metrics"
)

const (
	// DefaultBuffer is the per-subscriber queue length.
	DefaultBuffer = 16
	// DefaultMaxMisses is how many consecutive events a subscriber may miss
	// before it is dropped.
	DefaultMaxMisses = 10
)

// Subscriber receives events on C until it is unsubscribed or dropped, at
// which point C is closed.
type Subscriber struct {
	id     string
	ch     chan Event
	misses int
}

// ID ...
func (s *Subscriber) ID() string {
	return s.id
}

// C returns the delivery channel.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Bus is a best-effort broadcaster. Publish never blocks: a subscriber with
// a full queue misses the event, and one that keeps missing is dropped.
type Bus struct {
	sync.Mutex
	subscribers map[string]*Subscriber
	buffer      int
	maxMisses   int
}

// NewBus returns a bus. Zero values select the defaults.
func NewBus(buffer, maxMisses int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if maxMisses <= 0 {
		maxMisses = DefaultMaxMisses
	}
	return &Bus{
		subscribers: make(map[string]*Subscriber),
		buffer:      buffer,
		maxMisses:   maxMisses,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscriber {
	s := &Subscriber{id: uuid.NewString(), ch: make(chan Event, b.buffer)}
	b.Lock()
	defer b.Unlock()
	b.subscribers[s.id] = s
	metrics.StreamSubscribers.Set(float64(len(b.subscribers)))
	glog.V(2).Infof("push subscriber %s attached", s.id)
	return s
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.Lock()
	defer b.Unlock()
	b.removeLocked(s, "")
}

func (b *Bus) removeLocked(s *Subscriber, reason string) {
	if _, ok := b.subscribers[s.id]; !ok {
		return
	}
	delete(b.subscribers, s.id)
	close(s.ch)
	metrics.StreamSubscribers.Set(float64(len(b.subscribers)))
	if reason != "" {
		metrics.StreamDropped.WithLabelValues(reason).Inc()
		glog.Warningf("push subscriber %s dropped: %s", s.id, reason)
	}
}

// Publish delivers ev to every subscriber that has room for it.
func (b *Bus) Publish(ev Event) {
	b.Lock()
	defer b.Unlock()
	for _, s := range b.subscribers {
		select {
		case s.ch <- ev:
			s.misses = 0
		default:
			s.misses++
			metrics.StreamDropped.WithLabelValues("skipped").Inc()
			if s.misses >= b.maxMisses {
				b.removeLocked(s, "stalled")
			}
		}
	}
}

// Len returns the number of attached subscribers.
func (b *Bus) Len() int {
	b.Lock()
	defer b.Unlock()
	return len(b.subscribers)
}

// Close drops every subscriber.
func (b *Bus) Close() {
	b.Lock()
	defer b.Unlock()
	for _, s := range b.subscribers {
		b.removeLocked(s, "")
	}
}
