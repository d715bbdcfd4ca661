// Package events is the in-process message channel that connects
// connectivity signals, the lifecycle manager and the sync engine.
package events

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "safety_events_dropped_total",
	Help: "Events dropped because a subscriber buffer was full",
}, []string{"type"})

// Type identifies an event.
type Type int

const (
	// ConnectivityChanged carries the new state in Online.
	ConnectivityChanged Type = iota + 1

	// PeriodicTick is the periodic sync trigger.
	PeriodicTick

	// ForceSync asks for an immediate sync of critical items.
	ForceSync

	// VersionActivated is published once a new cache version serves traffic.
	VersionActivated

	// SyncComplete is published after a queued request replayed successfully.
	SyncComplete

	// SyncFailed is published when a queued request exhausted its attempts.
	SyncFailed

	// PushReceived carries a parsed push alert.
	PushReceived

	// EmergencyModeChanged carries the new flag in Emergency.
	EmergencyModeChanged
)

func (t Type) String() string {
	switch t {
	case ConnectivityChanged:
		return "connectivity_changed"
	case PeriodicTick:
		return "periodic_tick"
	case ForceSync:
		return "force_sync"
	case VersionActivated:
		return "version_activated"
	case SyncComplete:
		return "sync_complete"
	case SyncFailed:
		return "sync_failed"
	case PushReceived:
		return "push_received"
	case EmergencyModeChanged:
		return "emergency_mode_changed"
	default:
		return "unknown"
	}
}

// Event is a message on the bus. Only the fields relevant to Type are set.
type Event struct {
	Type Type
	At   time.Time

	Online    bool
	Emergency bool
	Version   string
	ItemID    string
	AlertID   string
	Level     string
	Message   string
}

// Publisher is implemented by Bus. Producers depend on this instead of the
// concrete bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives events of the types it was created for.
type Subscription struct {
	bus   *Bus
	c     chan Event
	types map[Type]bool
	once  sync.Once
}

// C returns the receive channel. It is closed by Close or when the bus closes.
func (s *Subscription) C() <-chan Event {
	return s.c
}

// Close stops delivery and closes the channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.bus.subs, s)
		close(s.c)
	})
}

// Subscribe registers a subscriber with the given buffer size. With no
// types it receives every event.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, c: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.c)
		s.once.Do(func() {})
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers ev to every interested subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		select {
		case s.c <- ev:
		default:
			eventsDropped.WithLabelValues(ev.Type.String()).Inc()
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}
