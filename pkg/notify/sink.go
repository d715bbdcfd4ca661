// Package notify turns inbound push payloads into notifications, sends the
// outbound notification-action posts and delivers user-visible notices.
package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var noticesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "safety_notices_total",
	Help: "User-visible notices by kind and delivery result",
}, []string{"kind", "result"})

// Kind classifies a notice.
type Kind string

const (
	KindSyncComplete   Kind = "sync_complete"
	KindQueueExhausted Kind = "queue_exhausted"
	KindSyncDenied     Kind = "sync_denied"
	KindAlert          Kind = "alert"
)

// Notice is a non-blocking, dismissible message for the user.
type Notice struct {
	Kind    Kind      `json:"kind"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	ItemID  string    `json:"itemId,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives notices. Notify must not block.
type Sink interface {
	Notify(n Notice)
}

// LogSink writes notices to the log.
type LogSink struct {
	Logger zerolog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(n Notice) {
	ev := s.Logger.Info()
	if n.Kind == KindQueueExhausted {
		ev = s.Logger.Warn()
	}
	ev.Str("kind", string(n.Kind)).
		Str("title", n.Title).
		Str("item_id", n.ItemID).
		Msg(n.Message)
	noticesTotal.WithLabelValues(string(n.Kind), "logged").Inc()
}

// ChannelSink hands notices to a host UI over a buffered channel. When the
// buffer is full the notice is dropped.
type ChannelSink struct {
	c chan Notice
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{c: make(chan Notice, buffer)}
}

// C returns the receive channel.
func (s *ChannelSink) C() <-chan Notice {
	return s.c
}

// Notify implements Sink.
func (s *ChannelSink) Notify(n Notice) {
	select {
	case s.c <- n:
		noticesTotal.WithLabelValues(string(n.Kind), "delivered").Inc()
	default:
		noticesTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
	}
}

// Multi fans a notice out to several sinks.
type Multi []Sink

// Notify implements Sink.
func (m Multi) Notify(n Notice) {
	for _, s := range m {
		if s != nil {
			s.Notify(n)
		}
	}
}
