package events

import (
	"testing"
	"time"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe(4)
	conn := bus.Subscribe(4, ConnectivityChanged)

	bus.Publish(Event{Type: PeriodicTick})
	bus.Publish(Event{Type: ConnectivityChanged, Online: true})

	if ev := receive(t, all); ev.Type != PeriodicTick {
		t.Errorf("first event = %v, want periodic_tick", ev.Type)
	}
	if ev := receive(t, all); ev.Type != ConnectivityChanged {
		t.Errorf("second event = %v", ev.Type)
	}

	ev := receive(t, conn)
	if ev.Type != ConnectivityChanged || !ev.Online {
		t.Errorf("filtered subscriber got %+v", ev)
	}
	if ev.At.IsZero() {
		t.Error("Publish should stamp At")
	}

	select {
	case ev := <-conn.C():
		t.Errorf("filtered subscriber got unexpected %v", ev.Type)
	default:
	}
}

func TestBus_FullBufferDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	s := bus.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: PeriodicTick})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(s.C()) != 1 {
		t.Errorf("buffered = %d, want 1", len(s.C()))
	}
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	s := bus.Subscribe(1)
	bus.Close()

	if _, ok := <-s.C(); ok {
		t.Error("channel should be closed after bus Close")
	}

	// Safe to call again and to publish after close.
	s.Close()
	bus.Publish(Event{Type: PeriodicTick})

	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("subscribing to a closed bus should yield a closed channel")
	}
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	s := bus.Subscribe(1)
	s.Close()
	bus.Publish(Event{Type: PeriodicTick})

	if _, ok := <-s.C(); ok {
		t.Error("closed subscription should not receive")
	}
}
