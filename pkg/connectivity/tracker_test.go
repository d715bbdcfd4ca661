package connectivity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/safety-proxy/pkg/events"
)

func setupTracker(t *testing.T) (*Tracker, *events.Subscription) {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.ConnectivityChanged)

	t.Cleanup(func() {
		bus.Close()
		client.Close()
		s.Close()
	})

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	return NewTracker(client, bus, logger), sub
}

func expectEvent(t *testing.T, sub *events.Subscription, online bool) {
	t.Helper()
	select {
	case ev := <-sub.C():
		if ev.Online != online {
			t.Errorf("event Online = %v, want %v", ev.Online, online)
		}
	case <-time.After(time.Second):
		t.Fatal("no ConnectivityChanged event")
	}
}

func expectNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Errorf("unexpected event %+v", ev)
	default:
	}
}

func TestTracker_DefaultOnline(t *testing.T) {
	tracker, _ := setupTracker(t)

	state, err := tracker.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !state.Online {
		t.Error("default state should be online")
	}
	if state.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", state.ConsecutiveFailures)
	}
}

func TestTracker_SetOnline(t *testing.T) {
	tracker, sub := setupTracker(t)
	ctx := context.Background()

	changed, err := tracker.SetOnline(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("online -> offline should report a change")
	}
	expectEvent(t, sub, false)

	if tracker.IsOnline(ctx) {
		t.Error("IsOnline() = true after offline signal")
	}

	changed, err = tracker.SetOnline(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("repeated offline signal should not report a change")
	}
	expectNoEvent(t, sub)

	if _, err := tracker.SetOnline(ctx, true); err != nil {
		t.Fatal(err)
	}
	expectEvent(t, sub, true)

	state, _ := tracker.GetState(ctx)
	if state.LastChange.IsZero() {
		t.Error("LastChange not recorded")
	}
}

func TestTracker_FailuresFlipOffline(t *testing.T) {
	tracker, sub := setupTracker(t)
	ctx := context.Background()

	for i := 0; i < DefaultOfflineThreshold-1; i++ {
		if err := tracker.RecordFailure(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if !tracker.IsOnline(ctx) {
		t.Fatal("went offline before reaching the threshold")
	}
	expectNoEvent(t, sub)

	if err := tracker.RecordFailure(ctx); err != nil {
		t.Fatal(err)
	}
	if tracker.IsOnline(ctx) {
		t.Error("still online after threshold failures")
	}
	expectEvent(t, sub, false)

	if err := tracker.RecordSuccess(ctx); err != nil {
		t.Fatal(err)
	}
	state, _ := tracker.GetState(ctx)
	if !state.Online || state.ConsecutiveFailures != 0 {
		t.Errorf("after success state = %+v", state)
	}
	expectEvent(t, sub, true)
}

func TestTracker_SuccessResetsFailures(t *testing.T) {
	tracker, sub := setupTracker(t)
	tracker.SetThreshold(2)
	ctx := context.Background()

	tracker.RecordFailure(ctx)
	tracker.RecordSuccess(ctx)
	tracker.RecordFailure(ctx)

	if !tracker.IsOnline(ctx) {
		t.Error("non-consecutive failures should not flip offline")
	}
	expectNoEvent(t, sub)
}
