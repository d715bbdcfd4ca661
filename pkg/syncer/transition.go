package syncer

import (
	"time"

	"github.com/Sternrassler/safety-proxy/pkg/queue"
)

// Begin moves a pending item in flight, leased to owner until the given time.
func Begin(it queue.Item, owner string, until time.Time) queue.Item {
	it.State = queue.StateInFlight
	it.Owner = owner
	it.LeaseUntil = until
	return it
}

func release(it queue.Item) queue.Item {
	it.Owner = ""
	it.LeaseUntil = time.Time{}
	return it
}

// Succeed marks an item synced after a 2xx replay.
func Succeed(it queue.Item) queue.Item {
	it = release(it)
	it.Synced = true
	it.State = queue.StatePending
	it.LastError = ""
	it.NextAttemptAt = time.Time{}
	return it
}

// Fail counts a failed replay. At the attempt cap the item becomes failed;
// otherwise it returns to pending, after a backoff window for normal items
// and immediately for critical ones.
func Fail(it queue.Item, now time.Time, cfg Config, reason string) queue.Item {
	it = release(it)
	it.Attempts++
	it.LastError = reason
	if it.Attempts >= cfg.MaxAttempts {
		it.State = queue.StateFailed
		it.NextAttemptAt = time.Time{}
		return it
	}

	it.State = queue.StatePending
	if it.Priority == queue.PriorityCritical {
		it.NextAttemptAt = time.Time{}
	} else {
		it.NextAttemptAt = now.Add(cfg.Backoff(it.Attempts))
	}
	return it
}

// Interrupt reverts an item whose replay was cut short by a connectivity
// loss. The attempt counts but the item is eligible again right away and
// never fails because of an interruption.
func Interrupt(it queue.Item) queue.Item {
	it = release(it)
	it.Attempts++
	it.State = queue.StatePending
	it.NextAttemptAt = time.Time{}
	it.LastError = "interrupted"
	return it
}
