package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/Sternrassler/safety-proxy/pkg/events"
	"github.com/Sternrassler/safety-proxy/pkg/queue"
)

// Run drives the engine from the bus until ctx is done:
//   - ConnectivityChanged to online starts a pass after the debounce delay;
//     to offline cancels the debounce and the running pass.
//   - PeriodicTick starts a pass when online.
//   - ForceSync runs a critical-only pass, or reports the denial offline.
//
// A trigger that arrives while a pass runs schedules one more pass. Events
// published between New and Run are buffered. Run may be called once.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.sub
	if sub == nil {
		return errors.New("syncer: Run needs a bus")
	}
	defer sub.Close()

	var (
		debounce   *time.Timer
		debounceC  <-chan time.Time
		passCancel context.CancelFunc
		passDone   chan struct{}
		rerun      queue.Filter
		rerunSet   bool
	)

	stopDebounce := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce, debounceC = nil, nil
	}

	start := func(filter queue.Filter, trigger string) {
		if passDone != nil {
			// Widen a pending rerun, never narrow it.
			if !rerunSet || filter == queue.FilterAll {
				rerun = filter
			}
			rerunSet = true
			return
		}
		syncPasses.WithLabelValues(trigger).Inc()
		passCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		passCancel, passDone = cancel, done
		go func() {
			defer close(done)
			if _, err := e.pass(passCtx, filter); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error().Err(err).Str("trigger", trigger).Msg("Sync pass failed")
			}
		}()
	}

	cancelPass := func() {
		rerunSet = false
		if passCancel != nil {
			passCancel()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopDebounce()
			cancelPass()
			if passDone != nil {
				<-passDone
			}
			return ctx.Err()

		case <-debounceC:
			debounce, debounceC = nil, nil
			start(queue.FilterAll, "online")

		case <-passDone:
			passCancel()
			passCancel, passDone = nil, nil
			if rerunSet {
				rerunSet = false
				if e.conn.IsOnline(ctx) {
					start(rerun, "rerun")
				}
			}

		case ev, ok := <-sub.C():
			if !ok {
				cancelPass()
				if passDone != nil {
					<-passDone
				}
				return nil
			}

			switch ev.Type {
			case events.ConnectivityChanged:
				if ev.Online {
					stopDebounce()
					debounce = time.NewTimer(e.cfg.debounce())
					debounceC = debounce.C
					e.logger.Debug().Dur("debounce", e.cfg.debounce()).Msg("Online, sync scheduled")
				} else {
					stopDebounce()
					cancelPass()
					e.logger.Info().Msg("Offline, sync suspended")
				}

			case events.PeriodicTick:
				if e.conn.IsOnline(ctx) {
					start(queue.FilterAll, "periodic")
				}

			case events.ForceSync:
				if !e.conn.IsOnline(ctx) {
					// Reports the denial.
					_, _ = e.ForceSync(ctx)
					continue
				}
				start(queue.FilterCritical, "force")
			}
		}
	}
}
