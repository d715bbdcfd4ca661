package syncer

import "time"

// Config holds the sync engine configuration.
type Config struct {
	// MaxAttempts is the number of failed replays after which an item is
	// marked failed.
	MaxAttempts int

	// BaseBackoff is the backoff unit; a normal item waits
	// BaseBackoff * 2^attempts after its latest failure.
	BaseBackoff time.Duration

	// MaxBackoff caps the backoff of normal items.
	MaxBackoff time.Duration

	// Debounce delays the pass after an offline to online transition. Zero
	// takes the default; a negative value disables the delay.
	Debounce time.Duration

	// Lease bounds how long a claimed item stays in flight before another
	// engine may claim it. It must outlast a replay.
	Lease time.Duration
}

// DefaultConfig returns the default sync configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
		Debounce:    1 * time.Second,
		Lease:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Debounce == 0 {
		c.Debounce = d.Debounce
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	return c
}

// debounce is the effective delay before an online pass.
func (c Config) debounce() time.Duration {
	if c.Debounce < 0 {
		return 0
	}
	return c.Debounce
}

// Backoff returns the backoff window of a normal item that has failed
// attempts times: BaseBackoff * 2^attempts, capped at MaxBackoff.
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	backoff := c.BaseBackoff
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if backoff > c.MaxBackoff {
		return c.MaxBackoff
	}
	return backoff
}
