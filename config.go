package ndireceiver

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config contains receiver settings. Zero durations and counts take the
// defaults from DefaultConfig.
type Config struct {
	// Name identifies this receiver in logs and status events
	Name string

	// Logger receives all receiver logs. Nil means slog.Default(), or a
	// debug-level stderr logger when Verbose is set.
	Logger *slog.Logger
	// Verbose enables debug-level chatter when Logger is nil
	Verbose bool

	// ChangeTimeout bounds each wait for a source-list change (default 1s).
	// It is also the upper bound on how long Close waits for the worker.
	ChangeTimeout time.Duration
	// DiscoverTimeout bounds each source-list query (default 500ms)
	DiscoverTimeout time.Duration
	// ConnectingBackoff is the worker's sleep while an attempt is in flight
	// (default 100ms)
	ConnectingBackoff time.Duration
	// RetryDelay is the delay after the first failed connect (default 500ms)
	RetryDelay time.Duration
	// MaxRetryDelay caps the exponential retry delay (default 10s)
	MaxRetryDelay time.Duration

	// PollsPerTick is the maximum number of captures per Update (default 2)
	PollsPerTick int

	// OnStateChange, if set, receives every state transition. It runs on
	// whichever goroutine caused the transition and must not block.
	OnStateChange func(StateChange)
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Name:              "ndi-receiver",
		ChangeTimeout:     time.Second,
		DiscoverTimeout:   500 * time.Millisecond,
		ConnectingBackoff: 100 * time.Millisecond,
		RetryDelay:        500 * time.Millisecond,
		MaxRetryDelay:     10 * time.Second,
		PollsPerTick:      2,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.ChangeTimeout == 0 {
		c.ChangeTimeout = def.ChangeTimeout
	}
	if c.DiscoverTimeout == 0 {
		c.DiscoverTimeout = def.DiscoverTimeout
	}
	if c.ConnectingBackoff == 0 {
		c.ConnectingBackoff = def.ConnectingBackoff
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = def.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = max(def.MaxRetryDelay, c.RetryDelay)
	}
	if c.PollsPerTick == 0 {
		c.PollsPerTick = def.PollsPerTick
	}
	if c.Logger == nil {
		if c.Verbose {
			c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
		} else {
			c.Logger = slog.Default()
		}
	}
	return c
}

// Validate checks a config after defaults are applied.
func (c Config) Validate() error {
	if c.ChangeTimeout < 0 || c.DiscoverTimeout < 0 || c.ConnectingBackoff < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.ChangeTimeout > time.Minute {
		return fmt.Errorf("change timeout %v too long (max 1m, it bounds shutdown)", c.ChangeTimeout)
	}
	if c.RetryDelay < 0 || c.MaxRetryDelay < c.RetryDelay {
		return fmt.Errorf("invalid retry delays %v..%v", c.RetryDelay, c.MaxRetryDelay)
	}
	if c.PollsPerTick < 1 || c.PollsPerTick > 64 {
		return fmt.Errorf("polls per tick %d out of range (1-64)", c.PollsPerTick)
	}
	return nil
}
