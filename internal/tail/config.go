package tail

import (
	"time"

	"livetail/internal/buffer"
	"livetail/internal/config"
	"livetail/internal/cursor"
	"livetail/internal/fetch"
)

// Backoff configures retry delays after transient fetch failures.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

// Delay returns the wait before retry number attempt (1-based):
// Base * 2^(attempt-1), capped at Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base
	for i := 1; i < attempt; i++ {
		if delay >= b.Max/2 {
			return b.Max
		}
		delay *= 2
	}
	return min(delay, b.Max)
}

// Config is the per-stream polling configuration.
type Config struct {
	PageSize      int
	PollInterval  time.Duration
	MaxBufferSize int
	DedupWindow   int
	Start         cursor.Start
	Backoff       Backoff
}

// DefaultConfig mirrors the console's live tail defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:      fetch.DefaultPageSize,
		PollInterval:  5 * time.Second,
		MaxBufferSize: buffer.DefaultMaxSize,
		Start:         cursor.StartBeginning,
		Backoff: Backoff{
			Base:       time.Second,
			Max:        30 * time.Second,
			MaxRetries: 5,
		},
	}
}

// ConfigFromSettings converts merged TOML settings for one stream.
func ConfigFromSettings(settings config.Tail) (Config, error) {
	start, err := cursor.ParseStart(settings.Start)
	if err != nil {
		return Config{}, &ConfigError{Field: "start", Reason: err.Error()}
	}
	return Config{
		PageSize:      settings.PageSize,
		PollInterval:  settings.PollInterval(),
		MaxBufferSize: settings.MaxBufferSize,
		DedupWindow:   settings.DedupWindow,
		Start:         start,
		Backoff: Backoff{
			Base:       time.Duration(settings.Backoff.BaseMS) * time.Millisecond,
			Max:        time.Duration(settings.Backoff.MaxMS) * time.Millisecond,
			MaxRetries: settings.Backoff.MaxRetries,
		},
	}, nil
}

// Validate checks the configuration against the fetcher's page limit. A
// non-positive maxPageSize skips the upper page bound.
func (c Config) Validate(maxPageSize int) error {
	switch {
	case c.PageSize < 1:
		return &ConfigError{Field: "page_size", Reason: "must be at least 1"}
	case maxPageSize > 0 && c.PageSize > maxPageSize:
		return &ConfigError{Field: "page_size", Reason: "exceeds the maximum page size"}
	case c.PollInterval <= 0:
		return &ConfigError{Field: "poll_interval", Reason: "must be positive"}
	case c.MaxBufferSize < 1:
		return &ConfigError{Field: "max_buffer_size", Reason: "must be at least 1"}
	case c.DedupWindow < 0:
		return &ConfigError{Field: "dedup_window", Reason: "must not be negative"}
	case c.Backoff.Base <= 0:
		return &ConfigError{Field: "backoff.base", Reason: "must be positive"}
	case c.Backoff.Max < c.Backoff.Base:
		return &ConfigError{Field: "backoff.max", Reason: "must not be below backoff.base"}
	case c.Backoff.MaxRetries < 1:
		return &ConfigError{Field: "backoff.max_retries", Reason: "must be at least 1"}
	}
	if c.Start != cursor.StartBeginning && c.Start != cursor.StartNow {
		return &ConfigError{Field: "start", Reason: "must be beginning or now"}
	}
	return nil
}
