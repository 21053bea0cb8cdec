package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := validateTail("tail", c.Tail, c.API.MaxPageSize); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return c.validateStreams()
}

func (c *Config) validateAPI() error {
	parsed, err := url.Parse(c.API.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("api.base_url %q must be an absolute URL", c.API.BaseURL)
	}
	return ensurePositiveMap(map[string]int{
		"api.request_timeout": c.API.RequestTimeout,
		"api.pool_size":       c.API.PoolSize,
		"api.max_page_size":   c.API.MaxPageSize,
	})
}

func validateTail(prefix string, t Tail, maxPageSize int) error {
	if err := ensurePositiveMap(map[string]int{
		prefix + ".page_size":           t.PageSize,
		prefix + ".poll_interval_ms":    t.PollIntervalMS,
		prefix + ".max_buffer_size":     t.MaxBufferSize,
		prefix + ".backoff.base_ms":     t.Backoff.BaseMS,
		prefix + ".backoff.max_retries": t.Backoff.MaxRetries,
	}); err != nil {
		return err
	}
	if t.PageSize > maxPageSize {
		return fmt.Errorf("%s.page_size must be <= api.max_page_size (%d)", prefix, maxPageSize)
	}
	if t.Backoff.MaxMS < t.Backoff.BaseMS {
		return fmt.Errorf("%s.backoff.max_ms must be >= %s.backoff.base_ms", prefix, prefix)
	}
	if t.DedupWindow < 0 {
		return fmt.Errorf("%s.dedup_window must be >= 0", prefix)
	}
	switch t.Start {
	case "beginning", "now":
	default:
		return fmt.Errorf("%s.start must be \"beginning\" or \"now\", got %q", prefix, t.Start)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateStreams() error {
	seen := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		label := fmt.Sprintf("streams[%d]", i)
		if s.ID == "" {
			return fmt.Errorf("%s.id must be set", label)
		}
		label = fmt.Sprintf("streams[%s]", s.ID)
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%s: duplicate stream id", label)
		}
		seen[s.ID] = struct{}{}
		if !strings.HasPrefix(s.Path, "/") {
			return fmt.Errorf("%s.path must start with '/'", label)
		}
		switch s.Shape {
		case ShapeCursor, ShapeSince:
		case ShapeIDs:
			if !strings.Contains(s.DetailPath, "{id}") {
				return fmt.Errorf("%s.detail_path must contain {id}", label)
			}
		default:
			return fmt.Errorf("%s.shape must be one of cursor, ids, since; got %q", label, s.Shape)
		}
		if s.PageSize < 0 || s.PollIntervalMS < 0 || s.MaxBufferSize < 0 || s.DedupWindow < 0 {
			return fmt.Errorf("%s: overrides must not be negative", label)
		}
		if err := validateTail(label, c.StreamSettings(s), c.API.MaxPageSize); err != nil {
			return err
		}
	}
	return nil
}

// ensurePositiveMap reports the first non-positive entry in key order so the
// message is stable across runs.
func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// ErrNoStreams is returned when a command needs at least one configured stream.
var ErrNoStreams = errors.New("no streams configured; add [[streams]] entries (see 'livetail config init')")
