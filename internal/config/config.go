package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/match"
)

//go:embed sample_config.toml
var sampleConfig string

// CursorDBName is the persistent cursor database under the state dir.
const CursorDBName = "cursors.db"

// Paths contains directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// API contains backend connection settings shared by every stream.
type API struct {
	BaseURL     string `toml:"base_url"`
	AppKey      string `toml:"app_key"`
	AppSecret   string `toml:"app_secret"`
	ConsumerKey string `toml:"consumer_key"`
	// RequestTimeout is in seconds.
	RequestTimeout int `toml:"request_timeout"`
	PoolSize       int `toml:"pool_size"`
	MaxPageSize    int `toml:"max_page_size"`
}

// Backoff configures retry spacing after transient fetch failures.
type Backoff struct {
	BaseMS     int `toml:"base_ms"`
	MaxMS      int `toml:"max_ms"`
	MaxRetries int `toml:"max_retries"`
}

// Tail holds the polling defaults applied to every stream.
type Tail struct {
	PageSize       int     `toml:"page_size"`
	PollIntervalMS int     `toml:"poll_interval_ms"`
	MaxBufferSize  int     `toml:"max_buffer_size"`
	DedupWindow    int     `toml:"dedup_window"`
	Start          string  `toml:"start"`
	Backoff        Backoff `toml:"backoff"`
}

// PollInterval returns PollIntervalMS as a duration.
func (t Tail) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

// Cursors controls cursor persistence.
type Cursors struct {
	Persist bool `toml:"persist"`
}

// Gateway contains the HTTP/WebSocket listener settings.
type Gateway struct {
	Bind           string   `toml:"bind"`
	AllowedOrigins []string `toml:"allowed_origins"`
	// Token, when set, is required as a bearer token on every request.
	Token string `toml:"token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Stream declares one tailable backend listing.
type Stream struct {
	ID    string `toml:"id"`
	Shape string `toml:"shape"`
	Path  string `toml:"path"`
	// DetailPath is the per-id endpoint for the ids shape; "{id}" is replaced.
	DetailPath        string `toml:"detail_path"`
	DetailConcurrency int    `toml:"detail_concurrency"`
	RecordsPath       string `toml:"records_path"`
	NextPath          string `toml:"next_path"`
	CompletePath      string `toml:"complete_path"`
	IDPath            string `toml:"id_path"`
	TimestampPath     string `toml:"timestamp_path"`
	SequencePath      string `toml:"sequence_path"`
	MessagePath       string `toml:"message_path"`
	LevelPath         string `toml:"level_path"`

	// Overrides of [tail]; zero inherits.
	PageSize       int    `toml:"page_size"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
	MaxBufferSize  int    `toml:"max_buffer_size"`
	DedupWindow    int    `toml:"dedup_window"`
	Start          string `toml:"start"`
}

// Config encapsulates all configuration values for livetail.
type Config struct {
	Paths   Paths    `toml:"paths"`
	API     API      `toml:"api"`
	Tail    Tail     `toml:"tail"`
	Cursors Cursors  `toml:"cursors"`
	Gateway Gateway  `toml:"gateway"`
	Logging Logging  `toml:"logging"`
	Streams []Stream `toml:"streams"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/livetail/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and stream defaults filled in.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("livetail.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// CursorDBPath returns the location of the persistent cursor database.
func (c *Config) CursorDBPath() string {
	return filepath.Join(c.Paths.StateDir, CursorDBName)
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.API.RequestTimeout) * time.Second
}

// Stream returns the stream declared with id.
func (c *Config) Stream(id string) (Stream, bool) {
	for _, s := range c.Streams {
		if s.ID == id {
			return s, true
		}
	}
	return Stream{}, false
}

// StreamsMatching returns the streams whose IDs match any of the glob
// patterns ('*' and '?'), sorted by ID. No patterns selects every stream.
func (c *Config) StreamsMatching(patterns ...string) []Stream {
	var out []Stream
	for _, s := range c.Streams {
		if len(patterns) == 0 || matchesAny(s.ID, patterns) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matchesAny(id string, patterns []string) bool {
	for _, p := range patterns {
		if match.Match(id, p) {
			return true
		}
	}
	return false
}

// StreamSettings merges a stream's overrides onto the [tail] defaults.
func (c *Config) StreamSettings(s Stream) Tail {
	out := c.Tail
	if s.PageSize > 0 {
		out.PageSize = s.PageSize
	}
	if s.PollIntervalMS > 0 {
		out.PollIntervalMS = s.PollIntervalMS
	}
	if s.MaxBufferSize > 0 {
		out.MaxBufferSize = s.MaxBufferSize
	}
	if s.DedupWindow > 0 {
		out.DedupWindow = s.DedupWindow
	}
	if s.Start != "" {
		out.Start = s.Start
	}
	return out
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string { return sampleConfig }

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
