package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"livetail/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The result is written as TOML and read back through config.Load so stream
// defaults are filled in exactly as they are for a real config file.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.API.BaseURL = "http://127.0.0.1:1/1.0"
	cfgVal.API.AppKey = "test-app"
	cfgVal.API.AppSecret = "test-secret"
	cfgVal.API.ConsumerKey = "test-consumer"
	cfgVal.Gateway.Bind = "127.0.0.1:0"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}

	path := filepath.Join(base, "livetail.toml")
	data, err := toml.Marshal(builder.cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	loaded, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return loaded
}

// WithBaseURL points the API at a test server.
func WithBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.API.BaseURL = url
	}
}

// WithStream appends a stream declaration. Unset fields take the loader's
// defaults.
func WithStream(stream config.Stream) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Streams = append(b.cfg.Streams, stream)
	}
}

// WithPersistentCursors enables the SQLite cursor store.
func WithPersistentCursors() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cursors.Persist = true
	}
}

// WithTail replaces the [tail] defaults.
func WithTail(settings config.Tail) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Tail = settings
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
