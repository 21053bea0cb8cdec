package testsupport

import (
	"testing"

	"livetail/internal/clock"
	"livetail/internal/config"
	"livetail/internal/cursor"
	"livetail/internal/logging"
)

// MustOpenCursorStore opens the SQLite cursor store under cfg's state dir and
// registers cleanup.
func MustOpenCursorStore(t testing.TB, cfg *config.Config, c clock.Clock) *cursor.SQLiteStore {
	t.Helper()

	store, err := cursor.OpenSQLite(cfg.CursorDBPath(), c, logging.NewNop())
	if err != nil {
		t.Fatalf("open cursor store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
