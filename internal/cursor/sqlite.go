package cursor

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"

	"livetail/internal/clock"
	"livetail/internal/logging"
	"livetail/internal/record"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes shape.
const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
	writeTimeout            = 5 * time.Second
)

var (
	// ErrLocked indicates another process owns the cursor database.
	ErrLocked = errors.New("cursor database locked by another process")
	// ErrSchemaMismatch indicates the database was written by another version.
	ErrSchemaMismatch = errors.New("cursor schema version mismatch")
)

// SQLiteStore is a write-through Store that persists positions so a restarted
// process resumes where it stopped. Reads are served from memory.
type SQLiteStore struct {
	mem    *MemoryStore
	db     *sql.DB
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the cursor database at path and takes an
// exclusive lock next to it.
func OpenSQLite(path string, c clock.Clock, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cursor directory: %w", err)
	}
	if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return nil, fmt.Errorf("cursor directory %q not writable: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock cursor database: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{
		mem:    NewMemoryStore(c),
		db:     db,
		path:   path,
		lock:   lock,
		logger: logging.NewComponentLogger(logger, "cursor-store"),
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database and releases the process lock.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

func (s *SQLiteStore) Open(streamID string, start Start) {
	if _, ok := s.mem.Get(streamID); ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	pos, found, err := s.load(ctx, streamID)
	if err != nil {
		s.logger.Warn("cursor load failed; starting fresh",
			logging.String(logging.FieldStreamID, streamID),
			logging.Error(err))
	}
	if found {
		s.mem.seed(streamID, start, pos)
		s.logger.Debug("cursor resumed from disk",
			logging.String(logging.FieldStreamID, streamID),
			logging.String("token", pos.Token),
			logging.String("position_ts", formatTime(pos.Timestamp)))
		return
	}
	s.mem.Open(streamID, start)
	cur, _ := s.mem.Get(streamID)
	s.persist(streamID, cur.Position)
}

func (s *SQLiteStore) Get(streamID string) (record.Cursor, bool) {
	return s.mem.Get(streamID)
}

func (s *SQLiteStore) Set(streamID string, pos record.Position) {
	s.mem.Set(streamID, pos)
	s.persist(streamID, pos)
}

func (s *SQLiteStore) Reset(streamID string) {
	s.mem.Reset(streamID)
	cur, _ := s.mem.Get(streamID)
	s.persist(streamID, cur.Position)
}

// Release drops the in-memory cursor. The persisted row is kept so the stream
// resumes on its next open.
func (s *SQLiteStore) Release(streamID string) {
	s.mem.Release(streamID)
}

// Forget deletes the persisted row for a stream.
func (s *SQLiteStore) Forget(ctx context.Context, streamID string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM cursors WHERE stream_id = ?", streamID)
		return err
	})
}

// Persisted lists every persisted cursor, ordered by stream ID.
func (s *SQLiteStore) Persisted(ctx context.Context) ([]record.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT stream_id, token, ts_unix_nano, seq FROM cursors ORDER BY stream_id")
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	var out []record.Cursor
	for rows.Next() {
		var (
			id    string
			token string
			nanos int64
			seq   int64
		)
		if err := rows.Scan(&id, &token, &nanos, &seq); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, record.Cursor{StreamID: id, Position: decodePosition(token, nanos, seq)})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) load(ctx context.Context, streamID string) (record.Position, bool, error) {
	var (
		token string
		nanos int64
		seq   int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT token, ts_unix_nano, seq FROM cursors WHERE stream_id = ?", streamID,
	).Scan(&token, &nanos, &seq)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Position{}, false, nil
	}
	if err != nil {
		return record.Position{}, false, fmt.Errorf("load cursor: %w", err)
	}
	return decodePosition(token, nanos, seq), true, nil
}

func (s *SQLiteStore) persist(streamID string, pos record.Position) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var nanos int64
	if !pos.Timestamp.IsZero() {
		nanos = pos.Timestamp.UnixNano()
	}
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (stream_id, token, ts_unix_nano, seq, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(stream_id) DO UPDATE SET
	token = excluded.token,
	ts_unix_nano = excluded.ts_unix_nano,
	seq = excluded.seq,
	updated_at = excluded.updated_at`,
			streamID, pos.Token, nanos, pos.Sequence, time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		s.logger.Warn("cursor persist failed",
			logging.String(logging.FieldStreamID, streamID),
			logging.String(logging.FieldEventType, "cursor_persist_failed"),
			logging.String(logging.FieldImpact, "stream resumes from an older position after restart"),
			logging.Error(err))
	}
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func decodePosition(token string, nanos, seq int64) record.Position {
	pos := record.Position{Token: token, Sequence: seq}
	if nanos != 0 {
		pos.Timestamp = time.Unix(0, nanos).UTC()
	}
	return pos
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
