package cursor_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"livetail/internal/clock"
	"livetail/internal/cursor"
	"livetail/internal/logging"
	"livetail/internal/record"
)

var epoch = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func TestParseStart(t *testing.T) {
	cases := map[string]cursor.Start{
		"":          cursor.StartBeginning,
		"beginning": cursor.StartBeginning,
		" NOW ":     cursor.StartNow,
	}
	for input, want := range cases {
		got, err := cursor.ParseStart(input)
		if err != nil {
			t.Fatalf("ParseStart(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseStart(%q) = %v, want %v", input, got, want)
		}
	}
	if _, err := cursor.ParseStart("yesterday"); err == nil {
		t.Fatal("expected error for unknown start")
	}
}

func TestMemoryStoreOpenIsIdempotent(t *testing.T) {
	store := cursor.NewMemoryStore(clock.Fake(epoch))
	store.Open("s", cursor.StartBeginning)
	store.Set("s", record.Position{Token: "abc"})
	store.Open("s", cursor.StartBeginning)

	cur, ok := store.Get("s")
	if !ok {
		t.Fatal("expected cursor to exist")
	}
	if cur.Position.Token != "abc" {
		t.Fatalf("re-open overwrote position: %+v", cur.Position)
	}
	if cur.StreamID != "s" {
		t.Fatalf("stream id = %q", cur.StreamID)
	}
}

func TestMemoryStoreStartNowPinsClock(t *testing.T) {
	fake := clock.Fake(epoch)
	store := cursor.NewMemoryStore(fake)
	store.Open("s", cursor.StartNow)

	cur, _ := store.Get("s")
	if !cur.Position.Timestamp.Equal(fake.Now()) {
		t.Fatalf("start-now timestamp = %v, want %v", cur.Position.Timestamp, fake.Now())
	}
	if cur.Position.Token != "" {
		t.Fatalf("unexpected token %q", cur.Position.Token)
	}
}

func TestMemoryStoreResetReturnsToStart(t *testing.T) {
	fake := clock.Fake(epoch)
	store := cursor.NewMemoryStore(fake)
	store.Open("begin", cursor.StartBeginning)
	store.Open("now", cursor.StartNow)
	store.Set("begin", record.Position{Token: "t1", Timestamp: fake.Now(), Sequence: 4})
	store.Set("now", record.Position{Token: "t2"})

	fake.Advance(time.Minute)
	store.Reset("begin")
	store.Reset("now")

	begin, _ := store.Get("begin")
	if !begin.Position.IsZero() {
		t.Fatalf("beginning reset should clear position, got %+v", begin.Position)
	}
	now, _ := store.Get("now")
	if !now.Position.Timestamp.Equal(fake.Now()) {
		t.Fatalf("now reset timestamp = %v, want %v", now.Position.Timestamp, fake.Now())
	}
}

func TestMemoryStoreRelease(t *testing.T) {
	store := cursor.NewMemoryStore(nil)
	store.Open("a", cursor.StartBeginning)
	store.Open("b", cursor.StartBeginning)
	store.Release("a")
	if _, ok := store.Get("a"); ok {
		t.Fatal("released cursor still present")
	}
	if store.Len() != 1 {
		t.Fatalf("Len = %d, want 1", store.Len())
	}
}

func openSQLite(t *testing.T, path string) *cursor.SQLiteStore {
	t.Helper()
	store, err := cursor.OpenSQLite(path, clock.Fake(epoch), logging.NewNop())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	return store
}

func TestSQLiteStoreResumesAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cursors.db")
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first := openSQLite(t, path)
	first.Open("logs", cursor.StartBeginning)
	first.Set("logs", record.Position{Token: "page-3", Timestamp: ts, Sequence: 7})
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := openSQLite(t, path)
	defer second.Close()
	second.Open("logs", cursor.StartBeginning)
	cur, ok := second.Get("logs")
	if !ok {
		t.Fatal("expected resumed cursor")
	}
	want := record.Position{Token: "page-3", Timestamp: ts, Sequence: 7}
	if cur.Position.Token != want.Token || !cur.Position.Timestamp.Equal(want.Timestamp) || cur.Position.Sequence != want.Sequence {
		t.Fatalf("resumed position = %+v, want %+v", cur.Position, want)
	}

	persisted, err := second.Persisted(context.Background())
	if err != nil {
		t.Fatalf("Persisted: %v", err)
	}
	if len(persisted) != 1 || persisted[0].StreamID != "logs" {
		t.Fatalf("unexpected persisted cursors: %+v", persisted)
	}
}

func TestSQLiteStoreResetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	store := openSQLite(t, path)
	store.Open("logs", cursor.StartBeginning)
	store.Set("logs", record.Position{Token: "x"})
	store.Reset("logs")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := openSQLite(t, path)
	defer reopened.Close()
	reopened.Open("logs", cursor.StartBeginning)
	cur, _ := reopened.Get("logs")
	if !cur.Position.IsZero() {
		t.Fatalf("expected reset position after reopen, got %+v", cur.Position)
	}
}

func TestSQLiteStoreForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	store := openSQLite(t, path)
	defer store.Close()
	store.Open("logs", cursor.StartBeginning)
	store.Set("logs", record.Position{Token: "x"})
	store.Release("logs")

	if err := store.Forget(context.Background(), "logs"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	store.Open("logs", cursor.StartBeginning)
	cur, _ := store.Get("logs")
	if cur.Position.Token != "" {
		t.Fatalf("forgotten cursor resumed with token %q", cur.Position.Token)
	}
}

func TestSQLiteStoreRejectsSecondProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursors.db")
	store := openSQLite(t, path)
	defer store.Close()

	_, err := cursor.OpenSQLite(path, clock.Fake(epoch), logging.NewNop())
	if !errors.Is(err, cursor.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
