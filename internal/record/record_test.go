package record_test

import (
	"slices"
	"testing"
	"time"

	"livetail/internal/record"
)

func TestCompareOrdersByTimestampSequenceID(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []record.Record{
		{ID: "c", Timestamp: base.Add(time.Second)},
		{ID: "b", Timestamp: base, Sequence: 2},
		{ID: "z", Timestamp: base, Sequence: 1},
		{ID: "a", Timestamp: base, Sequence: 2},
	}
	slices.SortFunc(records, record.Compare)

	want := []string{"z", "a", "b", "c"}
	for i, id := range want {
		if records[i].ID != id {
			t.Fatalf("position %d: expected %q, got %q", i, id, records[i].ID)
		}
	}
}

func TestPositionBefore(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := record.Position{Timestamp: base, Sequence: 5}

	cases := []struct {
		name   string
		rec    record.Record
		before bool
	}{
		{"older timestamp", record.Record{Timestamp: base.Add(-time.Millisecond), Sequence: 9}, true},
		{"same timestamp lower sequence", record.Record{Timestamp: base, Sequence: 4}, true},
		{"boundary record", record.Record{Timestamp: base, Sequence: 5}, false},
		{"newer", record.Record{Timestamp: base.Add(time.Millisecond)}, false},
	}
	for _, tc := range cases {
		if got := pos.Before(tc.rec); got != tc.before {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.before, got)
		}
	}

	tokenOnly := record.Position{Token: "abc"}
	if tokenOnly.Before(record.Record{Timestamp: base}) {
		t.Fatal("token-only position must not filter records")
	}
}

func TestPositionIsZero(t *testing.T) {
	if !(record.Position{}).IsZero() {
		t.Fatal("expected zero position")
	}
	if (record.Position{Token: "x"}).IsZero() {
		t.Fatal("token position must not be zero")
	}
	if (record.Position{Timestamp: time.Unix(1, 0)}).IsZero() {
		t.Fatal("timestamp position must not be zero")
	}
}
