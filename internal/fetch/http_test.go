package fetch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livetail/internal/config"
	"livetail/internal/fetch"
)

func normalizedStream(t *testing.T, toml string) config.Stream {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg, _, _, err := config.Load(writeTOML(t, toml))
	if err != nil {
		t.Fatalf("load stream config: %v", err)
	}
	if len(cfg.Streams) != 1 {
		t.Fatalf("expected one stream, got %d", len(cfg.Streams))
	}
	return cfg.Streams[0]
}

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livetail.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newLister(t *testing.T, srv *httptest.Server, stream config.Stream) *fetch.HTTPLister {
	t.Helper()
	lister, err := fetch.NewHTTPLister(srv.Client(), srv.URL+"/1.0", fetch.Credentials{AppKey: "ak", AppSecret: "as", ConsumerKey: "ck"}, stream)
	if err != nil {
		t.Fatalf("NewHTTPLister: %v", err)
	}
	return lister
}

func TestCursorShapeUsesPaginationHeaders(t *testing.T) {
	var gotCursor, gotSize, gotMode, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1.0/me/logs/audit" {
			http.NotFound(w, r)
			return
		}
		gotCursor = r.Header.Get(fetch.HeaderCursor)
		gotSize = r.Header.Get(fetch.HeaderPaginationSize)
		gotMode = r.Header.Get(fetch.HeaderPaginationMode)
		gotKey = r.Header.Get(fetch.HeaderAppKey)
		w.Header().Set(fetch.HeaderCursorNext, "cur-2")
		_, _ = w.Write([]byte(`[
			{"logId": "l2", "createdAt": "2024-05-01T12:00:02Z", "type": "login"},
			{"logId": "l1", "createdAt": "2024-05-01T14:00:01+02:00", "type": "logout"}
		]`))
	}))
	defer srv.Close()

	stream := normalizedStream(t, `
[[streams]]
id = "iam/logs"
shape = "cursor"
path = "/me/logs/audit"
id_path = "logId"
timestamp_path = "createdAt"
`)
	listing, err := newLister(t, srv, stream).ListEvents(context.Background(), "iam/logs", "cur-1", 25)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if gotCursor != "cur-1" || gotSize != "25" || gotMode != "CachedObjectList-Cursor" || gotKey != "ak" {
		t.Fatalf("unexpected headers cursor=%q size=%q mode=%q key=%q", gotCursor, gotSize, gotMode, gotKey)
	}
	if listing.NextToken != "cur-2" || listing.Complete {
		t.Fatalf("unexpected paging: next=%q complete=%v", listing.NextToken, listing.Complete)
	}
	if len(listing.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(listing.Records))
	}
	want := time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)
	if got := listing.Records[1].Timestamp; !got.Equal(want) {
		t.Fatalf("timestamp with offset = %v, want %v", got, want)
	}
	var payload map[string]string
	if err := json.Unmarshal(listing.Records[0].Payload, &payload); err != nil || payload["type"] != "login" {
		t.Fatalf("payload not preserved: %s (%v)", listing.Records[0].Payload, err)
	}
}

func TestCursorShapeCompleteWithoutNextHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	stream := normalizedStream(t, "[[streams]]\nid = \"a\"\nshape = \"cursor\"\npath = \"/a\"\n")
	listing, err := newLister(t, srv, stream).ListEvents(context.Background(), "a", "", 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if !listing.Complete || listing.NextToken != "" {
		t.Fatalf("expected complete listing, got %+v", listing)
	}
}

func TestIDsShapeFetchesDetailsAfterToken(t *testing.T) {
	var (
		mu        sync.Mutex
		requested []string
		inFlight  atomic.Int32
		peak      atomic.Int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/1.0/hosting/web/site/tasks":
			_, _ = w.Write([]byte(`[12, 3, 10, 7, 15, 9]`))
		case strings.HasPrefix(r.URL.Path, "/1.0/hosting/web/site/tasks/"):
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			id := strings.TrimPrefix(r.URL.Path, "/1.0/hosting/web/site/tasks/")
			mu.Lock()
			requested = append(requested, id)
			mu.Unlock()
			sec, _ := strconv.Atoi(id)
			fmt.Fprintf(w, `{"id": %s, "function": "web/update", "status": "done", "startDate": %d}`, id, 1714564800+sec)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	stream := normalizedStream(t, `
[[streams]]
id = "hosting/site/tasks"
shape = "ids"
path = "/hosting/web/site/tasks"
timestamp_path = "startDate"
detail_concurrency = 2
`)
	lister := newLister(t, srv, stream)
	listing, err := lister.ListEvents(context.Background(), "hosting/site/tasks", "7", 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var got []string
	for _, r := range listing.Records {
		got = append(got, r.ID)
	}
	if strings.Join(got, ",") != "9,10,12" {
		t.Fatalf("records = %v, want ids after 7 in numeric order", got)
	}
	if listing.NextToken != "12" || listing.Complete {
		t.Fatalf("expected token 12 and more remaining, got %+v", listing)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("detail concurrency peaked at %d, limit 2", p)
	}
	if len(requested) != 3 {
		t.Fatalf("expected 3 detail requests, got %v", requested)
	}

	last, err := lister.ListEvents(context.Background(), "hosting/site/tasks", "12", 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(last.Records) != 1 || !last.Complete || last.NextToken != "15" {
		t.Fatalf("expected final page with task 15, got %+v", last)
	}

	empty, err := lister.ListEvents(context.Background(), "hosting/site/tasks", "15", 3)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(empty.Records) != 0 || !empty.Complete || empty.NextToken != "15" {
		t.Fatalf("expected empty complete page keeping token, got %+v", empty)
	}
}

func TestSinceShapeReadsConfiguredPaths(t *testing.T) {
	var gotSince, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSince = r.URL.Query().Get("since")
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"data": {"events": [
			{"uid": "e1", "at": 1714564800000, "n": 4, "msg": "hello"}
		]}, "cursor": 99, "done": false}`))
	}))
	defer srv.Close()

	stream := normalizedStream(t, `
[[streams]]
id = "dbaas/logs"
shape = "since"
path = "/dbaas/logs/tail"
records_path = "data.events"
next_path = "cursor"
complete_path = "done"
id_path = "uid"
timestamp_path = "at"
sequence_path = "n"
`)
	listing, err := newLister(t, srv, stream).ListEvents(context.Background(), "dbaas/logs", "42", 50)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if gotSince != "42" || gotLimit != "50" {
		t.Fatalf("query since=%q limit=%q", gotSince, gotLimit)
	}
	if listing.NextToken != "99" || listing.Complete {
		t.Fatalf("paging = %+v", listing)
	}
	r := listing.Records[0]
	if r.ID != "e1" || r.Sequence != 4 || !r.Timestamp.Equal(time.UnixMilli(1714564800000)) {
		t.Fatalf("record = %+v", r)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, fetch.ErrAuth},
		{http.StatusForbidden, fetch.ErrAuth},
		{http.StatusTooManyRequests, fetch.ErrNetwork},
		{http.StatusBadGateway, fetch.ErrNetwork},
		{http.StatusRequestTimeout, fetch.ErrNetwork},
		{http.StatusBadRequest, fetch.ErrMalformed},
		{http.StatusNotFound, fetch.ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"message": "nope"}`))
			}))
			defer srv.Close()
			stream := normalizedStream(t, "[[streams]]\nid = \"a\"\npath = \"/a\"\n")
			_, err := newLister(t, srv, stream).ListEvents(context.Background(), "a", "", 10)
			if !errors.Is(err, tc.want) {
				t.Fatalf("status %d: got %v, want %v", tc.status, err, tc.want)
			}
			var fe *fetch.Error
			if !errors.As(err, &fe) || fe.Status != tc.status {
				t.Fatalf("expected status on error, got %#v", err)
			}
			if !strings.Contains(err.Error(), "nope") {
				t.Fatalf("error should carry backend message: %v", err)
			}
		})
	}
}

func TestMalformedBodies(t *testing.T) {
	bodies := map[string]string{
		"not json":          `<html>`,
		"missing timestamp": `{"records": [{"id": "x"}]}`,
		"missing id":        `{"records": [{"timestamp": "2024-05-01T00:00:00Z"}]}`,
		"records not array": `{"records": {"id": "x"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()
			stream := normalizedStream(t, "[[streams]]\nid = \"a\"\npath = \"/a\"\n")
			_, err := newLister(t, srv, stream).ListEvents(context.Background(), "a", "", 10)
			if !errors.Is(err, fetch.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if !fetch.IsRetryable(err) {
				t.Fatal("malformed responses are retryable after backoff")
			}
		})
	}
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	stream := normalizedStream(t, "[[streams]]\nid = \"a\"\npath = \"/a\"\n")
	lister, err := fetch.NewHTTPLister(fetch.NewClient(1, time.Second), url, fetch.Credentials{}, stream)
	if err != nil {
		t.Fatalf("NewHTTPLister: %v", err)
	}
	_, err = lister.ListEvents(context.Background(), "a", "", 10)
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestRegistryRoutesAndRejectsUnknown(t *testing.T) {
	reg := fetch.NewRegistry()
	reg.Register("b", fetch.ListerFunc(func(context.Context, string, string, int) (fetch.Listing, error) {
		return fetch.Listing{NextToken: "from-b", Complete: true}, nil
	}))
	reg.Register("a", fetch.ListerFunc(func(context.Context, string, string, int) (fetch.Listing, error) {
		return fetch.Listing{NextToken: "from-a", Complete: true}, nil
	}))

	if got := strings.Join(reg.Streams(), ","); got != "a,b" {
		t.Fatalf("streams = %s", got)
	}
	listing, err := reg.ListEvents(context.Background(), "b", "", 1)
	if err != nil || listing.NextToken != "from-b" {
		t.Fatalf("routing failed: %+v %v", listing, err)
	}
	_, err = reg.ListEvents(context.Background(), "zzz", "", 1)
	if !errors.Is(err, fetch.ErrUnknownStream) {
		t.Fatalf("expected ErrUnknownStream, got %v", err)
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeTOML(t, "[[streams]]\nid = \"x\"\npath = \"/x\"\n[[streams]]\nid = \"y\"\nshape = \"ids\"\npath = \"/y\"\n")
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg, err := fetch.NewRegistryFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistryFromConfig: %v", err)
	}
	if !reg.Has("x") || !reg.Has("y") {
		t.Fatalf("streams not registered: %v", reg.Streams())
	}
}
