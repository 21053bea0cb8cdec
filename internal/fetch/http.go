package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"livetail/internal/config"
	"livetail/internal/record"
)

// Header names used by the console's API proxy.
const (
	HeaderAppKey         = "X-Ovh-App-Key"
	HeaderAppSecret      = "X-Ovh-App-Secret"
	HeaderConsumerKey    = "X-Ovh-Consumer-Key"
	HeaderPaginationMode = "X-Pagination-Mode"
	HeaderPaginationSize = "X-Pagination-Size"
	HeaderCursor         = "X-Pagination-Cursor"
	HeaderCursorNext     = "X-Pagination-Cursor-Next"

	paginationModeCursor = "CachedObjectList-Cursor"
	maxBodyBytes         = 8 << 20
)

// Credentials are passed through to the backend untouched.
type Credentials struct {
	AppKey      string
	AppSecret   string
	ConsumerKey string
}

func (c Credentials) apply(h http.Header) {
	if c.AppKey != "" {
		h.Set(HeaderAppKey, c.AppKey)
	}
	if c.AppSecret != "" {
		h.Set(HeaderAppSecret, c.AppSecret)
	}
	if c.ConsumerKey != "" {
		h.Set(HeaderConsumerKey, c.ConsumerKey)
	}
}

// NewClient returns an HTTP client whose single transport caps connections
// per host at poolSize, matching the fetch Pool bound.
func NewClient(poolSize int, timeout time.Duration) *http.Client {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = poolSize
	transport.MaxIdleConnsPerHost = poolSize
	return &http.Client{Transport: transport, Timeout: timeout}
}

// HTTPLister lists one configured stream from a product REST API.
type HTTPLister struct {
	client  *http.Client
	baseURL *url.URL
	creds   Credentials
	stream  config.Stream
}

// NewHTTPLister builds a lister for stream. The stream is expected to be
// normalized by config.Load.
func NewHTTPLister(client *http.Client, baseURL string, creds Credentials, stream config.Stream) (*HTTPLister, error) {
	if client == nil {
		client = NewClient(DefaultPoolSize, 30*time.Second)
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	switch stream.Shape {
	case config.ShapeCursor, config.ShapeIDs, config.ShapeSince:
	default:
		return nil, fmt.Errorf("stream %s: unsupported shape %q", stream.ID, stream.Shape)
	}
	return &HTTPLister{client: client, baseURL: base, creds: creds, stream: stream}, nil
}

func (l *HTTPLister) ListEvents(ctx context.Context, streamID, cursorToken string, limit int) (Listing, error) {
	switch l.stream.Shape {
	case config.ShapeCursor:
		return l.listCursor(ctx, streamID, cursorToken, limit)
	case config.ShapeIDs:
		return l.listIDs(ctx, streamID, cursorToken, limit)
	default:
		return l.listSince(ctx, streamID, cursorToken, limit)
	}
}

func (l *HTTPLister) listCursor(ctx context.Context, streamID, token string, limit int) (Listing, error) {
	header := http.Header{}
	header.Set(HeaderPaginationMode, paginationModeCursor)
	header.Set(HeaderPaginationSize, strconv.Itoa(limit))
	if token != "" {
		header.Set(HeaderCursor, token)
	}
	body, respHeader, err := l.get(ctx, streamID, l.stream.Path, nil, header)
	if err != nil {
		return Listing{}, err
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return Listing{}, newError(ErrMalformed, streamID, 0, errors.New("expected a JSON array"))
	}
	records, err := l.parseRecords(streamID, doc.Array())
	if err != nil {
		return Listing{}, err
	}
	next := strings.TrimSpace(respHeader.Get(HeaderCursorNext))
	return Listing{Records: records, NextToken: next, Complete: next == ""}, nil
}

func (l *HTTPLister) listSince(ctx context.Context, streamID, token string, limit int) (Listing, error) {
	query := url.Values{}
	if token != "" {
		query.Set("since", token)
	}
	query.Set("limit", strconv.Itoa(limit))
	body, _, err := l.get(ctx, streamID, l.stream.Path, query, nil)
	if err != nil {
		return Listing{}, err
	}
	doc := gjson.ParseBytes(body)
	items := doc.Get(l.stream.RecordsPath)
	if items.Exists() && !items.IsArray() {
		return Listing{}, newError(ErrMalformed, streamID, 0, fmt.Errorf("%s is not an array", l.stream.RecordsPath))
	}
	records, err := l.parseRecords(streamID, items.Array())
	if err != nil {
		return Listing{}, err
	}
	listing := Listing{Records: records, NextToken: doc.Get(l.stream.NextPath).String()}
	if complete := doc.Get(l.stream.CompletePath); complete.Exists() {
		listing.Complete = complete.Bool()
	} else {
		listing.Complete = len(records) < limit
	}
	return listing, nil
}

// listIDs handles collections that return only identifiers. IDs after the
// token are taken in ascending order and their details fetched concurrently.
func (l *HTTPLister) listIDs(ctx context.Context, streamID, token string, limit int) (Listing, error) {
	body, _, err := l.get(ctx, streamID, l.stream.Path, nil, nil)
	if err != nil {
		return Listing{}, err
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return Listing{}, newError(ErrMalformed, streamID, 0, errors.New("expected a JSON array of ids"))
	}

	var ids []string
	for _, item := range doc.Array() {
		id := item.String()
		if id == "" {
			continue
		}
		if token == "" || compareIDs(id, token) > 0 {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)

	remaining := len(ids) > limit
	if remaining {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return Listing{NextToken: token, Complete: true}, nil
	}

	records := make([]record.Record, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, l.stream.DetailConcurrency))
	for i, id := range ids {
		g.Go(func() error {
			path := strings.ReplaceAll(l.stream.DetailPath, "{id}", url.PathEscape(id))
			detail, _, err := l.get(gctx, streamID, path, nil, nil)
			if err != nil {
				return err
			}
			rec, err := l.parseRecord(streamID, gjson.ParseBytes(detail), id)
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Listing{}, err
	}
	return Listing{Records: records, NextToken: ids[len(ids)-1], Complete: !remaining}, nil
}

func (l *HTTPLister) get(ctx context.Context, streamID, path string, query url.Values, header http.Header) ([]byte, http.Header, error) {
	endpoint := *l.baseURL
	endpoint.Path = l.baseURL.Path + path
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, nil, newError(ErrMalformed, streamID, 0, err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	l.creds.apply(req.Header)

	resp, err := l.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, newError(ErrNetwork, streamID, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, newError(ErrNetwork, streamID, resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= 400 {
		return nil, nil, statusError(streamID, resp.StatusCode, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, nil, newError(ErrMalformed, streamID, resp.StatusCode, errors.New("response is not valid JSON"))
	}
	return body, resp.Header, nil
}

func statusError(streamID string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := errors.New(msg)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return newError(ErrAuth, streamID, status, err)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return newError(ErrNetwork, streamID, status, err)
	default:
		return newError(ErrMalformed, streamID, status, err)
	}
}

func (l *HTTPLister) parseRecords(streamID string, items []gjson.Result) ([]record.Record, error) {
	records := make([]record.Record, 0, len(items))
	for _, item := range items {
		rec, err := l.parseRecord(streamID, item, "")
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *HTTPLister) parseRecord(streamID string, item gjson.Result, fallbackID string) (record.Record, error) {
	if !item.IsObject() {
		return record.Record{}, newError(ErrMalformed, streamID, 0, errors.New("record is not an object"))
	}
	id := item.Get(l.stream.IDPath).String()
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		return record.Record{}, newError(ErrMalformed, streamID, 0, fmt.Errorf("record missing %s", l.stream.IDPath))
	}
	ts, ok := parseTimestamp(item.Get(l.stream.TimestampPath))
	if !ok {
		return record.Record{}, newError(ErrMalformed, streamID, 0, fmt.Errorf("record %s missing or invalid %s", id, l.stream.TimestampPath))
	}
	rec := record.Record{
		ID:        id,
		Timestamp: ts,
		Payload:   append([]byte(nil), item.Raw...),
	}
	if l.stream.SequencePath != "" {
		rec.Sequence = item.Get(l.stream.SequencePath).Int()
	}
	return rec, nil
}

func parseTimestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return fromUnix(v.Int()), true
	case gjson.String:
		if ts, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return ts.UTC(), true
		}
		if n, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return fromUnix(n), true
		}
	}
	return time.Time{}, false
}

// fromUnix accepts seconds or milliseconds since the epoch.
func fromUnix(n int64) time.Time {
	if n > 1e11 || n < -1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
