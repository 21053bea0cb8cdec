package fetch

import (
	"context"
	"slices"

	"livetail/internal/record"
)

const (
	// DefaultMaxPageSize bounds a single page when the caller sets no limit.
	DefaultMaxPageSize = 500
	// DefaultPageSize is used when a fetch asks for a non-positive page size.
	DefaultPageSize = 100
)

// Listing is one raw page from a product backend.
type Listing struct {
	Records   []record.Record
	NextToken string
	Complete  bool
}

// Lister is the per-product listing contract.
type Lister interface {
	ListEvents(ctx context.Context, streamID, cursorToken string, limit int) (Listing, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, streamID, cursorToken string, limit int) (Listing, error)

func (f ListerFunc) ListEvents(ctx context.Context, streamID, cursorToken string, limit int) (Listing, error) {
	return f(ctx, streamID, cursorToken, limit)
}

// Fetcher returns the next batch of a stream from pos.
type Fetcher interface {
	Fetch(ctx context.Context, streamID string, pos record.Position, pageSize int) (record.Batch, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, streamID string, pos record.Position, pageSize int) (record.Batch, error)

func (f FetcherFunc) Fetch(ctx context.Context, streamID string, pos record.Position, pageSize int) (record.Batch, error) {
	return f(ctx, streamID, pos, pageSize)
}

// Options bounds PageFetcher page sizes.
type Options struct {
	MaxPageSize     int
	DefaultPageSize int
}

// PageFetcher adapts a Lister to the Fetcher contract.
type PageFetcher struct {
	lister      Lister
	maxPageSize int
	defaultSize int
}

// NewPageFetcher wraps lister. Zero options take the package defaults.
func NewPageFetcher(lister Lister, opts Options) *PageFetcher {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = DefaultMaxPageSize
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = min(DefaultPageSize, opts.MaxPageSize)
	}
	return &PageFetcher{lister: lister, maxPageSize: opts.MaxPageSize, defaultSize: opts.DefaultPageSize}
}

// MaxPageSize returns the configured page bound.
func (f *PageFetcher) MaxPageSize() int { return f.maxPageSize }

// Fetch lists one page from pos and returns it as a batch.
//
// Records strictly before pos's (timestamp, sequence) pair are dropped; the
// record at the pair is kept so a resent boundary reaches the buffer, which
// discards it. The resume position is the lister's token when it issues one,
// carrying pos's pair along until a page yields a record at or past it.
// Without a token the request token is kept and paired with the last record,
// so the same page is re-listed and filtered. A page longer than the limit is
// cut, reported incomplete, and resumes at the first record that was cut.
func (f *PageFetcher) Fetch(ctx context.Context, streamID string, pos record.Position, pageSize int) (record.Batch, error) {
	limit := f.clamp(pageSize)
	listing, err := f.lister.ListEvents(ctx, streamID, pos.Token, limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return record.Batch{}, ctxErr
		}
		return record.Batch{}, Wrap(streamID, err)
	}

	records := make([]record.Record, 0, len(listing.Records))
	for _, r := range listing.Records {
		if pos.Before(r) {
			continue
		}
		records = append(records, r)
	}
	slices.SortStableFunc(records, record.Compare)

	if len(records) > limit {
		kept := records[:limit]
		next := record.PositionOf(records[limit])
		if pos.HasKey() && samePair(next, pos) {
			// A run of identical pairs longer than a page cannot be resumed
			// inside; step past it.
			last := kept[len(kept)-1]
			next = record.Position{Timestamp: last.Timestamp, Sequence: last.Sequence + 1}
		}
		next.Token = pos.Token
		return record.Batch{Records: kept, Next: next, Complete: false}, nil
	}

	batch := record.Batch{Records: records, Complete: listing.Complete}
	switch {
	case listing.NextToken != "":
		batch.Next = record.Position{Token: listing.NextToken}
		if len(records) == 0 && pos.HasKey() {
			// Nothing on this page reached the floor yet; keep filtering the
			// pages that follow.
			batch.Next.Timestamp, batch.Next.Sequence = pos.Timestamp, pos.Sequence
		}
	case len(records) > 0:
		batch.Next = record.PositionOf(records[len(records)-1])
		batch.Next.Token = pos.Token
	default:
		batch.Next = pos
	}
	return batch, nil
}

func (f *PageFetcher) clamp(pageSize int) int {
	switch {
	case pageSize <= 0:
		return f.defaultSize
	case pageSize > f.maxPageSize:
		return f.maxPageSize
	default:
		return pageSize
	}
}

func samePair(a, b record.Position) bool {
	return a.Timestamp.Equal(b.Timestamp) && a.Sequence == b.Sequence
}
