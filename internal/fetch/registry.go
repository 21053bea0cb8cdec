package fetch

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"livetail/internal/config"
)

// Registry routes listing calls to the Lister registered for each stream.
type Registry struct {
	mu      sync.RWMutex
	listers map[string]Lister
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{listers: make(map[string]Lister)}
}

// NewRegistryFromConfig registers an HTTPLister for every configured stream,
// all sharing client.
func NewRegistryFromConfig(cfg *config.Config, client *http.Client) (*Registry, error) {
	reg := NewRegistry()
	if client == nil {
		client = NewClient(cfg.API.PoolSize, cfg.RequestTimeout())
	}
	creds := Credentials{
		AppKey:      cfg.API.AppKey,
		AppSecret:   cfg.API.AppSecret,
		ConsumerKey: cfg.API.ConsumerKey,
	}
	for _, stream := range cfg.Streams {
		lister, err := NewHTTPLister(client, cfg.API.BaseURL, creds, stream)
		if err != nil {
			return nil, err
		}
		reg.Register(stream.ID, lister)
	}
	return reg, nil
}

// Register installs or replaces the lister for streamID.
func (r *Registry) Register(streamID string, lister Lister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listers[streamID] = lister
}

// Has reports whether streamID is registered.
func (r *Registry) Has(streamID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listers[streamID]
	return ok
}

// Streams returns the registered stream IDs in sorted order.
func (r *Registry) Streams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.listers))
	for id := range r.listers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) ListEvents(ctx context.Context, streamID, cursorToken string, limit int) (Listing, error) {
	r.mu.RLock()
	lister, ok := r.listers[streamID]
	r.mu.RUnlock()
	if !ok {
		return Listing{}, newError(ErrMalformed, streamID, 0, fmt.Errorf("%w %q", ErrUnknownStream, streamID))
	}
	return lister.ListEvents(ctx, streamID, cursorToken, limit)
}
