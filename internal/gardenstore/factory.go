package gardenstore

import (
	"context"
	"sync"

	"github.com/aonescu/gardensync/internal/eventlog"
)

// Factory hands out one Store per garden id.
type Factory struct {
	mu     sync.Mutex
	client eventlog.Client
	opts   []Option
	stores map[string]*Store
}

func NewFactory(client eventlog.Client, opts ...Option) *Factory {
	return &Factory{
		client: client,
		opts:   opts,
		stores: make(map[string]*Store),
	}
}

func (f *Factory) Get(gardenID string) *Store {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.stores[gardenID]; ok {
		return s
	}
	s := New(gardenID, f.client, f.opts...)
	f.stores[gardenID] = s
	return s
}

// Release forgets the store of a garden. The next Get creates a new one.
func (f *Factory) Release(gardenID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stores, gardenID)
}

type contextKey struct{}

func NewContext(ctx context.Context, s *Store) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

func FromContext(ctx context.Context) (*Store, bool) {
	s, ok := ctx.Value(contextKey{}).(*Store)
	return s, ok
}
