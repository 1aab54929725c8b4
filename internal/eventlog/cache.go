package eventlog

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/utils/clock"

	"github.com/aonescu/gardensync/internal/garden"
)

const DefaultSnapshotTTL = 2 * time.Second

// CachingClient keeps fetched snapshots for a short TTL. Any append to a
// garden, successful or not, drops that garden's cached snapshot.
type CachingClient struct {
	next  Client
	ttl   time.Duration
	cache *cache.Expiring
}

func NewCachingClient(next Client, ttl time.Duration) *CachingClient {
	return NewCachingClientWithClock(next, ttl, clock.RealClock{})
}

func NewCachingClientWithClock(next Client, ttl time.Duration, clk clock.Clock) *CachingClient {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &CachingClient{
		next:  next,
		ttl:   ttl,
		cache: cache.NewExpiringWithClock(clk),
	}
}

func (c *CachingClient) FetchGarden(ctx context.Context, gardenID string) (*Snapshot, error) {
	if v, ok := c.cache.Get(gardenID); ok {
		snapshot := v.(Snapshot)
		snapshot.Garden = *snapshot.Garden.Clone()
		return &snapshot, nil
	}

	snapshot, err := c.next.FetchGarden(ctx, gardenID)
	if err != nil {
		return nil, err
	}
	cached := *snapshot
	cached.Garden = *snapshot.Garden.Clone()
	c.cache.Set(gardenID, cached, c.ttl)
	return snapshot, nil
}

func (c *CachingClient) AppendEvents(ctx context.Context, gardenID string, events []garden.Event) (*AppendResult, error) {
	c.cache.Delete(gardenID)
	result, err := c.next.AppendEvents(ctx, gardenID, events)
	c.cache.Delete(gardenID)
	return result, err
}

// Invalidate drops the cached snapshot of a garden.
func (c *CachingClient) Invalidate(gardenID string) {
	c.cache.Delete(gardenID)
}
