package cache

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/icodeforyou/southpool-go/types"
)

// ErrNotYetFetched is returned by Get before the first successful Put. It
// is an expected cold state, not a failure.
var ErrNotYetFetched = errors.New("market data not yet fetched")

type Key struct {
	Region      types.Region
	Granularity types.Granularity
}

type slot struct {
	entry atomic.Pointer[types.CacheEntry]
	write sync.Mutex
}

/** Latest successfully fetched dataset per region and granularity */
type Cache struct {
	mu    sync.RWMutex
	slots map[Key]*slot
}

func New() *Cache {
	return &Cache{slots: make(map[Key]*slot)}
}

func (c *Cache) slot(k Key) *slot {
	c.mu.RLock()
	s, ok := c.slots[k]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.slots[k]; !ok {
		s = &slot{}
		c.slots[k] = s
	}
	return s
}

// Get returns the current entry. The records slice is shared between
// readers and must be treated as read-only.
func (c *Cache) Get(region types.Region, g types.Granularity) (types.CacheEntry, error) {
	c.mu.RLock()
	s, ok := c.slots[Key{region, g}]
	c.mu.RUnlock()
	if !ok {
		return types.CacheEntry{}, ErrNotYetFetched
	}
	e := s.entry.Load()
	if e == nil {
		return types.CacheEntry{}, ErrNotYetFetched
	}
	return *e, nil
}

// Put replaces the entry wholesale. Readers observe either the previous
// entry or the new one, never a mix.
func (c *Cache) Put(region types.Region, g types.Granularity, ds types.RegionDataset, fetchedAt time.Time) {
	ds.Records = slices.Clone(ds.Records)
	c.slot(Key{region, g}).entry.Store(&types.CacheEntry{Dataset: ds, FetchedAt: fetchedAt})
}

// Lock serializes writers of one key. Readers are never blocked by it.
func (c *Cache) Lock(region types.Region, g types.Granularity) (unlock func()) {
	s := c.slot(Key{region, g})
	s.write.Lock()
	return s.write.Unlock
}

// Snapshot returns every populated entry.
func (c *Cache) Snapshot() map[Key]types.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Key]types.CacheEntry, len(c.slots))
	for k, s := range c.slots {
		if e := s.entry.Load(); e != nil {
			out[k] = *e
		}
	}
	return out
}

// Keys lists the populated keys ordered by region, then granularity.
func (c *Cache) Keys() []Key {
	snap := c.Snapshot()
	keys := make([]Key, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Region != b.Region {
			return strings.Compare(string(a.Region), string(b.Region))
		}
		return strings.Compare(string(a.Granularity), string(b.Granularity))
	})
	return keys
}
