package store

import (
	"github.com/VictoriaMetrics/fastcache"

	"github.com/quarryvm/quarry/vm"
)

// CachedReader is a read-through byte cache in front of a slower StateStore.
// It caches misses as well as hits, so repeated probes for absent resources
// skip the backend too. The cache never receives commits: wrap only stores
// whose contents are stable for the reader's lifetime, or call Reset after
// applying a write set.
type CachedReader struct {
	backend vm.StateStore
	cache   *fastcache.Cache
}

// Cached entry layout: one marker byte (0 = absent, 1 = present) followed
// by the raw value bytes.
const (
	markerAbsent  = 0
	markerPresent = 1
)

// NewCachedReader wraps backend with a cache bounded at maxBytes.
func NewCachedReader(backend vm.StateStore, maxBytes int) *CachedReader {
	return &CachedReader{backend: backend, cache: fastcache.New(maxBytes)}
}

func cacheKey(addr vm.Address, tagKey []byte) []byte {
	k := make([]byte, 0, len(addr)+len(tagKey))
	k = append(k, addr[:]...)
	return append(k, tagKey...)
}

// GetResource returns the cached bytes for (addr, tagKey), falling through
// to the backend on first touch.
func (c *CachedReader) GetResource(addr vm.Address, tagKey []byte) ([]byte, bool, error) {
	k := cacheKey(addr, tagKey)
	if entry := c.cache.Get(nil, k); len(entry) > 0 {
		if entry[0] == markerAbsent {
			return nil, false, nil
		}
		return entry[1:], true, nil
	}
	raw, ok, err := c.backend.GetResource(addr, tagKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.cache.Set(k, []byte{markerAbsent})
		return nil, false, nil
	}
	entry := make([]byte, 0, len(raw)+1)
	entry = append(entry, markerPresent)
	entry = append(entry, raw...)
	c.cache.Set(k, entry)
	return raw, true, nil
}

// Reset drops every cached entry. Call after the backend changes.
func (c *CachedReader) Reset() { c.cache.Reset() }
