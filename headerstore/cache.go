package headerstore

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/lightningnetwork/spvchain/headers"
)

// DefaultCacheSize is the default number of headers kept in a CachedStore.
const DefaultCacheSize = 2016

// CachedStore wraps a Store with a read-through LRU cache of recently
// archived or fetched headers.
type CachedStore struct {
	store Store
	cache *lru.Cache[chainhash.Hash, *headers.Record]
}

// A compile-time check to ensure CachedStore satisfies the Store interface.
var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cache holding up to numHeaders headers in front of
// the given store.
func NewCachedStore(store Store, numHeaders int) *CachedStore {
	return &CachedStore{
		store: store,
		cache: lru.NewCache[chainhash.Hash, *headers.Record](
			uint64(numHeaders) * headers.RecordSize,
		),
	}
}

// PutHeader archives the header in the backing store and caches it once that
// succeeded.
//
// NOTE: This is part of the Store interface.
func (c *CachedStore) PutHeader(ctx context.Context,
	header *headers.Record) error {

	if err := c.store.PutHeader(ctx, header); err != nil {
		return err
	}

	// Caching is best effort, a failure only costs a later lookup.
	_, _ = c.cache.Put(header.Hash(), header)

	return nil
}

// FetchHeader serves the header from the cache, falling back to the backing
// store on a miss.
//
// NOTE: This is part of the Store interface.
func (c *CachedStore) FetchHeader(ctx context.Context,
	hash chainhash.Hash) (*headers.Record, error) {

	header, err := c.cache.Get(hash)
	switch {
	case err == nil:
		return header, nil

	case !errors.Is(err, cache.ErrElementNotFound):
		log.Debugf("Unable to read header %v from cache: %v", hash,
			err)
	}

	header, err = c.store.FetchHeader(ctx, hash)
	if err != nil {
		return nil, err
	}

	_, _ = c.cache.Put(hash, header)

	return header, nil
}

// Len returns the number of cached headers.
func (c *CachedStore) Len() int {
	return c.cache.Len()
}
