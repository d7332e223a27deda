package headerstore

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/lnutils"
)

// MemStore is a Store that keeps archived headers in memory. It is meant for
// tests and short lived tooling.
type MemStore struct {
	headers lnutils.SyncMap[chainhash.Hash, *headers.Record]
}

// A compile-time check to ensure MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// PutHeader archives the header. Archiving a header twice keeps the first
// copy.
//
// NOTE: This is part of the Store interface.
func (m *MemStore) PutHeader(ctx context.Context,
	header *headers.Record) error {

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, loaded := m.headers.LoadOrStore(header.Hash(), header); loaded {
		log.Tracef("Header %v already archived", header.Hash())
	}

	return nil
}

// FetchHeader returns the archived header with the given hash.
//
// NOTE: This is part of the Store interface.
func (m *MemStore) FetchHeader(ctx context.Context,
	hash chainhash.Hash) (*headers.Record, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	header, ok := m.headers.Load(hash)
	if !ok {
		return nil, ErrHeaderNotFound
	}

	return header, nil
}

// Len returns the number of archived headers.
func (m *MemStore) Len() int {
	return m.headers.Len()
}
