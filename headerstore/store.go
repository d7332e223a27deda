package headerstore

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/spvchain/headers"
)

// ErrHeaderNotFound is returned when a header is not present in the store.
var ErrHeaderNotFound = errors.New("header not found")

// Store is an archive of headers that have been finalized and removed from the
// live header tree. Records are stored without any tree linkage and are keyed
// by their hash.
type Store interface {
	// PutHeader archives the header. Archiving a header that is already
	// present is not an error.
	PutHeader(ctx context.Context, header *headers.Record) error

	// FetchHeader returns the archived header with the given hash.
	// ErrHeaderNotFound is returned if the header was never archived.
	FetchHeader(ctx context.Context,
		hash chainhash.Hash) (*headers.Record, error)
}
