package headerchain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrMissingStartHeader is returned when a chain is created for a
	// network without a default genesis and no start header was given.
	ErrMissingStartHeader = errors.New("network has no default genesis, " +
		"a start header is required")

	// ErrDuplicateHeader is reported for a header that is already part of
	// the tree or the orphan pool.
	ErrDuplicateHeader = errors.New("duplicate header")

	// ErrHeaderRejected is reported for a header refused by the consensus
	// gate.
	ErrHeaderRejected = errors.New("header rejected")

	// ErrHeaderNotFound is returned when a header is neither finalized nor
	// part of the best chain.
	ErrHeaderNotFound = errors.New("header not found")
)

// HeaderFailure describes why a single element of a batch was not accepted.
type HeaderFailure struct {
	// Index is the position of the element in the batch.
	Index int

	// Hash is the hash of the header, if the element could be parsed.
	Hash fn.Option[chainhash.Hash]

	// Err is the reason the element was not accepted.
	Err error
}

// Error returns a description of the failure.
func (f HeaderFailure) Error() string {
	hash := fn.MapOptionZ(f.Hash, func(h chainhash.Hash) string {
		return " (" + h.String() + ")"
	})

	return fmt.Sprintf("header %d%s: %v", f.Index, hash, f.Err)
}

// Unwrap returns the underlying reason.
func (f HeaderFailure) Unwrap() error {
	return f.Err
}

// BatchError is returned by AddHeaders when one or more elements of the batch
// were not accepted. Elements not listed were accepted.
type BatchError struct {
	// Failures holds one entry per rejected element, in batch order.
	Failures []HeaderFailure
}

// Error returns a description of every failure in the batch.
func (b *BatchError) Error() string {
	reasons := make([]string, 0, len(b.Failures))
	for _, failure := range b.Failures {
		reasons = append(reasons, failure.Error())
	}

	return fmt.Sprintf("%d headers not accepted: %s", len(b.Failures),
		strings.Join(reasons, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (b *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(b.Failures))
	for _, failure := range b.Failures {
		errs = append(errs, failure)
	}

	return errs
}

// Indices returns the batch positions of the failed elements.
func (b *BatchError) Indices() []int {
	return fn.Map(b.Failures, func(f HeaderFailure) int {
		return f.Index
	})
}
