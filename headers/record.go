package headers

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RecordSize is the serialized size of a header record in bytes.
const RecordSize = wire.MaxBlockHeaderPayload

// Record is the canonical, immutable form of a block header. The hash and the
// proof of work represented by the header are derived once on construction.
// Records carry no tree linkage; attaching a record to a chain never mutates
// it.
type Record struct {
	header wire.BlockHeader
	hash   chainhash.Hash
	work   *big.Int
}

// NewRecord creates a record from a wire header. The header is copied so later
// changes to it are not observed by the record.
func NewRecord(header *wire.BlockHeader) *Record {
	h := *header

	return &Record{
		header: h,
		hash:   h.BlockHash(),
		work:   blockchain.CalcWork(h.Bits),
	}
}

// Decode parses a record from its 80-byte serialized form.
func Decode(b []byte) (*Record, error) {
	if len(b) != RecordSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d",
			ErrMalformedHeader, RecordSize, len(b))
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	return NewRecord(&header), nil
}

// Hash returns the double-SHA256 hash of the header.
func (r *Record) Hash() chainhash.Hash {
	return r.hash
}

// PrevHash returns the hash of the header's declared parent.
func (r *Record) PrevHash() chainhash.Hash {
	return r.header.PrevBlock
}

// MerkleRoot returns the transaction merkle root committed to by the header.
func (r *Record) MerkleRoot() chainhash.Hash {
	return r.header.MerkleRoot
}

// Version returns the header's block version.
func (r *Record) Version() int32 {
	return r.header.Version
}

// Timestamp returns the header's timestamp.
func (r *Record) Timestamp() time.Time {
	return r.header.Timestamp
}

// Bits returns the compact encoding of the header's target.
func (r *Record) Bits() uint32 {
	return r.header.Bits
}

// Nonce returns the header's nonce.
func (r *Record) Nonce() uint32 {
	return r.header.Nonce
}

// Work returns the expected number of hashes it took to produce the header.
func (r *Record) Work() *big.Int {
	return new(big.Int).Set(r.work)
}

// BlockHeader returns a copy of the underlying wire header.
func (r *Record) BlockHeader() wire.BlockHeader {
	return r.header
}

// Serialize returns the 80-byte wire encoding of the header.
func (r *Record) Serialize() ([]byte, error) {
	var b bytes.Buffer
	b.Grow(RecordSize)
	if err := r.header.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Size returns the in memory footprint accounted for by caches holding the
// record.
func (r *Record) Size() (uint64, error) {
	return RecordSize, nil
}

// String returns the hash of the header in display order.
func (r *Record) String() string {
	return r.hash.String()
}
