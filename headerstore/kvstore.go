package headerstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/spvchain/headers"
)

const (
	// headerType is the tlv type of the 80-byte header serialization.
	headerType tlv.Type = 0

	// sequenceType is the tlv type of the finalization sequence number.
	sequenceType tlv.Type = 2

	// finalizedAtType is the tlv type of the unix time the header was
	// archived at.
	finalizedAtType tlv.Type = 4
)

var (
	// byteOrder is the byte order of the sequence numbers used as index
	// keys. Big endian keeps the cursor order equal to the archive order.
	byteOrder = binary.BigEndian

	// finalizedHeaderBucket is the name of the bucket which houses the
	// finalized headers. Each entry maps a header hash to a tlv stream
	// holding the header and its archive metadata.
	finalizedHeaderBucket = []byte("finalized-headers")

	// finalizedIndexBucket maps the finalization sequence number of each
	// header to its hash.
	finalizedIndexBucket = []byte("finalized-index")

	// ErrCorruptedStore indicates that the on-disk bucketing structure has
	// altered since the store instance was initialized.
	ErrCorruptedStore = errors.New("finalized header store has been " +
		"corrupted")
)

// FinalizedHeader is an archived header together with its archive metadata.
type FinalizedHeader struct {
	// Header is the archived header.
	Header *headers.Record

	// Sequence is the position of the header in the archive order,
	// starting at 1.
	Sequence uint64

	// FinalizedAt is the time the header was archived.
	FinalizedAt time.Time
}

// encode writes the tlv serialization of the archived header.
func (f *FinalizedHeader) encode(w io.Writer) error {
	raw, err := f.Header.Serialize()
	if err != nil {
		return err
	}
	seq := f.Sequence
	finalizedAt := uint64(f.FinalizedAt.Unix())

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(headerType, &raw),
		tlv.MakePrimitiveRecord(sequenceType, &seq),
		tlv.MakePrimitiveRecord(finalizedAtType, &finalizedAt),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decodeFinalizedHeader reads an archived header from its tlv serialization.
func decodeFinalizedHeader(r io.Reader) (*FinalizedHeader, error) {
	var (
		raw         []byte
		seq         uint64
		finalizedAt uint64
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(headerType, &raw),
		tlv.MakePrimitiveRecord(sequenceType, &seq),
		tlv.MakePrimitiveRecord(finalizedAtType, &finalizedAt),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(r)
	if err != nil {
		return nil, err
	}
	if _, ok := parsed[headerType]; !ok {
		return nil, fmt.Errorf("%w: archived entry without header",
			ErrCorruptedStore)
	}

	header, err := headers.Decode(raw)
	if err != nil {
		return nil, err
	}

	return &FinalizedHeader{
		Header:      header,
		Sequence:    seq,
		FinalizedAt: time.Unix(int64(finalizedAt), 0),
	}, nil
}

// KVStore is an implementation of the Store interface backed by a kvdb
// backend. Besides the hash lookup it keeps an index of the headers in the
// order they were archived.
type KVStore struct {
	db    kvdb.Backend
	clock clock.Clock
}

// A compile-time check to ensure KVStore satisfies the Store interface.
var _ Store = (*KVStore)(nil)

// NewKVStore returns a new finalized header store backed by a database. The
// clock stamps every archived header.
func NewKVStore(db kvdb.Backend, clk clock.Clock) (*KVStore, error) {
	store := &KVStore{
		db:    db,
		clock: clk,
	}
	if err := store.initBuckets(); err != nil {
		return nil, err
	}

	return store, nil
}

// initBuckets ensures that the header buckets are initialized so that we can
// assume their existence after startup.
func (s *KVStore) initBuckets() error {
	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		_, err := tx.CreateTopLevelBucket(finalizedHeaderBucket)
		if err != nil {
			return err
		}

		_, err = tx.CreateTopLevelBucket(finalizedIndexBucket)

		return err
	})
}

// PutHeader archives the header. A header that is already archived keeps its
// original sequence number and time.
//
// NOTE: This is part of the Store interface.
func (s *KVStore) PutHeader(ctx context.Context,
	header *headers.Record) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	hash := header.Hash()
	finalizedAt := s.clock.Now()

	log.Tracef("Archiving finalized header %v", hash)

	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		headerBucket := tx.ReadWriteBucket(finalizedHeaderBucket)
		indexBucket := tx.ReadWriteBucket(finalizedIndexBucket)
		if headerBucket == nil || indexBucket == nil {
			return ErrCorruptedStore
		}

		if headerBucket.Get(hash[:]) != nil {
			log.Tracef("Header %v already archived", hash)
			return nil
		}

		seq, err := indexBucket.NextSequence()
		if err != nil {
			return err
		}

		var b bytes.Buffer
		entry := &FinalizedHeader{
			Header:      header,
			Sequence:    seq,
			FinalizedAt: finalizedAt,
		}
		if err := entry.encode(&b); err != nil {
			return err
		}

		var seqKey [8]byte
		byteOrder.PutUint64(seqKey[:], seq)
		if err := indexBucket.Put(seqKey[:], hash[:]); err != nil {
			return err
		}

		return headerBucket.Put(hash[:], b.Bytes())
	})
}

// FetchHeader returns the archived header with the given hash.
//
// NOTE: This is part of the Store interface.
func (s *KVStore) FetchHeader(ctx context.Context,
	hash chainhash.Hash) (*headers.Record, error) {

	entry, err := s.FetchFinalized(ctx, hash)
	if err != nil {
		return nil, err
	}

	return entry.Header, nil
}

// FetchFinalized returns the archived header with the given hash together
// with its archive metadata.
func (s *KVStore) FetchFinalized(ctx context.Context,
	hash chainhash.Hash) (*FinalizedHeader, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *FinalizedHeader
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		headerBucket := tx.ReadBucket(finalizedHeaderBucket)
		if headerBucket == nil {
			return ErrCorruptedStore
		}

		var err error
		entry, err = fetchFinalized(headerBucket, hash[:])

		return err
	}, func() {
		entry = nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// LastHeader returns the most recently archived header. ErrHeaderNotFound is
// returned if the store is empty.
func (s *KVStore) LastHeader(ctx context.Context) (*FinalizedHeader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *FinalizedHeader
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		headerBucket := tx.ReadBucket(finalizedHeaderBucket)
		indexBucket := tx.ReadBucket(finalizedIndexBucket)
		if headerBucket == nil || indexBucket == nil {
			return ErrCorruptedStore
		}

		_, hash := indexBucket.ReadCursor().Last()
		if hash == nil {
			return ErrHeaderNotFound
		}

		var err error
		entry, err = fetchFinalized(headerBucket, hash)

		return err
	}, func() {
		entry = nil
	})
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// ForEachHeader calls cb for every archived header in archive order, starting
// at the given sequence number. Iteration stops at the first error returned
// by cb, which is passed on to the caller.
func (s *KVStore) ForEachHeader(ctx context.Context, startSeq uint64,
	cb func(*FinalizedHeader) error) error {

	return kvdb.View(s.db, func(tx kvdb.RTx) error {
		headerBucket := tx.ReadBucket(finalizedHeaderBucket)
		indexBucket := tx.ReadBucket(finalizedIndexBucket)
		if headerBucket == nil || indexBucket == nil {
			return ErrCorruptedStore
		}

		var startKey [8]byte
		byteOrder.PutUint64(startKey[:], startSeq)

		cursor := indexBucket.ReadCursor()
		k, hash := cursor.Seek(startKey[:])
		for ; k != nil; k, hash = cursor.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			entry, err := fetchFinalized(headerBucket, hash)
			if err != nil {
				return err
			}

			if err := cb(entry); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// Count returns the number of archived headers.
func (s *KVStore) Count() (int, error) {
	var count int
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		indexBucket := tx.ReadBucket(finalizedIndexBucket)
		if indexBucket == nil {
			return ErrCorruptedStore
		}

		return indexBucket.ForEach(func(_, _ []byte) error {
			count++
			return nil
		})
	}, func() {
		count = 0
	})

	return count, err
}

// fetchFinalized reads and decodes the entry of the given hash.
func fetchFinalized(headerBucket kvdb.RBucket,
	hash []byte) (*FinalizedHeader, error) {

	raw := headerBucket.Get(hash)
	if raw == nil {
		return nil, ErrHeaderNotFound
	}

	return decodeFinalizedHeader(bytes.NewReader(raw))
}
