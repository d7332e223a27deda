package headers

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ErrMalformedHeader is returned when a raw header does not match any of the
// accepted input shapes.
var ErrMalformedHeader = errors.New("malformed header")

// hexHeaderLen is the length of a hex encoded header.
const hexHeaderLen = RecordSize * 2

// CompactBits is the compact target of a loosely typed header. It decodes
// from either a hex string, as returned by node RPC interfaces, or a plain
// JSON number.
type CompactBits uint32

// UnmarshalJSON decodes the bits from a hex string or a number.
func (b *CompactBits) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		str = strings.TrimPrefix(strings.ToLower(str), "0x")
		bits, err := strconv.ParseUint(str, 16, 32)
		if err != nil {
			return fmt.Errorf("invalid bits %q: %w", str, err)
		}
		*b = CompactBits(bits)

		return nil
	}

	var num uint32
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid bits %s: %w", data, err)
	}
	*b = CompactBits(num)

	return nil
}

// MarshalJSON encodes the bits as a zero padded hex string.
func (b CompactBits) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("%08x", uint32(b)))
}

// JSONHeader is the loosely typed object form of a header. Both the node RPC
// field names and their camel cased variants are understood. Hashes are in
// display (byte reversed) hex.
type JSONHeader struct {
	Version           int32       `json:"version"`
	PreviousBlockHash string      `json:"previousblockhash,omitempty"`
	PrevHash          string      `json:"prevHash,omitempty"`
	MerkleRoot        string      `json:"merkleroot,omitempty"`
	MerkleRootCamel   string      `json:"merkleRoot,omitempty"`
	Time              int64       `json:"time"`
	Bits              CompactBits `json:"bits"`
	Nonce             uint32      `json:"nonce"`
}

// NewJSONHeader returns the RPC style object form of a record.
func NewJSONHeader(r *Record) *JSONHeader {
	return &JSONHeader{
		Version:           r.Version(),
		PreviousBlockHash: r.PrevHash().String(),
		MerkleRoot:        r.MerkleRoot().String(),
		Time:              r.Timestamp().Unix(),
		Bits:              CompactBits(r.Bits()),
		Nonce:             r.Nonce(),
	}
}

// Record converts the object into a canonical record. A missing previous hash
// is read as the zero hash, which is what genesis headers carry.
func (j *JSONHeader) Record() (*Record, error) {
	prev := chainhash.Hash{}
	prevStr := firstNonEmpty(j.PreviousBlockHash, j.PrevHash)
	if prevStr != "" {
		hash, err := chainhash.NewHashFromStr(prevStr)
		if err != nil {
			return nil, fmt.Errorf("%w: previous hash: %v",
				ErrMalformedHeader, err)
		}
		prev = *hash
	}

	rootStr := firstNonEmpty(j.MerkleRoot, j.MerkleRootCamel)
	if rootStr == "" {
		return nil, fmt.Errorf("%w: missing merkle root",
			ErrMalformedHeader)
	}
	root, err := chainhash.NewHashFromStr(rootStr)
	if err != nil {
		return nil, fmt.Errorf("%w: merkle root: %v",
			ErrMalformedHeader, err)
	}

	return NewRecord(&wire.BlockHeader{
		Version:    j.Version,
		PrevBlock:  prev,
		MerkleRoot: *root,
		Timestamp:  time.Unix(j.Time, 0),
		Bits:       uint32(j.Bits),
		Nonce:      j.Nonce,
	}), nil
}

// Normalize converts any of the accepted header representations into a
// canonical record:
//   - *Record, returned as is
//   - wire.BlockHeader or *wire.BlockHeader
//   - []byte holding exactly the 80-byte wire encoding
//   - string holding exactly 160 hex characters of the wire encoding
//   - json.RawMessage, map[string]any, JSONHeader or *JSONHeader holding a
//     loosely typed header object
//
// Any other input fails with ErrMalformedHeader.
func Normalize(raw any) (*Record, error) {
	switch h := raw.(type) {
	case *Record:
		if h == nil {
			return nil, fmt.Errorf("%w: nil record",
				ErrMalformedHeader)
		}

		return h, nil

	case wire.BlockHeader:
		return NewRecord(&h), nil

	case *wire.BlockHeader:
		if h == nil {
			return nil, fmt.Errorf("%w: nil header",
				ErrMalformedHeader)
		}

		return NewRecord(h), nil

	case []byte:
		return Decode(h)

	case string:
		if len(h) != hexHeaderLen {
			return nil, fmt.Errorf("%w: expected %d hex "+
				"characters, got %d", ErrMalformedHeader,
				hexHeaderLen, len(h))
		}

		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader,
				err)
		}

		return Decode(b)

	case json.RawMessage:
		return decodeJSON(h)

	case map[string]any:
		b, err := json.Marshal(h)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHeader,
				err)
		}

		return decodeJSON(b)

	case JSONHeader:
		return h.Record()

	case *JSONHeader:
		if h == nil {
			return nil, fmt.Errorf("%w: nil object",
				ErrMalformedHeader)
		}

		return h.Record()

	default:
		return nil, fmt.Errorf("%w: unsupported type %T",
			ErrMalformedHeader, raw)
	}
}

// decodeJSON parses a loosely typed header object.
func decodeJSON(b []byte) (*Record, error) {
	var obj JSONHeader
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}

	return obj.Record()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
