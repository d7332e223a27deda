package pow

import (
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// SynthesizedVersion is the block version stamped on synthesized
	// headers.
	SynthesizedVersion = 2
)

// ErrNonceSpaceExhausted is returned when no nonce in the 32-bit nonce space
// yields a hash below the requested target.
var ErrNonceSpaceExhausted = errors.New("nonce space exhausted without " +
	"meeting target")

// ExpandTarget decodes the compact "bits" representation of a target into its
// full 256-bit value.
func ExpandTarget(bits uint32) *big.Int {
	return blockchain.CompactToBig(bits)
}

// MeetsProofOfWork returns true iff the hash, interpreted as an unsigned
// big-endian integer, is strictly below the target encoded by bits. A zero or
// negative target can never be met.
func MeetsProofOfWork(hash chainhash.Hash, bits uint32) bool {
	target := ExpandTarget(bits)
	if target.Sign() <= 0 {
		return false
	}

	return blockchain.HashToBig(&hash).Cmp(target) < 0
}

// CalcWork returns the expected number of hashes needed to find a header
// meeting the target encoded by bits.
func CalcWork(bits uint32) *big.Int {
	return blockchain.CalcWork(bits)
}

// NormalizedDifficulty returns the exact ratio of the reference maximum target
// (encoded by maxBits) to the target encoded by bits. The result is exactly
// one at the reference target and grows as the target gets harder. A non
// positive target yields zero, since no difficulty can be expressed for it.
func NormalizedDifficulty(bits, maxBits uint32) *big.Rat {
	target := ExpandTarget(bits)
	if target.Sign() <= 0 {
		return new(big.Rat)
	}

	return new(big.Rat).SetFrac(ExpandTarget(maxBits), target)
}

// Difficulty returns the normalized difficulty of bits relative to the easiest
// target allowed by the given chain parameters.
func Difficulty(bits uint32, params *chaincfg.Params) *big.Rat {
	return NormalizedDifficulty(bits, params.PowLimitBits)
}

// DifficultyFloat is the lossy floating point form of Difficulty, meant for
// logs and metrics only.
func DifficultyFloat(bits uint32, params *chaincfg.Params) float64 {
	diff, _ := Difficulty(bits, params).Float64()

	return diff
}

// SynthesizeHeader builds a header that extends prev and satisfies the target
// encoded by bits. Without a previous header the result has a zero previous
// hash and is stamped with the current time. The nonce search starts at one
// and walks upwards, so the result is deterministic for a given prev.
//
// This is a fixture and simulation tool: the search is only practical for
// trivially easy targets such as the regression network's.
func SynthesizeHeader(prev *wire.BlockHeader, bits uint32,
	clk clock.Clock) (*wire.BlockHeader, error) {

	header := &wire.BlockHeader{
		Version: SynthesizedVersion,
		Bits:    bits,
	}

	if prev != nil {
		header.PrevBlock = prev.BlockHash()
		header.Timestamp = prev.Timestamp.Add(time.Second)
	} else {
		header.Timestamp = time.Unix(clk.Now().Unix(), 0)
	}

	for nonce := uint64(1); nonce <= math.MaxUint32; nonce++ {
		header.Nonce = uint32(nonce)
		if MeetsProofOfWork(header.BlockHash(), bits) {
			return header, nil
		}
	}

	return nil, ErrNonceSpaceExhausted
}
