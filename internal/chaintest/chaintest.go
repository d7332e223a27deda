// Package chaintest fabricates regression network header chains for tests.
package chaintest

import (
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/pow"
	"github.com/stretchr/testify/require"
)

// T is the subset of testing.TB the helpers need. Both *testing.T and
// *rapid.T satisfy it.
type T interface {
	require.TestingT
	Helper()
}

// RegTestBits is the compact proof of work limit of the regression network.
var RegTestBits = chaincfg.RegressionNetParams.PowLimitBits

// Genesis returns the regression network genesis header as a record.
func Genesis() *headers.Record {
	return headers.NewRecord(
		&chaincfg.RegressionNetParams.GenesisBlock.Header,
	)
}

// Extend synthesizes n headers on top of prev, each one the parent of the
// next, using the parent's bits.
func Extend(t T, prev *headers.Record, n int) []*headers.Record {
	t.Helper()

	chain := make([]*headers.Record, 0, n)
	for i := 0; i < n; i++ {
		prevHeader := prev.BlockHeader()
		header, err := pow.SynthesizeHeader(
			&prevHeader, prevHeader.Bits, clock.NewDefaultClock(),
		)
		require.NoError(t, err)

		prev = headers.NewRecord(header)
		chain = append(chain, prev)
	}

	return chain
}

// Mine builds a single child of prev with the given bits. The salt is mixed
// into the merkle root, so distinct salts yield distinct siblings.
func Mine(t T, prev *headers.Record, bits uint32,
	salt byte) *headers.Record {

	t.Helper()

	header := &wire.BlockHeader{
		Version:   pow.SynthesizedVersion,
		PrevBlock: prev.Hash(),
		Timestamp: prev.Timestamp().Add(time.Second),
		Bits:      bits,
	}
	header.MerkleRoot[0] = salt

	return Solve(t, header)
}

// Solve grinds the nonce of the header until it meets its own target.
func Solve(t T, header *wire.BlockHeader) *headers.Record {
	t.Helper()

	for nonce := uint64(0); nonce <= math.MaxUint32; nonce++ {
		header.Nonce = uint32(nonce)
		if pow.MeetsProofOfWork(header.BlockHash(), header.Bits) {
			return headers.NewRecord(header)
		}
	}

	require.FailNow(t, "nonce space exhausted")

	return nil
}

// Unsolve returns a copy of the record with a nonce that fails its target.
func Unsolve(t T, record *headers.Record) *headers.Record {
	t.Helper()

	header := record.BlockHeader()
	for i := 0; i < math.MaxUint16; i++ {
		header.Nonce++
		if !pow.MeetsProofOfWork(header.BlockHash(), header.Bits) {
			return headers.NewRecord(&header)
		}
	}

	require.FailNow(t, "unable to find a failing nonce")

	return nil
}
