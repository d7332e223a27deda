package pow

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const (
	// referenceMaxBits is the easiest target of the original Dash style
	// test network, used as a difficulty reference point.
	referenceMaxBits = 0x1e0ffff0

	// regTestBits is the regression network's proof of work limit.
	regTestBits = 0x207fffff
)

// TestNormalizedDifficulty asserts that the difficulty is exactly one at the
// reference target and strictly greater for any harder target.
func TestNormalizedDifficulty(t *testing.T) {
	t.Parallel()

	one := big.NewRat(1, 1)

	diff := NormalizedDifficulty(referenceMaxBits, referenceMaxBits)
	require.Zero(t, diff.Cmp(one), "got %v", diff)

	diff = NormalizedDifficulty(0x1e0fffef, referenceMaxBits)
	require.Positive(t, diff.Cmp(one), "got %v", diff)

	// The network limit of every btcd network is its own reference.
	nets := []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
		&chaincfg.SimNetParams,
	}
	for _, params := range nets {
		diff := Difficulty(params.PowLimitBits, params)
		require.Zero(t, diff.Cmp(one), params.Name)
		require.InDelta(
			t, 1.0, DifficultyFloat(params.PowLimitBits, params),
			1e-12,
		)
	}

	// A zero target carries no meaningful difficulty.
	require.Zero(t, NormalizedDifficulty(0, referenceMaxBits).Sign())
}

// TestExpandTarget checks the compact decoding against the well known mainnet
// limit.
func TestExpandTarget(t *testing.T) {
	t.Parallel()

	want := new(big.Int).Lsh(big.NewInt(0xffff), 208)
	require.Zero(t, ExpandTarget(0x1d00ffff).Cmp(want))

	// Work grows as the target shrinks.
	require.Positive(t, CalcWork(0x1d00ffff).Cmp(CalcWork(regTestBits)))
}

// TestMeetsProofOfWork covers both sides of the target boundary, including the
// exact equality case which must be rejected.
func TestMeetsProofOfWork(t *testing.T) {
	t.Parallel()

	genesis := chaincfg.MainNetParams.GenesisBlock.Header
	require.True(t, MeetsProofOfWork(genesis.BlockHash(), genesis.Bits))
	require.False(t, MeetsProofOfWork(genesis.BlockHash(), 0x1a00ffff))

	// The regtest target is 0x7fffff shifted into the top three bytes. A
	// hash equal to it must fail while one just below must pass. Hashes
	// are little endian, so the most significant byte is the last one.
	var atTarget chainhash.Hash
	atTarget[31], atTarget[30], atTarget[29] = 0x7f, 0xff, 0xff
	require.False(t, MeetsProofOfWork(atTarget, regTestBits))

	belowTarget := atTarget
	belowTarget[29] = 0xfe
	require.True(t, MeetsProofOfWork(belowTarget, regTestBits))

	// Nothing meets a zero target.
	require.False(t, MeetsProofOfWork(chainhash.Hash{}, 0))
}

// TestSynthesizeHeader asserts that synthesized headers link to their parent,
// move time forward, satisfy the target and are deterministic.
func TestSynthesizeHeader(t *testing.T) {
	t.Parallel()

	testClock := clock.NewTestClock(time.Unix(1_700_000_000, 500))

	first, err := SynthesizeHeader(nil, regTestBits, testClock)
	require.NoError(t, err)
	require.Equal(t, chainhash.Hash{}, first.PrevBlock)
	require.Equal(t, time.Unix(1_700_000_000, 0), first.Timestamp)
	require.EqualValues(t, SynthesizedVersion, first.Version)
	require.GreaterOrEqual(t, first.Nonce, uint32(1))
	require.True(t, MeetsProofOfWork(first.BlockHash(), regTestBits))

	genesis := chaincfg.RegressionNetParams.GenesisBlock.Header
	child, err := SynthesizeHeader(&genesis, regTestBits, testClock)
	require.NoError(t, err)
	require.Equal(t, genesis.BlockHash(), child.PrevBlock)
	require.Equal(t, genesis.Timestamp.Add(time.Second), child.Timestamp)
	require.True(t, MeetsProofOfWork(child.BlockHash(), regTestBits))

	again, err := SynthesizeHeader(&genesis, regTestBits, testClock)
	require.NoError(t, err)
	require.Equal(t, child.BlockHash(), again.BlockHash())
}
