package merkleproof

import (
	"slices"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// naiveMerkleRoot computes the root by building every level of the tree.
func naiveMerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	level := slices.Clone(leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		var next []chainhash.Hash
		for i := 0; i < len(level); i += 2 {
			var buf [chainhash.HashSize * 2]byte
			copy(buf[:chainhash.HashSize], level[i][:])
			copy(buf[chainhash.HashSize:], level[i+1][:])
			next = append(next, chainhash.DoubleHashH(buf[:]))
		}
		level = next
	}

	return level[0]
}

// txidGen draws a block's worth of distinct transaction ids.
func txidGen() *rapid.Generator[[]chainhash.Hash] {
	return rapid.Custom(func(t *rapid.T) []chainhash.Hash {
		n := rapid.IntRange(1, 70).Draw(t, "numTx")
		txids := make([]chainhash.Hash, n)
		for i := range txids {
			txids[i][0] = byte(i)
			txids[i][1] = byte(i >> 8)
			txids[i][31] = rapid.Byte().Draw(t, "salt")
		}

		return txids
	})
}

// TestGenesisMerkleRoot checks the root of a single transaction block.
func TestGenesisMerkleRoot(t *testing.T) {
	t.Parallel()

	genesis := chaincfg.MainNetParams.GenesisBlock
	coinbase := genesis.Transactions[0].TxHash()

	root := CalcMerkleRoot([]chainhash.Hash{coinbase})
	require.Equal(t, genesis.Header.MerkleRoot, root)
	require.True(t, VerifyListRoot(genesis.Header.MerkleRoot,
		[]chainhash.Hash{coinbase}))
	require.False(t, VerifyListRoot(genesis.Header.MerkleRoot, nil))

	// The proof for the only transaction is the transaction itself.
	require.True(t, VerifyCoinbaseInclusion(
		&genesis.Header, []byte{0x01}, []*chainhash.Hash{&coinbase}, 1,
		coinbase,
	))
	require.False(t, VerifyCoinbaseInclusion(
		&genesis.Header, []byte{0x01}, []*chainhash.Hash{&coinbase}, 1,
		chainhash.Hash{1},
	))
}

// TestPartialMerkleTreeProperty builds partial merkle trees for random blocks
// and matches and checks they verify and extract exactly the matches.
func TestPartialMerkleTreeProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		txids := txidGen().Draw(t, "txids")
		matched := make(map[chainhash.Hash]bool)
		var want []chainhash.Hash
		for _, txid := range txids {
			if rapid.Bool().Draw(t, "match") {
				matched[txid] = true
				want = append(want, txid)
			}
		}

		root := CalcMerkleRoot(txids)
		require.Equal(t, naiveMerkleRoot(txids), root)
		require.True(t, VerifyListRoot(root, txids))

		header := &wire.BlockHeader{MerkleRoot: root}
		mb := BuildMerkleBlock(header, txids, func(h chainhash.Hash) bool {
			return matched[h]
		})

		gotRoot, matches, err := ExtractMatches(mb)
		require.NoError(t, err)
		require.Equal(t, root, gotRoot)
		require.Equal(t, want, matches)
		require.True(t, VerifyInclusion(mb, want))

		// A transaction that was not matched cannot be proven.
		for _, txid := range txids {
			if !matched[txid] {
				require.False(t, VerifyInclusion(
					mb, []chainhash.Hash{txid},
				))
				break
			}
		}

		// Nor can anything be proven against another header.
		other := *mb
		other.Header.MerkleRoot = chainhash.Hash{0xff}
		require.False(t, VerifyInclusion(&other, nil))
	})
}

// TestExtractMatchesMalformed feeds broken merkle blocks to the parser.
func TestExtractMatchesMalformed(t *testing.T) {
	t.Parallel()

	txids := make([]chainhash.Hash, 5)
	for i := range txids {
		txids[i][0] = byte(i + 1)
	}
	header := &wire.BlockHeader{MerkleRoot: CalcMerkleRoot(txids)}
	valid := func() *wire.MsgMerkleBlock {
		return BuildMerkleBlock(header, txids, func(h chainhash.Hash) bool {
			return h == txids[3]
		})
	}

	testCases := []struct {
		name   string
		modify func(mb *wire.MsgMerkleBlock)
		err    error
	}{{
		name: "no transactions",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Transactions = 0
		},
		err: ErrNoTransactions,
	}, {
		name: "too many transactions",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Transactions = maxTransactions + 1
		},
		err: ErrTooManyTransactions,
	}, {
		name: "more hashes than transactions",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Transactions = uint32(len(mb.Hashes) - 1)
		},
		err: ErrMalformedTree,
	}, {
		name: "missing hash",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Hashes = mb.Hashes[:len(mb.Hashes)-1]
		},
		err: ErrMalformedTree,
	}, {
		name: "extra hash",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Hashes = append(mb.Hashes, &chainhash.Hash{})
		},
		err: ErrMalformedTree,
	}, {
		name: "extra flag byte",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Flags = append(mb.Flags, 0x00)
		},
		err: ErrMalformedTree,
	}, {
		name: "no flags",
		modify: func(mb *wire.MsgMerkleBlock) {
			mb.Flags = nil
		},
		err: ErrMalformedTree,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mb := valid()
			tc.modify(mb)

			_, _, err := ExtractMatches(mb)
			require.ErrorIs(t, err, tc.err)
			require.False(t, VerifyInclusion(mb, nil))
		})
	}
}

// TestDuplicateBranch asserts that a tree with identical siblings, the shape
// of the CVE-2012-2459 forgery, is refused.
func TestDuplicateBranch(t *testing.T) {
	t.Parallel()

	txid := chainhash.Hash{0x42}
	txids := []chainhash.Hash{txid, txid}
	header := &wire.BlockHeader{MerkleRoot: CalcMerkleRoot(txids)}

	mb := BuildMerkleBlock(header, txids, func(chainhash.Hash) bool {
		return true
	})

	_, _, err := ExtractMatches(mb)
	require.ErrorIs(t, err, ErrDuplicateBranch)
	require.False(t, VerifyInclusion(mb, []chainhash.Hash{txid}))
}
