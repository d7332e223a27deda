package headerchain

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/headers"
)

// Branch is a path through the header tree from the root to one leaf.
type Branch []*headers.Record

// Tip returns the last header of the branch.
func (b Branch) Tip() *headers.Record {
	if len(b) == 0 {
		return nil
	}

	return b[len(b)-1]
}

// Work returns the total proof of work of the headers in the branch.
func (b Branch) Work() *big.Int {
	return fn.Foldl(new(big.Int), b,
		func(acc *big.Int, r *headers.Record) *big.Int {
			return acc.Add(acc, r.Work())
		},
	)
}

// Hashes returns the hashes of the branch's headers in order.
func (b Branch) Hashes() []chainhash.Hash {
	return fn.Map(b, func(r *headers.Record) chainhash.Hash {
		return r.Hash()
	})
}

// leafPath is a branch together with the chain work of its leaf, the
// selection key used to pick the best branch.
type leafPath struct {
	branch Branch
	work   *big.Int
}

// betterThan reports whether p should be preferred over other as the best
// chain. Longer branches win, then the ones with more work. Remaining ties go
// to the numerically smaller tip hash, so the result never depends on the
// order branches were discovered in.
func (p *leafPath) betterThan(other *leafPath) bool {
	if len(p.branch) != len(other.branch) {
		return len(p.branch) > len(other.branch)
	}

	if cmp := p.work.Cmp(other.work); cmp != 0 {
		return cmp > 0
	}

	tip, otherTip := p.branch.Tip().Hash(), other.branch.Tip().Hash()

	return blockchain.HashToBig(&tip).Cmp(
		blockchain.HashToBig(&otherTip),
	) < 0
}
