// Package merkleproof verifies transaction inclusion proofs against block
// headers. Proofs are partial merkle trees as carried by merkleblock
// messages.
package merkleproof

import (
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxTransactions bounds the transaction count a merkle block may claim: the
// maximum block weight divided by the weight of the smallest transaction.
const maxTransactions = blockchain.MaxBlockWeight / (4 * 60)

var (
	// ErrNoTransactions is returned for a merkle block claiming an empty
	// block.
	ErrNoTransactions = errors.New("merkle block has no transactions")

	// ErrTooManyTransactions is returned for a merkle block claiming more
	// transactions than a block can hold.
	ErrTooManyTransactions = errors.New("merkle block claims too many " +
		"transactions")

	// ErrMalformedTree is returned when the flags and hashes of a merkle
	// block do not describe a partial merkle tree.
	ErrMalformedTree = errors.New("malformed partial merkle tree")

	// ErrDuplicateBranch is returned when two sibling hashes are equal,
	// which allows forging a tree with a different transaction count
	// (CVE-2012-2459).
	ErrDuplicateBranch = errors.New("identical sibling hashes in merkle " +
		"tree")
)

// MakeMerkleParent returns the parent of two merkle tree nodes. A nil right
// node is treated as a copy of the left one.
func MakeMerkleParent(left, right *chainhash.Hash) chainhash.Hash {
	if right == nil {
		right = left
	}

	return blockchain.HashMerkleBranches(left, right)
}

// CalcMerkleRoot returns the merkle root of the given leaves, duplicating the
// last node of every odd level. The root of no leaves is the zero hash.
func CalcMerkleRoot(leaves []chainhash.Hash) chainhash.Hash {
	if len(leaves) == 0 {
		return chainhash.Hash{}
	}

	level := slices.Clone(leaves)
	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			var right *chainhash.Hash
			if i+1 < len(level) {
				right = &level[i+1]
			}
			next = append(next, MakeMerkleParent(&level[i], right))
		}
		level = next
	}

	return level[0]
}

// partialTree walks the depth first encoding of a partial merkle tree. One
// flag bit is consumed per visited node: set if the node is an ancestor of a
// matched transaction (or is a matched transaction). Hashes are consumed for
// the nodes whose subtree is not descended into.
type partialTree struct {
	numTx  uint32
	bits   []bool
	hashes []chainhash.Hash

	bitsUsed   int
	hashesUsed int
}

// treeWidth returns the number of nodes at the given height, counting the
// leaves as height zero.
func (p *partialTree) treeWidth(height uint32) uint32 {
	return (p.numTx + (1 << height) - 1) >> height
}

// treeHeight returns the height of the root.
func (p *partialTree) treeHeight() uint32 {
	var height uint32
	for p.treeWidth(height) > 1 {
		height++
	}

	return height
}

// extract computes the hash of the node at the given position and appends the
// matched transactions below it.
func (p *partialTree) extract(height, pos uint32,
	matches *[]chainhash.Hash) (chainhash.Hash, error) {

	if p.bitsUsed >= len(p.bits) {
		return chainhash.Hash{}, fmt.Errorf("%w: ran out of flag bits",
			ErrMalformedTree)
	}
	parentOfMatch := p.bits[p.bitsUsed]
	p.bitsUsed++

	if height == 0 || !parentOfMatch {
		if p.hashesUsed >= len(p.hashes) {
			return chainhash.Hash{}, fmt.Errorf("%w: ran out of "+
				"hashes", ErrMalformedTree)
		}
		hash := p.hashes[p.hashesUsed]
		p.hashesUsed++

		if height == 0 && parentOfMatch {
			*matches = append(*matches, hash)
		}

		return hash, nil
	}

	left, err := p.extract(height-1, pos*2, matches)
	if err != nil {
		return chainhash.Hash{}, err
	}

	if pos*2+1 >= p.treeWidth(height-1) {
		return MakeMerkleParent(&left, nil), nil
	}

	right, err := p.extract(height-1, pos*2+1, matches)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if right == left {
		return chainhash.Hash{}, ErrDuplicateBranch
	}

	return MakeMerkleParent(&left, &right), nil
}

// ExtractMatches checks the partial merkle tree of the merkle block for
// consistency and returns the merkle root it commits to together with the
// matched transaction hashes, in block order. The root is not compared to the
// header.
func ExtractMatches(mb *wire.MsgMerkleBlock) (chainhash.Hash,
	[]chainhash.Hash, error) {

	switch {
	case mb.Transactions == 0:
		return chainhash.Hash{}, nil, ErrNoTransactions

	case mb.Transactions > maxTransactions:
		return chainhash.Hash{}, nil, ErrTooManyTransactions

	case uint32(len(mb.Hashes)) > mb.Transactions:
		return chainhash.Hash{}, nil, fmt.Errorf("%w: %d hashes for "+
			"%d transactions", ErrMalformedTree, len(mb.Hashes),
			mb.Transactions)

	case len(mb.Flags)*8 < len(mb.Hashes):
		return chainhash.Hash{}, nil, fmt.Errorf("%w: fewer flag bits "+
			"than hashes", ErrMalformedTree)
	}

	tree := &partialTree{
		numTx:  mb.Transactions,
		bits:   unpackBits(mb.Flags),
		hashes: make([]chainhash.Hash, 0, len(mb.Hashes)),
	}
	for _, hash := range mb.Hashes {
		if hash == nil {
			return chainhash.Hash{}, nil, fmt.Errorf("%w: nil hash",
				ErrMalformedTree)
		}
		tree.hashes = append(tree.hashes, *hash)
	}

	var matches []chainhash.Hash
	root, err := tree.extract(tree.treeHeight(), 0, &matches)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}

	// Every hash must be used and only the padding of the last flag byte
	// may be left over.
	if (tree.bitsUsed+7)/8 != len(mb.Flags) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: unused flag "+
			"bytes", ErrMalformedTree)
	}
	if tree.hashesUsed != len(tree.hashes) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: unused hashes",
			ErrMalformedTree)
	}

	return root, matches, nil
}

// unpackBits expands the flag bytes into bits, least significant bit first.
func unpackBits(flags []byte) []bool {
	bits := make([]bool, 0, len(flags)*8)
	for _, b := range flags {
		for i := 0; i < 8; i++ {
			bits = append(bits, b&(1<<i) != 0)
		}
	}

	return bits
}
