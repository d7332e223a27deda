package merkleproof

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// VerifyInclusion returns true if the merkle block is a well formed partial
// merkle tree committing to the merkle root of its header, and every one of
// the transaction ids is among its matches.
func VerifyInclusion(mb *wire.MsgMerkleBlock, txids []chainhash.Hash) bool {
	root, matches, err := ExtractMatches(mb)
	if err != nil {
		log.Debugf("Invalid merkle block for %v: %v",
			mb.Header.BlockHash(), err)

		return false
	}

	if root != mb.Header.MerkleRoot {
		log.Debugf("Merkle block for %v commits to root %v, header "+
			"has %v", mb.Header.BlockHash(), root,
			mb.Header.MerkleRoot)

		return false
	}

	return fn.All(txids, func(txid chainhash.Hash) bool {
		return fn.Elem(txid, matches)
	})
}

// VerifyCoinbaseInclusion returns true if the partial merkle tree given by
// flags and hashes proves that the coinbase transaction is part of the block
// with the given header.
func VerifyCoinbaseInclusion(header *wire.BlockHeader, flags []byte,
	hashes []*chainhash.Hash, numTx uint32, coinbase chainhash.Hash) bool {

	mb := &wire.MsgMerkleBlock{
		Header:       *header,
		Transactions: numTx,
		Hashes:       hashes,
		Flags:        flags,
	}

	return VerifyInclusion(mb, []chainhash.Hash{coinbase})
}

// VerifyListRoot returns true if the claimed root is the merkle root of the
// list of leaf hashes.
func VerifyListRoot(claimed chainhash.Hash, leaves []chainhash.Hash) bool {
	return CalcMerkleRoot(leaves) == claimed
}

// BuildMerkleBlock creates the merkle block proving the inclusion of the
// transactions selected by match, out of all the transaction ids of the block
// with the given header.
func BuildMerkleBlock(header *wire.BlockHeader, txids []chainhash.Hash,
	match func(chainhash.Hash) bool) *wire.MsgMerkleBlock {

	b := &treeBuilder{
		partialTree: partialTree{numTx: uint32(len(txids))},
		txids:       txids,
		matched:     fn.Map(txids, match),
	}
	if len(txids) > 0 {
		b.build(b.treeHeight(), 0)
	}

	mb := &wire.MsgMerkleBlock{
		Header:       *header,
		Transactions: b.numTx,
		Hashes:       make([]*chainhash.Hash, 0, len(b.hashes)),
		Flags:        packBits(b.bits),
	}
	for i := range b.hashes {
		mb.Hashes = append(mb.Hashes, &b.hashes[i])
	}

	return mb
}

// treeBuilder produces the depth first encoding walked by partialTree.
type treeBuilder struct {
	partialTree

	txids   []chainhash.Hash
	matched []bool
}

// calcHash returns the hash of the node at the given height and position.
func (b *treeBuilder) calcHash(height, pos uint32) chainhash.Hash {
	if height == 0 {
		return b.txids[pos]
	}

	left := b.calcHash(height-1, pos*2)
	if pos*2+1 >= b.treeWidth(height-1) {
		return MakeMerkleParent(&left, nil)
	}
	right := b.calcHash(height-1, pos*2+1)

	return MakeMerkleParent(&left, &right)
}

// build emits the flag bit of the node and either its hash or the encoding of
// both children.
func (b *treeBuilder) build(height, pos uint32) {
	var parentOfMatch bool
	end := min((pos+1)<<height, b.numTx)
	for p := pos << height; p < end; p++ {
		if b.matched[p] {
			parentOfMatch = true
			break
		}
	}
	b.bits = append(b.bits, parentOfMatch)

	if height == 0 || !parentOfMatch {
		b.hashes = append(b.hashes, b.calcHash(height, pos))
		return
	}

	b.build(height-1, pos*2)
	if pos*2+1 < b.treeWidth(height-1) {
		b.build(height-1, pos*2+1)
	}
}

// packBits packs bits into bytes, least significant bit first.
func packBits(bits []bool) []byte {
	flags := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		if bit {
			flags[i/8] |= 1 << (i % 8)
		}
	}

	return flags
}
