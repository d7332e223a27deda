package headerchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/lnutils"
	"github.com/lightningnetwork/spvchain/pow"
)

// node is a header attached to the tree. Nodes reference each other by hash
// through the chain's arena, never by pointer.
type node struct {
	record *headers.Record

	// parent is the hash of the parent node. It is meaningless for the
	// root.
	parent chainhash.Hash

	// children holds the hashes of the child nodes in attachment order.
	children []chainhash.Hash

	// work is the total work of the headers from the original root of the
	// tree up to and including this one. Pruning does not rebase it, the
	// values of all live nodes share the same offset.
	work *big.Int
}

// Entry is the result of a header lookup.
type Entry struct {
	// Header is the header that was found.
	Header *headers.Record

	// Finalized is true if the header was served by the finalized store.
	Finalized bool

	// Children holds the hashes of the header's children when it is
	// still attached to the tree. Finalized headers carry no linkage.
	Children []chainhash.Hash
}

// Stats is a snapshot of the chain's size and activity counters.
type Stats struct {
	// Nodes is the number of headers attached to the tree.
	Nodes int

	// Branches is the number of root to leaf paths.
	Branches int

	// Orphans is the number of headers waiting for their parent.
	Orphans int

	// BestLength is the length of the best branch.
	BestLength int

	// TipDifficulty is the difficulty of the best tip relative to the
	// network's proof of work limit.
	TipDifficulty float64

	// Finalized counts the headers moved to the finalized store.
	Finalized uint64

	// Rejected counts headers refused by the consensus gate.
	Rejected uint64

	// Duplicates counts headers that were already known.
	Duplicates uint64

	// OrphansEvicted counts orphans dropped because the pool was full or
	// they expired. Expired orphans are swept when the next header is
	// accepted.
	OrphansEvicted uint64
}

// Chain is a tree of block headers rooted at a genesis or start header. It
// tracks competing branches, selects the best one, keeps headers with an
// unknown parent in an orphan pool, and finalizes the root of the best branch
// once that branch grows beyond the confirmation depth.
//
// All methods are safe for concurrent use. Mutations are serialized and
// readers observe the state between two mutations.
type Chain struct {
	cfg Config

	mu sync.RWMutex

	// nodes is the arena of attached headers keyed by hash.
	nodes map[chainhash.Hash]*node

	// root is the hash of the current root node.
	root chainhash.Hash

	// branches caches every root to leaf path, best is the index of the
	// best one. Both are recomputed after each structural change.
	branches []*leafPath
	best     int

	orphans   map[chainhash.Hash]*orphan
	orphanSeq uint64

	finalized      uint64
	rejected       uint64
	duplicates     uint64
	orphansEvicted uint64
}

// New creates a header chain rooted at the configured start header, or at the
// network's genesis header when none is given.
func New(cfg *Config) (*Chain, error) {
	c := cfg.withDefaults()

	genesis := fn.MapOption(func(h wire.BlockHeader) *headers.Record {
		return headers.NewRecord(&h)
	})(c.Network.GenesisHeader())

	root, err := c.StartHeader.Alt(genesis).UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrMissingStartHeader, c.Network),
	)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: nil start header",
			ErrMissingStartHeader)
	}

	chain := &Chain{
		cfg:     c,
		nodes:   make(map[chainhash.Hash]*node),
		root:    root.Hash(),
		orphans: make(map[chainhash.Hash]*orphan),
	}
	chain.nodes[chain.root] = &node{
		record: root,
		work:   root.Work(),
	}
	chain.recomputeBranches()

	log.Infof("Header chain for %v rooted at %v, confirmation depth %d",
		c.Network, root, c.ConfirmationDepth)

	return chain, nil
}

// AddHeader normalizes the raw header and adds it to the tree, or to the
// orphan pool if its parent is unknown. It returns false with a nil error if
// the header is a duplicate or was refused by the consensus gate, in which
// case nothing changed. Headers already in the finalized store count as
// duplicates. A malformed header returns false and the format error.
//
// Accepting a header may finalize the root of the best branch. If the
// finalized store fails, the header is still accepted and true is returned
// together with the store error. The tree is left as it was before the
// finalization attempt and it is retried on the next accepted header or call
// to Prune.
func (c *Chain) AddHeader(ctx context.Context, raw any) (bool, error) {
	record, err := headers.Normalize(raw)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	accepted, _, err := c.addRecord(ctx, record)

	return accepted, err
}

// AddHeaders adds every element of the batch in order with the semantics of
// AddHeader. The batch is not atomic: accepted elements stay in the tree even
// when others fail. Elements that are malformed, duplicates or refused by the
// consensus gate are reported together in a *BatchError once the whole batch
// was attempted. A finalized store failure aborts the batch right away and is
// returned as is.
func (c *Chain) AddHeaders(ctx context.Context, raws []any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var failures []HeaderFailure
	for i, raw := range raws {
		record, err := headers.Normalize(raw)
		if err != nil {
			failures = append(failures, HeaderFailure{
				Index: i,
				Hash:  fn.None[chainhash.Hash](),
				Err:   err,
			})

			continue
		}

		accepted, reason, err := c.addRecord(ctx, record)
		if err != nil {
			return fmt.Errorf("batch aborted at header %d: %w", i,
				err)
		}
		if !accepted {
			failures = append(failures, HeaderFailure{
				Index: i,
				Hash:  fn.Some(record.Hash()),
				Err:   reason,
			})
		}
	}

	if len(failures) > 0 {
		return &BatchError{Failures: failures}
	}

	return nil
}

// addRecord runs a normalized header through the duplicate check and the
// consensus gate, attaches or orphans it, and finalizes as needed. If the
// header is not accepted, the reason is returned as the second value and the
// chain is left untouched apart from its counters. The error is reserved for
// finalized store failures.
//
// NOTE: The caller must hold the write lock.
func (c *Chain) addRecord(ctx context.Context,
	record *headers.Record) (bool, error, error) {

	hash := record.Hash()
	if c.isKnown(hash) {
		log.Debugf("Ignoring duplicate header %v", hash)
		c.duplicates++

		return false, ErrDuplicateHeader, nil
	}

	// A header extending an attached node is judged in the context of
	// the path leading to its parent. Everything else is judged against
	// the best branch.
	prevHash := record.PrevHash()
	parent, attached := c.nodes[prevHash]
	branch := c.bestBranch()
	if attached {
		branch = c.pathTo(prevHash)
	}

	// A header that does not extend the tree may already have been moved
	// to the finalized store, in which case it must not be orphaned.
	if !attached {
		finalized, err := c.isFinalized(ctx, hash)
		if err != nil {
			return false, nil, err
		}
		if finalized {
			log.Debugf("Ignoring finalized header %v", hash)
			c.duplicates++

			return false, ErrDuplicateHeader, nil
		}
	}

	err := c.cfg.Gate.CheckHeader(branch, record, c.cfg.Network)
	if err != nil {
		log.Debugf("Rejecting header %v: %v", hash, err)
		c.rejected++

		return false, fmt.Errorf("%w: %w", ErrHeaderRejected, err), nil
	}

	c.expireOrphans()

	if !attached {
		c.addOrphan(record)

		return true, nil, nil
	}

	c.attach(record, parent)
	c.connectOrphans()
	c.recomputeBranches()

	log.Tracef("Attached header %v, best branch length %d, %d branches",
		hash, len(c.bestBranch()), len(c.branches))
	c.logBranches()

	if err := c.prune(ctx); err != nil {
		return true, nil, err
	}

	return true, nil, nil
}

// isKnown reports whether the hash is attached to the tree or waiting in the
// orphan pool. An orphan past its expiration is no longer known, so it can be
// added again.
func (c *Chain) isKnown(hash chainhash.Hash) bool {
	if _, ok := c.nodes[hash]; ok {
		return true
	}
	o, ok := c.orphans[hash]
	if !ok {
		return false
	}

	return !c.orphanExpired(o, c.cfg.Clock.Now())
}

// isFinalized reports whether the hash was moved to the finalized store.
func (c *Chain) isFinalized(ctx context.Context,
	hash chainhash.Hash) (bool, error) {

	_, err := c.cfg.Store.FetchHeader(ctx, hash)
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, headerstore.ErrHeaderNotFound):
		return false, nil

	default:
		return false, fmt.Errorf("unable to fetch header %v: %w", hash,
			err)
	}
}

// attach adds the record to the tree as the last child of parent.
func (c *Chain) attach(record *headers.Record, parent *node) {
	hash := record.Hash()
	parent.children = append(parent.children, hash)
	c.nodes[hash] = &node{
		record: record,
		parent: parent.record.Hash(),
		work:   new(big.Int).Add(parent.work, record.Work()),
	}
}

// pathTo returns the headers from the root to the attached header with the
// given hash.
func (c *Chain) pathTo(hash chainhash.Hash) Branch {
	var path Branch
	for {
		n := c.nodes[hash]
		path = append(path, n.record)
		if hash == c.root {
			break
		}
		hash = n.parent
	}
	slices.Reverse(path)

	return path
}

// recomputeBranches rebuilds the set of root to leaf paths with an iterative
// depth first walk, visiting children in attachment order, and selects the
// best one.
func (c *Chain) recomputeBranches() {
	type frame struct {
		hash  chainhash.Hash
		depth int
	}

	c.branches = c.branches[:0]
	c.best = 0

	var path Branch
	stack := []frame{{hash: c.root}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := c.nodes[top.hash]
		path = append(path[:top.depth], n.record)

		if len(n.children) == 0 {
			leaf := &leafPath{
				branch: slices.Clone(path),
				work:   n.work,
			}
			if len(c.branches) > 0 &&
				leaf.betterThan(c.branches[c.best]) {

				c.best = len(c.branches)
			}
			c.branches = append(c.branches, leaf)

			continue
		}

		// Push in reverse so the first child is visited first.
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{
				hash:  n.children[i],
				depth: top.depth + 1,
			})
		}
	}
}

// bestBranch returns the currently selected best branch.
func (c *Chain) bestBranch() Branch {
	return c.branches[c.best].branch
}

// Prune finalizes the root of the best branch while the branch is longer
// than the confirmation depth. It only has work to do after an earlier
// finalized store failure.
func (c *Chain) Prune(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.prune(ctx)
}

// prune moves the root to the finalized store while the best branch exceeds
// the confirmation depth. The second header of the best branch becomes the
// new root and every other subtree of the old root is discarded. The root is
// only detached once the store accepted it.
//
// NOTE: The caller must hold the write lock.
func (c *Chain) prune(ctx context.Context) error {
	for len(c.bestBranch()) > c.cfg.ConfirmationDepth {
		best := c.bestBranch()
		oldRoot := c.nodes[c.root]

		err := c.cfg.Store.PutHeader(ctx, oldRoot.record)
		if err != nil {
			log.Errorf("Unable to finalize header %v: %v",
				oldRoot.record, err)

			return fmt.Errorf("unable to finalize header %v: %w",
				oldRoot.record, err)
		}

		newRoot := best[1].Hash()
		for _, child := range oldRoot.children {
			if child != newRoot {
				c.sweep(child)
			}
		}
		delete(c.nodes, c.root)

		c.root = newRoot
		c.finalized++
		c.recomputeBranches()

		finalizedHash := oldRoot.record.Hash()
		log.DebugS(ctx, "Finalized header",
			lnutils.LogHash("hash", &finalizedHash),
			lnutils.LogHash("new_root", &newRoot))
	}

	return nil
}

// sweep removes the subtree rooted at hash from the arena.
func (c *Chain) sweep(hash chainhash.Hash) {
	stack := []chainhash.Hash{hash}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n := c.nodes[next]
		stack = append(stack, n.children...)
		delete(c.nodes, next)

		log.Tracef("Discarded stale header %v", next)
	}
}

// LongestChain returns the best branch: the longest one, with ties broken by
// total work and then by the numerically smallest tip hash.
func (c *Chain) LongestChain() Branch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return slices.Clone(c.bestBranch())
}

// AllBranches returns every path from the root to a leaf of the tree.
func (c *Chain) AllBranches() []Branch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return fn.Map(c.branches, func(p *leafPath) Branch {
		return slices.Clone(p.branch)
	})
}

// TipHash returns the hash of the tip of the best branch.
func (c *Chain) TipHash() chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.bestBranch().Tip().Hash()
}

// Root returns the current root of the tree.
func (c *Chain) Root() *headers.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.nodes[c.root].record
}

// GetHeader looks the hash up in the finalized store and then on the best
// branch. Headers on other branches or in the orphan pool are not found.
func (c *Chain) GetHeader(ctx context.Context,
	hash chainhash.Hash) (*Entry, error) {

	record, err := c.cfg.Store.FetchHeader(ctx, hash)
	switch {
	case err == nil:
		return &Entry{Header: record, Finalized: true}, nil

	case !errors.Is(err, headerstore.ErrHeaderNotFound):
		return nil, fmt.Errorf("unable to fetch header %v: %w", hash,
			err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	found := fn.Find(c.bestBranch(), func(r *headers.Record) bool {
		return r.Hash() == hash
	})

	record, err = found.UnwrapOrErr(ErrHeaderNotFound)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, hash)
	}

	return &Entry{
		Header:   record,
		Children: slices.Clone(c.nodes[hash].children),
	}, nil
}

// Stats returns a snapshot of the chain's counters.
func (c *Chain) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	best := c.bestBranch()

	return Stats{
		Nodes:      len(c.nodes),
		Branches:   len(c.branches),
		Orphans:    len(c.orphans),
		BestLength: len(best),
		TipDifficulty: pow.DifficultyFloat(
			best.Tip().Bits(), c.cfg.Network.Params(),
		),
		Finalized:      c.finalized,
		Rejected:       c.rejected,
		Duplicates:     c.duplicates,
		OrphansEvicted: c.orphansEvicted,
	}
}

// String returns a short description of the chain for logging.
func (c *Chain) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return fmt.Sprintf("chain(%v, root=%v, tip=%v, branches=%d)",
		c.cfg.Network, c.root, c.bestBranch().Tip(), len(c.branches))
}

// logBranches dumps the branch set at trace level.
func (c *Chain) logBranches() {
	log.Tracef("Branches: %v", lnutils.NewLogClosure(func() string {
		var b strings.Builder
		for i, p := range c.branches {
			fmt.Fprintf(&b, "\n  %d: len=%d tip=%v", i,
				len(p.branch), p.branch.Tip())
		}

		return b.String()
	}))
}
