package headerchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/consensus"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/internal/chaintest"
	"github.com/lightningnetwork/spvchain/netparams"
	"github.com/stretchr/testify/require"
)

// acceptAllGate is a consensus gate that accepts every header.
type acceptAllGate struct{}

func (acceptAllGate) CheckHeader([]*headers.Record, *headers.Record,
	netparams.Network) error {

	return nil
}

// flakyStore is a finalized store whose writes fail while err is set.
type flakyStore struct {
	*headerstore.MemStore

	mu  sync.Mutex
	err error
}

func (f *flakyStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *flakyStore) PutHeader(ctx context.Context,
	header *headers.Record) error {

	f.mu.Lock()
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return err
	}

	return f.MemStore.PutHeader(ctx, header)
}

// testClock returns a clock set shortly after the regression network genesis.
func testClock() *clock.TestClock {
	genesis := chaincfg.RegressionNetParams.GenesisBlock.Header

	return clock.NewTestClock(genesis.Timestamp.Add(24 * time.Hour))
}

// newTestChain creates a regression network chain with the default validator
// and an in-memory store. The modifier may adjust the config before the chain
// is created.
func newTestChain(t *testing.T, modify ...func(*Config)) *Chain {
	t.Helper()

	cfg := &Config{
		Network: netparams.RegTest,
		Store:   headerstore.NewMemStore(),
		Clock:   testClock(),
	}
	for _, m := range modify {
		m(cfg)
	}

	chain, err := New(cfg)
	require.NoError(t, err)

	return chain
}

// addAll adds the records one by one and asserts each was accepted.
func addAll(t *testing.T, chain *Chain, records ...*headers.Record) {
	t.Helper()

	for _, record := range records {
		ok, err := chain.AddHeader(context.Background(), record)
		require.NoError(t, err)
		require.True(t, ok, "header %v not accepted", record)
	}
}

// TestSingleChain asserts that a single chain of valid headers is one branch
// growing by one per header, and that an invalid header changes nothing.
func TestSingleChain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newTestChain(t)
	genesis := chain.Root()
	require.Equal(
		t, chaincfg.RegressionNetParams.GenesisHash.String(),
		chain.TipHash().String(),
	)

	records := chaintest.Extend(t, genesis, 25)
	for i, record := range records {
		addAll(t, chain, record)

		require.Len(t, chain.AllBranches(), 1)
		require.Len(t, chain.LongestChain(), i+2)
		require.Equal(t, record.Hash(), chain.TipHash())
	}
	require.Len(t, chain.LongestChain(), 26)

	invalid := chaintest.Unsolve(t, chaintest.Extend(t, records[24], 1)[0])
	ok, err := chain.AddHeader(ctx, invalid)
	require.NoError(t, err)
	require.False(t, ok)
	require.Len(t, chain.LongestChain(), 26)
	require.Empty(t, chain.Orphans())
	require.EqualValues(t, 1, chain.Stats().Rejected)

	require.Equal(
		t, append([]chainhash.Hash{genesis.Hash()},
			Branch(records).Hashes()...),
		chain.LongestChain().Hashes(),
	)
}

// TestBranchWork checks the cumulative work and hashes of a branch.
func TestBranchWork(t *testing.T) {
	t.Parallel()

	chain := newTestChain(t)
	records := chaintest.Extend(t, chain.Root(), 3)
	addAll(t, chain, records...)

	best := chain.LongestChain()
	want := new(big.Int)
	for _, record := range best {
		want.Add(want, record.Work())
	}
	require.Zero(t, want.Cmp(best.Work()))
	require.Zero(t, new(big.Int).Mul(
		records[0].Work(), big.NewInt(4),
	).Cmp(best.Work()))
	require.Equal(t, records[2].Hash(), best.Hashes()[3])
	require.Zero(t, Branch(nil).Work().Sign())
	require.Empty(t, Branch(nil).Hashes())
}

// TestDuplicateHeader asserts that re-adding known headers is a no-op.
func TestDuplicateHeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newTestChain(t)
	records := chaintest.Extend(t, chain.Root(), 3)
	addAll(t, chain, records[0], records[2])

	before := chain.Stats()
	for _, raw := range []any{chain.Root(), records[0], records[2]} {
		ok, err := chain.AddHeader(ctx, raw)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// A duplicate in another shape is still a duplicate.
	raw, err := records[0].Serialize()
	require.NoError(t, err)
	ok, err := chain.AddHeader(ctx, raw)
	require.NoError(t, err)
	require.False(t, ok)

	after := chain.Stats()
	require.Equal(t, before.BestLength, after.BestLength)
	require.Equal(t, before.Orphans, after.Orphans)
	require.Equal(t, before.Nodes, after.Nodes)
	require.EqualValues(t, 4, after.Duplicates)
}

// TestMalformedHeader asserts that inputs the normalizer refuses surface the
// format error.
func TestMalformedHeader(t *testing.T) {
	t.Parallel()

	chain := newTestChain(t)
	ok, err := chain.AddHeader(context.Background(), "not a header")
	require.ErrorIs(t, err, headers.ErrMalformedHeader)
	require.False(t, ok)
	require.Len(t, chain.LongestChain(), 1)
}

// TestOrphanResolution adds a header before its parent and asserts it is
// connected once the parent arrives.
func TestOrphanResolution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newTestChain(t)
	records := chaintest.Extend(t, chain.Root(), 3)

	addAll(t, chain, records[0])
	require.Len(t, chain.LongestChain(), 2)

	// The grandchild has no parent in the tree yet.
	addAll(t, chain, records[2])
	require.Len(t, chain.LongestChain(), 2)
	require.Len(t, chain.AllBranches(), 1)
	require.Len(t, chain.Orphans(), 1)
	require.True(t, chain.IsOrphan(records[2].Hash()))

	// An orphan is not reachable through lookups.
	_, err := chain.GetHeader(ctx, records[2].Hash())
	require.ErrorIs(t, err, ErrHeaderNotFound)

	addAll(t, chain, records[1])
	require.Empty(t, chain.Orphans())
	require.False(t, chain.IsOrphan(records[2].Hash()))
	require.Len(t, chain.LongestChain(), 4)
	require.Len(t, chain.AllBranches(), 1)
	require.Equal(t, records[2].Hash(), chain.TipHash())
}

// TestOrphanRevalidation asserts that an orphan is judged again in its real
// context once its parent arrives, and dropped if it fails there.
func TestOrphanRevalidation(t *testing.T) {
	t.Parallel()

	chain := newTestChain(t)
	parent := chaintest.Extend(t, chain.Root(), 1)[0]

	// Changing the difficulty is not allowed on the regression network,
	// but that can only be seen once the parent is known.
	child := chaintest.Mine(t, parent, 0x2007ffff, 0)
	addAll(t, chain, child)
	require.Len(t, chain.Orphans(), 1)

	addAll(t, chain, parent)
	require.Empty(t, chain.Orphans())
	require.Len(t, chain.LongestChain(), 2)
	require.Equal(t, parent.Hash(), chain.TipHash())
	require.EqualValues(t, 1, chain.Stats().Rejected)
}

// TestPruning walks the chain past the confirmation depth and asserts the
// root moves to the finalized store without linkage.
func TestPruning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := headerstore.NewMemStore()
	chain := newTestChain(t, func(cfg *Config) {
		cfg.ConfirmationDepth = 10
		cfg.Store = store
	})
	genesis := chain.Root()
	records := chaintest.Extend(t, genesis, 10)

	addAll(t, chain, records[:9]...)
	require.Len(t, chain.LongestChain(), 10)

	entry, err := chain.GetHeader(ctx, genesis.Hash())
	require.NoError(t, err)
	require.False(t, entry.Finalized)
	require.Equal(t, []chainhash.Hash{records[0].Hash()}, entry.Children)
	require.Zero(t, store.Len())

	addAll(t, chain, records[9])
	require.Len(t, chain.LongestChain(), 10)
	require.Equal(t, records[0].Hash(), chain.Root().Hash())

	entry, err = chain.GetHeader(ctx, genesis.Hash())
	require.NoError(t, err)
	require.True(t, entry.Finalized)
	require.Nil(t, entry.Children)
	require.Equal(t, genesis.Hash(), entry.Header.Hash())
	require.Equal(t, 1, store.Len())

	stats := chain.Stats()
	require.EqualValues(t, 1, stats.Finalized)
	require.Equal(t, 10, stats.Nodes)

	// Headers stay at the confirmation depth from here on.
	more := chaintest.Extend(t, records[9], 5)
	addAll(t, chain, more...)
	require.Len(t, chain.LongestChain(), 10)
	require.Equal(t, 6, store.Len())
	require.Equal(t, records[5].Hash(), chain.Root().Hash())
}

// TestPruningDiscardsForks asserts that finalizing a root drops every
// competing subtree of that root.
func TestPruningDiscardsForks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := headerstore.NewMemStore()
	chain := newTestChain(t, func(cfg *Config) {
		cfg.ConfirmationDepth = 4
		cfg.Store = store
	})
	genesis := chain.Root()
	main := chaintest.Extend(t, genesis, 4)

	// A two header fork off the genesis header.
	forkRoot := chaintest.Mine(t, genesis, chaintest.RegTestBits, 1)
	fork := append(
		[]*headers.Record{forkRoot}, chaintest.Extend(t, forkRoot, 1)...,
	)

	addAll(t, chain, main[:3]...)
	addAll(t, chain, fork...)
	require.Len(t, chain.AllBranches(), 2)
	require.Equal(t, main[2].Hash(), chain.TipHash())

	addAll(t, chain, main[3])
	require.Len(t, chain.AllBranches(), 1)
	require.Equal(t, 4, chain.Stats().Nodes)
	require.Equal(t, main[0].Hash(), chain.Root().Hash())

	// The fork is gone for good, only the finalized root was archived.
	for _, record := range fork {
		_, err := chain.GetHeader(ctx, record.Hash())
		require.ErrorIs(t, err, ErrHeaderNotFound)
	}
	require.Equal(t, 1, store.Len())

	// A child of a discarded header can only be an orphan now.
	addAll(t, chain, chaintest.Extend(t, fork[1], 1)...)
	require.Len(t, chain.Orphans(), 1)
}

// TestForkSelection asserts the best branch is chosen by length, then by work
// and then by the smallest tip hash, whatever order the branches arrived in.
func TestForkSelection(t *testing.T) {
	t.Parallel()

	genesis := chaintest.Genesis()
	easy := chaintest.Mine(t, genesis, chaintest.RegTestBits, 1)
	hard := chaintest.Mine(t, genesis, 0x2007ffff, 2)
	easyTwin := chaintest.Mine(t, genesis, chaintest.RegTestBits, 3)
	long := chaintest.Extend(t, easy, 1)[0]

	smaller := easy
	easyHash, twinHash := easy.Hash(), easyTwin.Hash()
	if blockchain.HashToBig(&twinHash).Cmp(
		blockchain.HashToBig(&easyHash)) < 0 {

		smaller = easyTwin
	}

	testCases := []struct {
		name    string
		records []*headers.Record
		tip     *headers.Record
	}{{
		name:    "equal work smallest hash",
		records: []*headers.Record{easy, easyTwin},
		tip:     smaller,
	}, {
		name:    "equal work smallest hash reversed",
		records: []*headers.Record{easyTwin, easy},
		tip:     smaller,
	}, {
		name:    "more work",
		records: []*headers.Record{easy, hard, easyTwin},
		tip:     hard,
	}, {
		name:    "more work reversed",
		records: []*headers.Record{easyTwin, hard, easy},
		tip:     hard,
	}, {
		name:    "longer beats more work",
		records: []*headers.Record{hard, easy, long},
		tip:     long,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			chain := newTestChain(t, func(cfg *Config) {
				cfg.Gate = acceptAllGate{}
			})
			addAll(t, chain, tc.records...)

			require.Equal(t, tc.tip.Hash(), chain.TipHash())
			require.Equal(t, tc.tip, chain.LongestChain().Tip())
		})
	}
}

// TestGetHeaderScope asserts that lookups only see the finalized store and
// the best branch.
func TestGetHeaderScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newTestChain(t)
	genesis := chain.Root()
	main := chaintest.Extend(t, genesis, 2)
	side := chaintest.Mine(t, genesis, chaintest.RegTestBits, 7)
	addAll(t, chain, main[0], side, main[1])

	require.Len(t, chain.AllBranches(), 2)

	entry, err := chain.GetHeader(ctx, main[1].Hash())
	require.NoError(t, err)
	require.Empty(t, entry.Children)

	entry, err = chain.GetHeader(ctx, genesis.Hash())
	require.NoError(t, err)
	require.Equal(
		t, []chainhash.Hash{main[0].Hash(), side.Hash()},
		entry.Children,
	)

	_, err = chain.GetHeader(ctx, side.Hash())
	require.ErrorIs(t, err, ErrHeaderNotFound)
}

// TestStoreFailure asserts that a failing finalized store leaves the tree
// intact and that finalization is retried later.
func TestStoreFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	errDisk := errors.New("disk unavailable")
	store := &flakyStore{MemStore: headerstore.NewMemStore()}
	store.setErr(errDisk)

	chain := newTestChain(t, func(cfg *Config) {
		cfg.ConfirmationDepth = 3
		cfg.Store = store
	})
	genesis := chain.Root()
	records := chaintest.Extend(t, genesis, 4)

	addAll(t, chain, records[:2]...)
	ok, err := chain.AddHeader(ctx, records[2])
	require.ErrorIs(t, err, errDisk)
	require.True(t, ok)

	// Nothing was detached.
	require.Equal(t, genesis.Hash(), chain.Root().Hash())
	require.Len(t, chain.LongestChain(), 4)
	entry, err := chain.GetHeader(ctx, genesis.Hash())
	require.NoError(t, err)
	require.False(t, entry.Finalized)
	require.Zero(t, store.Len())

	require.ErrorIs(t, chain.Prune(ctx), errDisk)

	// Once the store recovers the pending finalization goes through.
	store.setErr(nil)
	require.NoError(t, chain.Prune(ctx))
	require.Equal(t, records[0].Hash(), chain.Root().Hash())
	require.Len(t, chain.LongestChain(), 3)
	require.Equal(t, 1, store.Len())

	// A failure in the middle of a batch aborts it.
	store.setErr(errDisk)
	err = chain.AddHeaders(ctx, []any{records[3]})
	require.ErrorIs(t, err, errDisk)

	var batchErr *BatchError
	require.False(t, errors.As(err, &batchErr))
}

// TestAddHeaders asserts that a batch is applied best effort and that exactly
// the refused elements are reported.
func TestAddHeaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	chain := newTestChain(t)
	records := chaintest.Extend(t, chain.Root(), 4)
	invalid := chaintest.Unsolve(t, chaintest.Extend(t, records[3], 1)[0])

	raw, err := records[1].Serialize()
	require.NoError(t, err)

	err = chain.AddHeaders(ctx, []any{
		// The orphan is connected by a later element of the batch.
		records[2],
		records[0],
		"garbage",
		raw,
		records[0],
		invalid,
		records[3],
	})

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, []int{2, 4, 5}, batchErr.Indices())
	require.ErrorIs(t, err, headers.ErrMalformedHeader)
	require.ErrorIs(t, err, ErrDuplicateHeader)
	require.ErrorIs(t, err, ErrHeaderRejected)

	var ruleErr consensus.RuleError
	require.ErrorAs(t, err, &ruleErr)
	require.Equal(t, consensus.ErrHighHash, ruleErr.ErrorCode)

	require.True(t, batchErr.Failures[0].Hash.IsNone())
	require.Equal(
		t, fn.Some(records[0].Hash()), batchErr.Failures[1].Hash,
	)

	require.Empty(t, chain.Orphans())
	require.Len(t, chain.LongestChain(), 5)
	require.Equal(t, records[3].Hash(), chain.TipHash())

	// A clean batch reports nothing.
	require.NoError(t, chain.AddHeaders(
		ctx, []any{chaintest.Extend(t, records[3], 1)[0]},
	))
}

// TestNetworkRoots checks the default and explicit roots of the tree.
func TestNetworkRoots(t *testing.T) {
	t.Parallel()

	chain, err := New(&Config{Network: netparams.TestNet})
	require.NoError(t, err)
	require.Equal(t, *chaincfg.TestNet3Params.GenesisHash, chain.TipHash())
	require.Len(t, chain.LongestChain(), 1)

	_, err = New(&Config{Network: netparams.Custom})
	require.ErrorIs(t, err, ErrMissingStartHeader)

	_, err = New(&Config{
		Network:     netparams.Custom,
		StartHeader: fn.Some[*headers.Record](nil),
	})
	require.ErrorIs(t, err, ErrMissingStartHeader)

	start := chaintest.Extend(t, chaintest.Genesis(), 3)[2]
	chain, err = New(&Config{
		Network:     netparams.RegTest,
		StartHeader: fn.Some(start),
		Clock:       testClock(),
	})
	require.NoError(t, err)
	require.Equal(t, start.Hash(), chain.Root().Hash())

	addAll(t, chain, chaintest.Extend(t, start, 2)...)
	require.Len(t, chain.LongestChain(), 3)
}

// TestOrphanPoolLimits asserts that the orphan pool evicts the oldest orphan
// when full and expires orphans after their time to live.
func TestOrphanPoolLimits(t *testing.T) {
	t.Parallel()

	clk := testClock()
	chain := newTestChain(t, func(cfg *Config) {
		cfg.MaxOrphans = 2
		cfg.OrphanTTL = time.Hour
		cfg.Clock = clk
	})

	// Every second header of the chain is an orphan.
	records := chaintest.Extend(t, chain.Root(), 6)
	orphans := []*headers.Record{records[1], records[3], records[5]}
	addAll(t, chain, orphans...)

	require.Equal(
		t, Branch(orphans[1:]).Hashes(), Branch(chain.Orphans()).Hashes(),
	)
	require.EqualValues(t, 1, chain.Stats().OrphansEvicted)

	// The evicted orphan can be offered again.
	clk.SetTime(clk.Now().Add(30 * time.Minute))
	addAll(t, chain, orphans[0])
	require.Len(t, chain.Orphans(), 2)

	// Past the time to live only the refreshed orphan is left.
	clk.SetTime(clk.Now().Add(45 * time.Minute))
	addAll(t, chain, records[0])
	require.Len(t, chain.LongestChain(), 3)
	require.Empty(t, chain.Orphans())
	require.EqualValues(t, 3, chain.Stats().OrphansEvicted)
}

// TestReAddFinalizedHeader asserts that headers already moved to the
// finalized store are refused as duplicates rather than orphaned.
func TestReAddFinalizedHeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := headerstore.NewMemStore()
	chain := newTestChain(t, func(cfg *Config) {
		cfg.ConfirmationDepth = 3
		cfg.Store = store
	})
	genesis := chain.Root()
	records := chaintest.Extend(t, genesis, 5)
	addAll(t, chain, records...)
	require.Equal(t, 3, store.Len())
	require.Equal(t, records[2].Hash(), chain.Root().Hash())

	before := chain.Stats()
	for _, finalized := range []*headers.Record{
		genesis, records[0], records[1],
	} {
		ok, err := chain.AddHeader(ctx, finalized)
		require.NoError(t, err)
		require.False(t, ok)
		require.False(t, chain.IsOrphan(finalized.Hash()))
	}
	require.Empty(t, chain.Orphans())

	after := chain.Stats()
	require.Equal(t, before.Duplicates+3, after.Duplicates)
	require.Equal(t, before.Rejected, after.Rejected)
	require.Equal(t, before.Nodes, after.Nodes)

	err := chain.AddHeaders(ctx, []any{records[0]})
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	require.Equal(t, []int{0}, batchErr.Indices())
	require.ErrorIs(t, err, ErrDuplicateHeader)
	require.Empty(t, chain.Orphans())
}

// TestOrphanExpiryOnlyOnAccept asserts that refused headers leave expired
// orphans in place and that the next accepted header sweeps them.
func TestOrphanExpiryOnlyOnAccept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := testClock()
	chain := newTestChain(t, func(cfg *Config) {
		cfg.OrphanTTL = time.Hour
		cfg.Clock = clk
	})
	records := chaintest.Extend(t, chain.Root(), 4)
	addAll(t, chain, records[0], records[3])
	require.True(t, chain.IsOrphan(records[3].Hash()))

	clk.SetTime(clk.Now().Add(2 * time.Hour))

	// Neither a duplicate nor an invalid header touches the pool.
	ok, err := chain.AddHeader(ctx, records[0])
	require.NoError(t, err)
	require.False(t, ok)

	invalid := chaintest.Unsolve(t, records[1])
	ok, err = chain.AddHeader(ctx, invalid)
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, chain.IsOrphan(records[3].Hash()))
	require.Len(t, chain.Orphans(), 1)
	require.Zero(t, chain.Stats().OrphansEvicted)

	// The next accepted header sweeps the expired orphan.
	addAll(t, chain, records[1])
	require.False(t, chain.IsOrphan(records[3].Hash()))
	require.Empty(t, chain.Orphans())
	require.EqualValues(t, 1, chain.Stats().OrphansEvicted)

	// An expired orphan may be offered again before the sweep.
	addAll(t, chain, records[3])
	clk.SetTime(clk.Now().Add(2 * time.Hour))
	addAll(t, chain, records[3])
	require.True(t, chain.IsOrphan(records[3].Hash()))
	require.EqualValues(t, 2, chain.Stats().OrphansEvicted)
}

// TestConcurrentAccess runs readers against a writer.
func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	chain := newTestChain(t, func(cfg *Config) {
		cfg.ConfirmationDepth = 8
	})
	records := chaintest.Extend(t, chain.Root(), 30)

	var (
		wg         sync.WaitGroup
		violations atomic.Int32
	)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				select {
				case <-done:
					return
				default:
				}

				if len(chain.LongestChain()) > 8 {
					violations.Add(1)
				}
				_ = chain.AllBranches()
				_ = chain.Stats()
			}
		}()
	}

	addAll(t, chain, records...)
	close(done)
	wg.Wait()

	require.Zero(t, violations.Load())
	require.Equal(t, records[29].Hash(), chain.TipHash())
}
