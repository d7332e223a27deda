package headerchain

import (
	"context"
	"testing"

	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/internal/chaintest"
	"github.com/lightningnetwork/spvchain/netparams"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newPropChain creates a regression network chain that never finalizes.
func newPropChain(t *rapid.T) *Chain {
	chain, err := New(&Config{
		Network:           netparams.RegTest,
		ConfirmationDepth: 1000,
		Store:             headerstore.NewMemStore(),
		Clock:             testClock(),
	})
	require.NoError(t, err)

	return chain
}

// TestOrphanArrivalOrderProperty asserts that a chain delivered in any order
// ends up fully connected with an empty orphan pool.
func TestOrphanArrivalOrderProperty(t *testing.T) {
	t.Parallel()

	full := chaintest.Extend(t, chaintest.Genesis(), 12)

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, len(full)).Draw(t, "n")
		order := rapid.Permutation(full[:n]).Draw(t, "order")

		chain := newPropChain(t)
		for _, record := range order {
			ok, err := chain.AddHeader(context.Background(), record)
			require.NoError(t, err)
			require.True(t, ok)
		}

		require.Empty(t, chain.Orphans())
		require.Len(t, chain.AllBranches(), 1)
		require.Len(t, chain.LongestChain(), n+1)
		require.Equal(t, full[n-1].Hash(), chain.TipHash())
	})
}

// TestTreeShapeProperty builds random header trees, delivers them in random
// order and asserts the outcome matches delivery in tree order.
func TestTreeShapeProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		genesis := chaintest.Genesis()
		tree := []*headers.Record{genesis}
		children := make(map[int]int)

		size := rapid.IntRange(1, 20).Draw(t, "size")
		for i := 0; i < size; i++ {
			parent := rapid.IntRange(0, len(tree)-1).Draw(
				t, "parent",
			)
			children[parent]++

			tree = append(tree, chaintest.Mine(
				t, tree[parent], chaintest.RegTestBits,
				byte(i+1),
			))
		}

		var leaves int
		for i := range tree {
			if children[i] == 0 {
				leaves++
			}
		}

		// Delivered in tree order every header attaches directly.
		ordered := newPropChain(t)
		for _, record := range tree[1:] {
			ok, err := ordered.AddHeader(
				context.Background(), record,
			)
			require.NoError(t, err)
			require.True(t, ok)
		}

		shuffled := newPropChain(t)
		order := rapid.Permutation(tree[1:]).Draw(t, "order")
		for _, record := range order {
			ok, err := shuffled.AddHeader(
				context.Background(), record,
			)
			require.NoError(t, err)
			require.True(t, ok)
		}

		require.Empty(t, shuffled.Orphans())
		require.Len(t, shuffled.AllBranches(), leaves)
		require.Equal(t, size+1, shuffled.Stats().Nodes)
		require.Equal(t, ordered.TipHash(), shuffled.TipHash())
		require.Equal(
			t, ordered.LongestChain().Hashes(),
			shuffled.LongestChain().Hashes(),
		)
	})
}
