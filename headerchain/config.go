package headerchain

import (
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/consensus"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/netparams"
)

const (
	// DefaultConfirmationDepth is the default number of headers the best
	// branch may hold before its root is finalized.
	DefaultConfirmationDepth = 100

	// DefaultMaxOrphans is the default capacity of the orphan pool.
	DefaultMaxOrphans = 100

	// DefaultOrphanTTL is the default time an orphan may wait for its
	// parent.
	DefaultOrphanTTL = time.Hour
)

// Config holds the parameters and collaborators of a Chain.
type Config struct {
	// Network selects the consensus parameters and the default root of
	// the tree.
	Network netparams.Network

	// StartHeader, if set, roots the tree at the given header instead of
	// the network genesis. It is required on custom networks.
	StartHeader fn.Option[*headers.Record]

	// ConfirmationDepth is the length the best branch may reach before
	// its root is moved to the finalized store. Zero selects
	// DefaultConfirmationDepth.
	ConfirmationDepth int

	// Gate validates every header before it enters the tree or the
	// orphan pool. A nil gate selects the default consensus validator.
	Gate consensus.Gate

	// Store receives finalized headers. A nil store selects an in-memory
	// store.
	Store headerstore.Store

	// MaxOrphans bounds the orphan pool. When the pool is full the oldest
	// orphan is evicted. Zero leaves the pool unbounded.
	MaxOrphans int

	// OrphanTTL is how long an orphan is kept waiting for its parent. Zero
	// keeps orphans until they are connected or evicted.
	OrphanTTL time.Duration

	// Clock is the source of time for orphan expiry and the default
	// validator.
	Clock clock.Clock
}

// withDefaults returns a copy of the config with unset fields filled in.
func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ConfirmationDepth <= 0 {
		cfg.ConfirmationDepth = DefaultConfirmationDepth
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Gate == nil {
		cfg.Gate = consensus.NewValidator(cfg.Clock)
	}
	if cfg.Store == nil {
		cfg.Store = headerstore.NewMemStore()
	}

	return cfg
}
