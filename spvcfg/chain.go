package spvcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvchain/headerchain"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/headerstore"
	"github.com/lightningnetwork/spvchain/netparams"
)

// Chain holds the settings of the header chain.
//
//nolint:lll
type Chain struct {
	Network string `long:"network" description:"The network whose headers are tracked." choice:"testnet" choice:"devnet" choice:"mainnet" choice:"livenet" choice:"regtest" choice:"lowdiff" choice:"custom"`

	StartHeader string `long:"startheader" description:"Hex encoded 80-byte header to root the chain at instead of the network genesis. Required for the custom network."`

	ConfirmationDepth int `long:"confirmationdepth" description:"Number of headers on the best branch before its oldest header is finalized."`

	MaxOrphans int `long:"maxorphans" description:"Maximum number of headers waiting for their parent. 0 means unbounded."`

	OrphanTTL time.Duration `long:"orphanttl" description:"How long a header may wait for its parent. 0 keeps it until evicted."`

	CacheSize int `long:"cachesize" description:"Number of finalized headers kept in the in-memory cache."`

	Resume bool `long:"resume" description:"Root the chain at the most recently finalized header of the database if there is one."`
}

// DefaultChain returns the default header chain settings.
func DefaultChain() *Chain {
	return &Chain{
		Network:           netparams.TestNet.String(),
		ConfirmationDepth: headerchain.DefaultConfirmationDepth,
		MaxOrphans:        headerchain.DefaultMaxOrphans,
		OrphanTTL:         headerchain.DefaultOrphanTTL,
		CacheSize:         headerstore.DefaultCacheSize,
	}
}

// Validate checks the chain settings.
//
// NOTE: Part of the Validator interface.
func (c *Chain) Validate() error {
	net, err := netparams.ParseNetwork(c.Network)
	if err != nil {
		return err
	}

	start, err := c.ParseStartHeader()
	if err != nil {
		return err
	}
	if net == netparams.Custom && start.IsNone() {
		return fmt.Errorf("the custom network requires a start header")
	}

	switch {
	case c.ConfirmationDepth < 1:
		return fmt.Errorf("confirmation depth must be positive, got %d",
			c.ConfirmationDepth)

	case c.MaxOrphans < 0:
		return fmt.Errorf("max orphans must not be negative, got %d",
			c.MaxOrphans)

	case c.OrphanTTL < 0:
		return fmt.Errorf("orphan ttl must not be negative, got %v",
			c.OrphanTTL)

	case c.CacheSize < 0:
		return fmt.Errorf("cache size must not be negative, got %d",
			c.CacheSize)
	}

	return nil
}

// ParseNetwork returns the configured network.
func (c *Chain) ParseNetwork() (netparams.Network, error) {
	return netparams.ParseNetwork(c.Network)
}

// ParseStartHeader decodes the configured start header, if any.
func (c *Chain) ParseStartHeader() (fn.Option[*headers.Record], error) {
	if c.StartHeader == "" {
		return fn.None[*headers.Record](), nil
	}

	record, err := headers.Normalize(c.StartHeader)
	if err != nil {
		return fn.None[*headers.Record](), fmt.Errorf("invalid start "+
			"header: %w", err)
	}

	return fn.Some(record), nil
}

// Compile-time constraint to ensure Chain implements the Validator interface.
var _ Validator = (*Chain)(nil)
