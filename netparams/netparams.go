package netparams

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Network identifies the chain a header tree tracks. It selects the consensus
// parameters used to validate headers as well as the default genesis header
// the tree is rooted at when no explicit start header is given.
type Network uint8

const (
	// TestNet is the public test network.
	TestNet Network = iota

	// DevNet is a private developer network. It uses the simulation
	// network parameters, which have a trivially low difficulty.
	DevNet

	// MainNet is the main production network.
	MainNet

	// RegTest is the low difficulty regression test network.
	RegTest

	// Custom is a network without a known genesis. A tree on a custom
	// network must be started from an explicit header and is validated
	// with the main network's consensus parameters.
	Custom
)

// String returns the canonical name of the network.
func (n Network) String() string {
	switch n {
	case TestNet:
		return "testnet"
	case DevNet:
		return "devnet"
	case MainNet:
		return "mainnet"
	case RegTest:
		return "regtest"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(n))
	}
}

// ParseNetwork maps a network name onto a Network. The legacy aliases
// "livenet" and "lowdiff" are accepted for mainnet and regtest respectively.
func ParseNetwork(name string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "testnet", "testnet3":
		return TestNet, nil
	case "devnet", "simnet":
		return DevNet, nil
	case "mainnet", "livenet":
		return MainNet, nil
	case "regtest", "lowdiff":
		return RegTest, nil
	case "custom":
		return Custom, nil
	default:
		return 0, fmt.Errorf("unknown network: %q", name)
	}
}

// Params returns the btcd chain parameters backing the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case TestNet:
		return &chaincfg.TestNet3Params
	case DevNet:
		return &chaincfg.SimNetParams
	case RegTest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// GenesisHeader returns the default root header of the network. Custom
// networks have none.
func (n Network) GenesisHeader() fn.Option[wire.BlockHeader] {
	if n == Custom || n > Custom {
		return fn.None[wire.BlockHeader]()
	}

	return fn.Some(n.Params().GenesisBlock.Header)
}

// AllowsSynthesis reports whether headers may be fabricated on the network
// with the nonce search in the pow package. Only the trivial difficulty
// networks qualify.
func (n Network) AllowsSynthesis() bool {
	return n == RegTest || n == DevNet
}
