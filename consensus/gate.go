package consensus

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvchain/headers"
	"github.com/lightningnetwork/spvchain/netparams"
	"github.com/lightningnetwork/spvchain/pow"
)

const (
	// MaxTimeOffset is the furthest a header timestamp may lie ahead of
	// the local clock.
	MaxTimeOffset = blockchain.MaxTimeOffsetSeconds * time.Second

	// medianTimeHeaders is the number of preceding headers whose median
	// timestamp a new header must exceed.
	medianTimeHeaders = 11
)

// Gate decides whether a candidate header is acceptable on a network.
type Gate interface {
	// CheckHeader validates the candidate against the network rules. The
	// branch is the chain, ordered from root to tip, that the candidate is
	// evaluated against. When the tip of the branch is the candidate's
	// parent, contextual rules are applied as well. A nil error means the
	// header is valid.
	CheckHeader(branch []*headers.Record, candidate *headers.Record,
		net netparams.Network) error
}

// IsValidHeader is the boolean form of Gate.CheckHeader.
func IsValidHeader(gate Gate, branch []*headers.Record,
	candidate *headers.Record, net netparams.Network) bool {

	return gate.CheckHeader(branch, candidate, net) == nil
}

// Validator is the default Gate. It checks the proof of work of every header
// and, for headers extending the tip of the given branch, the median time and
// difficulty transition rules.
type Validator struct {
	clock clock.Clock
}

// A compile-time check to ensure Validator satisfies the Gate interface.
var _ Gate = (*Validator)(nil)

// NewValidator creates a validator that reads the current time from the given
// clock.
func NewValidator(clk clock.Clock) *Validator {
	return &Validator{clock: clk}
}

// CheckHeader validates the candidate against the network rules.
//
// NOTE: This is part of the Gate interface.
func (v *Validator) CheckHeader(branch []*headers.Record,
	candidate *headers.Record, net netparams.Network) error {

	params := net.Params()

	if err := checkProofOfWork(candidate, params.PowLimit); err != nil {
		log.Tracef("Header %v failed proof of work check: %v",
			candidate, err)

		return err
	}

	maxTime := v.clock.Now().Add(MaxTimeOffset)
	if candidate.Timestamp().After(maxTime) {
		str := fmt.Sprintf("header timestamp of %v is too far in the "+
			"future", candidate.Timestamp())

		return ruleError(ErrTimeTooNew, str)
	}

	// Without the parent at the tip of the branch there is no context to
	// check against.
	if len(branch) == 0 {
		return nil
	}
	parent := branch[len(branch)-1]
	if parent.Hash() != candidate.PrevHash() {
		return nil
	}

	medianTime := calcPastMedianTime(branch)
	if !candidate.Timestamp().After(medianTime) {
		str := fmt.Sprintf("header timestamp of %v is not after "+
			"expected %v", candidate.Timestamp(), medianTime)

		return ruleError(ErrTimeTooOld, str)
	}

	return checkDifficultyTransition(parent, candidate, params)
}

// checkProofOfWork ensures the target encoded by the header bits is in range
// and that the header hash is below it.
func checkProofOfWork(candidate *headers.Record, powLimit *big.Int) error {
	target := pow.ExpandTarget(candidate.Bits())
	if target.Sign() <= 0 {
		str := fmt.Sprintf("header target difficulty of %064x is too "+
			"low", target)

		return ruleError(ErrUnexpectedDifficulty, str)
	}

	if target.Cmp(powLimit) > 0 {
		str := fmt.Sprintf("header target difficulty of %064x is "+
			"higher than max of %064x", target, powLimit)

		return ruleError(ErrUnexpectedDifficulty, str)
	}

	hash := candidate.Hash()
	if !pow.MeetsProofOfWork(hash, candidate.Bits()) {
		str := fmt.Sprintf("header hash of %064x is not below "+
			"target of %064x", blockchain.HashToBig(&hash), target)

		return ruleError(ErrHighHash, str)
	}

	return nil
}

// checkDifficultyTransition ensures the candidate's target did not move away
// from its parent's further than the network allows. Networks without
// retargeting require the bits to be unchanged.
func checkDifficultyTransition(parent, candidate *headers.Record,
	params *chaincfg.Params) error {

	if params.PoWNoRetargeting {
		if candidate.Bits() != parent.Bits() {
			str := fmt.Sprintf("header difficulty of %08x does "+
				"not match parent difficulty of %08x",
				candidate.Bits(), parent.Bits())

			return ruleError(ErrBadDifficultyTransition, str)
		}

		return nil
	}

	// Test networks allow minimum difficulty headers at any time.
	if params.ReduceMinDifficulty &&
		candidate.Bits() == params.PowLimitBits {

		return nil
	}

	factor := big.NewInt(params.RetargetAdjustmentFactor)
	parentTarget := pow.ExpandTarget(parent.Bits())
	target := pow.ExpandTarget(candidate.Bits())

	minTarget := new(big.Int).Div(parentTarget, factor)
	maxTarget := new(big.Int).Mul(parentTarget, factor)
	if maxTarget.Cmp(params.PowLimit) > 0 {
		maxTarget.Set(params.PowLimit)
	}

	if target.Cmp(minTarget) < 0 || target.Cmp(maxTarget) > 0 {
		str := fmt.Sprintf("header difficulty of %08x is outside the "+
			"allowed adjustment from parent difficulty of %08x",
			candidate.Bits(), parent.Bits())

		return ruleError(ErrBadDifficultyTransition, str)
	}

	return nil
}

// calcPastMedianTime returns the median timestamp of the last headers of the
// branch.
func calcPastMedianTime(branch []*headers.Record) time.Time {
	start := len(branch) - medianTimeHeaders
	if start < 0 {
		start = 0
	}

	timestamps := make([]int64, 0, medianTimeHeaders)
	for _, record := range branch[start:] {
		timestamps = append(timestamps, record.Timestamp().Unix())
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	return time.Unix(timestamps[len(timestamps)/2], 0)
}
