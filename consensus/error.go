package consensus

import (
	"fmt"
)

// ErrorCode identifies a kind of header rule violation.
type ErrorCode int

const (
	// ErrUnexpectedDifficulty indicates the target encoded by the header's
	// bits is not positive or is above the network's proof of work limit.
	ErrUnexpectedDifficulty ErrorCode = iota

	// ErrHighHash indicates the header hash does not meet the target it
	// claims.
	ErrHighHash

	// ErrTimeTooNew indicates the header timestamp is too far in the
	// future.
	ErrTimeTooNew

	// ErrTimeTooOld indicates the header timestamp is not after the median
	// time of the preceding headers.
	ErrTimeTooOld

	// ErrBadDifficultyTransition indicates the header's target moved
	// further away from its parent's than the network allows.
	ErrBadDifficultyTransition

	// numErrorCodes is the maximum error code number used in tests.
	numErrorCodes
)

// errorCodeStrings maps error codes to their human readable names.
var errorCodeStrings = map[ErrorCode]string{
	ErrUnexpectedDifficulty:    "ErrUnexpectedDifficulty",
	ErrHighHash:                "ErrHighHash",
	ErrTimeTooNew:              "ErrTimeTooNew",
	ErrTimeTooOld:              "ErrTimeTooOld",
	ErrBadDifficultyTransition: "ErrBadDifficultyTransition",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation. The caller can use type assertions
// or errors.As to access the ErrorCode field and learn the specific reason
// the header was rejected.
type RuleError struct {
	ErrorCode   ErrorCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates a RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}
