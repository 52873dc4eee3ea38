package tree

import (
	"errors"
	"fmt"
)

var (
	ErrParentMismatch     = errors.New("operation does not extend this state")
	ErrUnknownNode        = errors.New("unknown node")
	ErrUnknownLeaf        = errors.New("unknown leaf")
	ErrDuplicateLeaf      = errors.New("leaf id already used")
	ErrLeafRetired        = errors.New("leaf already retired")
	ErrRoleMismatch       = errors.New("leaf role not allowed here")
	ErrPolicyWidening     = errors.New("policy change widens authority")
	ErrUnsatisfiable      = errors.New("quorum cannot be satisfied")
	ErrNoRecoverySubtree  = errors.New("tree has no recovery subtree")
	ErrUnknownRecovery    = errors.New("unknown recovery")
	ErrDuplicateRecovery  = errors.New("recovery already open")
	ErrCooldownActive     = errors.New("recovery cooldown has not elapsed")
	ErrCooldownTooShort   = errors.New("recovery cooldown below minimum")
	ErrCooldownOverflow   = errors.New("recovery window overflows")
	ErrInsufficientSigner = errors.New("not enough signers for policy")
	ErrBadSignature       = errors.New("aggregate signature does not verify")
	ErrBadGenesis         = errors.New("invalid genesis")
	ErrBadImage           = errors.New("invalid state image")
)

// Invariant names reported by CheckInvariants
const (
	InvariantFactsAccumulate     = "facts-accumulate"
	InvariantAuthorityShrinks    = "authority-shrinks"
	InvariantAcyclic             = "acyclic"
	InvariantCommitmentIntegrity = "commitment-integrity"
	InvariantEpochMonotonic      = "epoch-monotonic"
)

// InvariantError is a structural violation found after an application.
// It means the transition function or its inputs are broken, not that an
// operation was merely invalid.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

func violation(name, format string, args ...any) *InvariantError {
	return &InvariantError{Invariant: name, Detail: fmt.Sprintf(format, args...)}
}
