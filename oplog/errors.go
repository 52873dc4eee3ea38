package oplog

import (
	"errors"
	"fmt"

	"authority-tree/models"
	"authority-tree/tree"
)

// Reason classifies a rejected append
type Reason string

const (
	ReasonDuplicate           Reason = "duplicate"
	ReasonMalformed           Reason = "malformed"
	ReasonStale               Reason = "stale"
	ReasonUnknownParent       Reason = "unknown-parent"
	ReasonBadSignature        Reason = "bad-signature"
	ReasonInsufficientSigners Reason = "insufficient-signers"
	ReasonInvalid             Reason = "invalid-operation"
	ReasonNonceReuse          Reason = "nonce-reuse"
)

// RejectedError is terminal for the operation: retrying the same bytes
// against the same log gives the same answer. Unknown-parent is the one
// reason that can change once the missing ancestor arrives.
type RejectedError struct {
	Op     models.Hash32
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("operation %s rejected: %s", e.Op.Short(), e.Reason)
	}
	return fmt.Sprintf("operation %s rejected: %s: %v", e.Op.Short(), e.Reason, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a RejectedError with the given reason
func IsRejected(err error, reason Reason) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Reason == reason
}

func reject(h models.Hash32, reason Reason, err error) *RejectedError {
	return &RejectedError{Op: h, Reason: reason, Err: err}
}

// classify maps a verification or application failure to a reason
func classify(err error) Reason {
	switch {
	case errors.Is(err, tree.ErrInsufficientSigner):
		return ReasonInsufficientSigners
	case errors.Is(err, tree.ErrBadSignature):
		return ReasonBadSignature
	case errors.Is(err, models.ErrMalformedOp):
		return ReasonMalformed
	default:
		return ReasonInvalid
	}
}
