package models

import (
	"errors"
	"fmt"

	"authority-tree/policy"
)

// Op versions. Recovery kinds were introduced with version 2.
const (
	VersionCore     uint16 = 1
	VersionRecovery uint16 = 2
	CurrentVersion         = VersionRecovery
)

// OpKind tags the TreeOpKind variant
type OpKind uint8

const (
	KindAddLeaf OpKind = iota + 1
	KindRemoveLeaf
	KindChangePolicy
	KindRotateEpoch
	KindRecoveryInitiate
	KindRecoveryGrant
	KindRecoveryCancel
)

func (k OpKind) String() string {
	switch k {
	case KindAddLeaf:
		return "AddLeaf"
	case KindRemoveLeaf:
		return "RemoveLeaf"
	case KindChangePolicy:
		return "ChangePolicy"
	case KindRotateEpoch:
		return "RotateEpoch"
	case KindRecoveryInitiate:
		return "RecoveryInitiate"
	case KindRecoveryGrant:
		return "RecoveryGrant"
	case KindRecoveryCancel:
		return "RecoveryCancel"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// MinVersion is the first op version that carries kind k
func (k OpKind) MinVersion() uint16 {
	switch k {
	case KindRecoveryInitiate, KindRecoveryGrant, KindRecoveryCancel:
		return VersionRecovery
	default:
		return VersionCore
	}
}

// RemoveReason records why a leaf was retired
type RemoveReason uint8

const (
	ReasonRevoked RemoveReason = iota + 1
	ReasonLost
	ReasonReplaced
)

type AddLeaf struct {
	Leaf  LeafNode  `json:"leaf"`
	Under NodeIndex `json:"under"`
}

type RemoveLeaf struct {
	LeafID LeafID       `json:"leaf_id"`
	Reason RemoveReason `json:"reason"`
}

type ChangePolicy struct {
	Node      NodeIndex     `json:"node"`
	NewPolicy policy.Policy `json:"new_policy"`
}

// RotateEpoch advances the subtree epoch of every affected branch and its
// descendants. An empty list rotates the whole tree.
type RotateEpoch struct {
	Affected []NodeIndex `json:"affected,omitempty"`
}

// RecoveryInitiate opens a recovery window. T0 and Cooldown are seconds.
type RecoveryInitiate struct {
	T0       uint64 `json:"t0"`
	Cooldown uint64 `json:"cooldown"`
}

// RecoveryGrant authorizes Action once the recovery identified by
// Recovery has cooled down. IssuedAt is unix seconds.
type RecoveryGrant struct {
	Recovery Hash32      `json:"recovery"`
	IssuedAt uint64      `json:"issued_at"`
	Action   *TreeOpKind `json:"action"`
}

// RecoveryCancel closes a pending recovery. Signed by the account root.
type RecoveryCancel struct {
	Recovery Hash32 `json:"recovery"`
}

// TreeOpKind is a closed tagged union. Exactly one variant is set and it
// matches Kind.
type TreeOpKind struct {
	Kind             OpKind            `json:"kind"`
	AddLeaf          *AddLeaf          `json:"add_leaf,omitempty"`
	RemoveLeaf       *RemoveLeaf       `json:"remove_leaf,omitempty"`
	ChangePolicy     *ChangePolicy     `json:"change_policy,omitempty"`
	RotateEpoch      *RotateEpoch      `json:"rotate_epoch,omitempty"`
	RecoveryInitiate *RecoveryInitiate `json:"recovery_initiate,omitempty"`
	RecoveryGrant    *RecoveryGrant    `json:"recovery_grant,omitempty"`
	RecoveryCancel   *RecoveryCancel   `json:"recovery_cancel,omitempty"`
}

var ErrMalformedOp = errors.New("malformed operation")

func NewAddLeaf(leaf LeafNode, under NodeIndex) TreeOpKind {
	return TreeOpKind{Kind: KindAddLeaf, AddLeaf: &AddLeaf{Leaf: leaf, Under: under}}
}

func NewRemoveLeaf(id LeafID, reason RemoveReason) TreeOpKind {
	return TreeOpKind{Kind: KindRemoveLeaf, RemoveLeaf: &RemoveLeaf{LeafID: id, Reason: reason}}
}

func NewChangePolicy(node NodeIndex, p policy.Policy) TreeOpKind {
	return TreeOpKind{Kind: KindChangePolicy, ChangePolicy: &ChangePolicy{Node: node, NewPolicy: p}}
}

func NewRotateEpoch(affected ...NodeIndex) TreeOpKind {
	return TreeOpKind{Kind: KindRotateEpoch, RotateEpoch: &RotateEpoch{Affected: affected}}
}

func NewRecoveryInitiate(t0, cooldown uint64) TreeOpKind {
	return TreeOpKind{Kind: KindRecoveryInitiate, RecoveryInitiate: &RecoveryInitiate{T0: t0, Cooldown: cooldown}}
}

func NewRecoveryGrant(recovery Hash32, issuedAt uint64, action TreeOpKind) TreeOpKind {
	return TreeOpKind{Kind: KindRecoveryGrant, RecoveryGrant: &RecoveryGrant{Recovery: recovery, IssuedAt: issuedAt, Action: &action}}
}

func NewRecoveryCancel(recovery Hash32) TreeOpKind {
	return TreeOpKind{Kind: KindRecoveryCancel, RecoveryCancel: &RecoveryCancel{Recovery: recovery}}
}

// Validate checks the union shape. It does not look at tree state.
func (k TreeOpKind) Validate() error {
	set := 0
	for _, present := range []bool{
		k.AddLeaf != nil, k.RemoveLeaf != nil, k.ChangePolicy != nil, k.RotateEpoch != nil,
		k.RecoveryInitiate != nil, k.RecoveryGrant != nil, k.RecoveryCancel != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d variants set", ErrMalformedOp, set)
	}

	switch k.Kind {
	case KindAddLeaf:
		if k.AddLeaf == nil {
			return fmt.Errorf("%w: AddLeaf tag without payload", ErrMalformedOp)
		}
		if err := k.AddLeaf.Leaf.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedOp, err)
		}
	case KindRemoveLeaf:
		if k.RemoveLeaf == nil {
			return fmt.Errorf("%w: RemoveLeaf tag without payload", ErrMalformedOp)
		}
	case KindChangePolicy:
		if k.ChangePolicy == nil {
			return fmt.Errorf("%w: ChangePolicy tag without payload", ErrMalformedOp)
		}
		if err := k.ChangePolicy.NewPolicy.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedOp, err)
		}
	case KindRotateEpoch:
		if k.RotateEpoch == nil {
			return fmt.Errorf("%w: RotateEpoch tag without payload", ErrMalformedOp)
		}
	case KindRecoveryInitiate:
		if k.RecoveryInitiate == nil {
			return fmt.Errorf("%w: RecoveryInitiate tag without payload", ErrMalformedOp)
		}
	case KindRecoveryGrant:
		if k.RecoveryGrant == nil || k.RecoveryGrant.Action == nil {
			return fmt.Errorf("%w: RecoveryGrant without action", ErrMalformedOp)
		}
		switch k.RecoveryGrant.Action.Kind {
		case KindAddLeaf, KindRemoveLeaf:
		default:
			return fmt.Errorf("%w: recovery grant cannot carry %s", ErrMalformedOp, k.RecoveryGrant.Action.Kind)
		}
		if err := k.RecoveryGrant.Action.Validate(); err != nil {
			return err
		}
	case KindRecoveryCancel:
		if k.RecoveryCancel == nil {
			return fmt.Errorf("%w: RecoveryCancel tag without payload", ErrMalformedOp)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedOp, k.Kind)
	}
	return nil
}

// TreeOp is an operation anchored to a specific parent state
type TreeOp struct {
	ParentEpoch      uint64     `json:"parent_epoch"`
	ParentCommitment Hash32     `json:"parent_commitment"`
	Kind             TreeOpKind `json:"op_kind"`
	Version          uint16     `json:"version"`
}

func (op TreeOp) Parent() ParentKey {
	return ParentKey{Epoch: op.ParentEpoch, Commitment: op.ParentCommitment}
}

func (op TreeOp) Validate() error {
	if op.Version == 0 || op.Version > CurrentVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedOp, op.Version)
	}
	if op.Version < op.Kind.Kind.MinVersion() {
		return fmt.Errorf("%w: %s requires version %d, got %d",
			ErrMalformedOp, op.Kind.Kind, op.Kind.Kind.MinVersion(), op.Version)
	}
	return op.Kind.Validate()
}

// AttestedOp is the only durable unit: an operation plus proof of quorum.
// It never carries author identity or raw shares.
type AttestedOp struct {
	Op                 TreeOp `json:"op"`
	AggregateSignature []byte `json:"aggregate_signature"`
	SignerCount        uint16 `json:"signer_count"`
}

func (a AttestedOp) Validate() error {
	if a.SignerCount == 0 || len(a.AggregateSignature) == 0 {
		return fmt.Errorf("%w: missing quorum proof", ErrMalformedOp)
	}
	return a.Op.Validate()
}
