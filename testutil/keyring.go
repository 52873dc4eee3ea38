// Package testutil holds fixtures shared by package tests: deterministic
// keyrings, a standard genesis and builders for signed operations.
package testutil

import (
	"fmt"

	"authority-tree/commitment"
	"authority-tree/models"
	"authority-tree/policy"
	"authority-tree/threshold"
	"authority-tree/tree"
)

// T is the subset of testing.TB the fixtures need
type T interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Standard genesis layout
const (
	RecoveryNode models.NodeIndex = 1
	DevicesNode  models.NodeIndex = 2

	DeviceA   models.LeafID = 1
	DeviceB   models.LeafID = 2
	DeviceC   models.LeafID = 3
	Guardian1 models.LeafID = 10
	Guardian2 models.LeafID = 11
	Guardian3 models.LeafID = 12

	MinCooldown uint64 = 3600
)

var keyringSecret = []byte("authority-tree test keyring secret")

// Keyring holds one deterministic ed25519 share per leaf id
type Keyring struct {
	Scheme threshold.Ed25519
	shares map[models.LeafID]threshold.Share
	pubs   map[models.LeafID][]byte
}

func NewKeyring(t T, ids ...models.LeafID) *Keyring {
	t.Helper()
	k := &Keyring{
		shares: make(map[models.LeafID]threshold.Share),
		pubs:   make(map[models.LeafID][]byte),
	}
	for _, id := range ids {
		k.Add(t, id)
	}
	return k
}

func (k *Keyring) Add(t T, id models.LeafID) {
	t.Helper()
	share, pub, err := threshold.ShareFromSecret(keyringSecret, uint32(id))
	if err != nil {
		t.Fatalf("deriving share %d: %v", id, err)
	}
	k.shares[id] = share
	k.pubs[id] = pub
}

func (k *Keyring) Share(id models.LeafID) threshold.Share { return k.shares[id] }

func (k *Keyring) PublicKey(id models.LeafID) []byte { return k.pubs[id] }

// Leaf returns a leaf node carrying id's public key
func (k *Keyring) Leaf(id models.LeafID, role models.Role) models.LeafNode {
	return models.LeafNode{
		LeafID:    id,
		Role:      role,
		PublicKey: append([]byte(nil), k.pubs[id]...),
		Metadata:  map[string]string{"name": fmt.Sprintf("%s-%d", role, id)},
	}
}

// StandardKeyring covers every leaf of StandardGenesis plus spare ids 4..9
// for devices added by tests.
func StandardKeyring(t T) *Keyring {
	t.Helper()
	k := NewKeyring(t, DeviceA, DeviceB, DeviceC, Guardian1, Guardian2, Guardian3)
	for id := models.LeafID(4); id < 10; id++ {
		k.Add(t, id)
	}
	k.Add(t, 13)
	return k
}

// StandardGenesis is a root governed by any device, a reserved 2-of-3
// guardian subtree and a second device branch.
//
//	0 (any): devices 1, 2
//	├── 1 (threshold(2,3), recovery): guardians 10, 11, 12
//	└── 2 (any): device 3
func StandardGenesis(k *Keyring) tree.Genesis {
	return tree.Genesis{
		Branches: []tree.GenesisBranch{
			{Index: models.RootNode, Policy: policy.Any()},
			{Index: RecoveryNode, Parent: models.RootNode, Policy: policy.Threshold(2, 3), Reserved: true},
			{Index: DevicesNode, Parent: models.RootNode, Policy: policy.Any()},
		},
		Leaves: []tree.GenesisLeaf{
			{Leaf: k.Leaf(DeviceA, models.RoleDevice), Under: models.RootNode},
			{Leaf: k.Leaf(DeviceB, models.RoleDevice), Under: models.RootNode},
			{Leaf: k.Leaf(DeviceC, models.RoleDevice), Under: DevicesNode},
			{Leaf: k.Leaf(Guardian1, models.RoleGuardian), Under: RecoveryNode},
			{Leaf: k.Leaf(Guardian2, models.RoleGuardian), Under: RecoveryNode},
			{Leaf: k.Leaf(Guardian3, models.RoleGuardian), Under: RecoveryNode},
		},
		MinCooldown: MinCooldown,
	}
}

// NewState builds the state for g or fails the test
func NewState(t T, g tree.Genesis) *tree.State {
	t.Helper()
	s, err := tree.NewState(g)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return s
}

// Op anchors kind to state at the current version
func Op(state *tree.State, kind models.TreeOpKind) models.TreeOp {
	return models.TreeOp{
		ParentEpoch:      state.Epoch,
		ParentCommitment: state.Commitment,
		Kind:             kind,
		Version:          models.CurrentVersion,
	}
}

// Partials produces one partial per signer over op's binding message
func (k *Keyring) Partials(t T, ctx models.SigningContext, op models.TreeOp, signers ...models.LeafID) []threshold.Partial {
	t.Helper()
	msg := commitment.BindingMessage(ctx, op)
	parts := make([]threshold.Partial, 0, len(signers))
	for _, id := range signers {
		share, ok := k.shares[id]
		if !ok {
			t.Fatalf("no share for leaf %d", id)
		}
		nonce, err := threshold.NewNonce(msg)
		if err != nil {
			t.Fatalf("nonce: %v", err)
		}
		part, err := k.Scheme.SignPartial(share, msg, nonce)
		if err != nil {
			t.Fatalf("signing as %d: %v", id, err)
		}
		parts = append(parts, part)
	}
	return parts
}

// SignOp attests op with the authority it implies in state. With no
// explicit signers the lowest-numbered quorum of the group signs.
func (k *Keyring) SignOp(t T, state *tree.State, op models.TreeOp, signers ...models.LeafID) models.AttestedOp {
	t.Helper()
	auth, err := state.Authority(op.Kind)
	if err != nil {
		t.Fatalf("resolving authority for %s: %v", op.Kind.Kind, err)
	}
	if len(signers) == 0 {
		for _, m := range auth.Group.Members[:auth.Group.Threshold] {
			signers = append(signers, models.LeafID(m.ID))
		}
	}
	parts := k.Partials(t, auth.Context, op, signers...)
	sig, err := k.Scheme.Aggregate(parts)
	if err != nil {
		t.Fatalf("aggregating: %v", err)
	}
	return models.AttestedOp{Op: op, AggregateSignature: sig, SignerCount: uint16(len(parts))}
}

// Sign anchors kind to state and attests it
func (k *Keyring) Sign(t T, state *tree.State, kind models.TreeOpKind, signers ...models.LeafID) models.AttestedOp {
	t.Helper()
	return k.SignOp(t, state, Op(state, kind), signers...)
}

// Apply signs kind against state, applies it and returns the next state
func (k *Keyring) Apply(t T, state *tree.State, kind models.TreeOpKind, signers ...models.LeafID) (models.AttestedOp, *tree.State) {
	t.Helper()
	op := k.Sign(t, state, kind, signers...)
	next, err := state.Apply(op.Op)
	if err != nil {
		t.Fatalf("applying %s: %v", kind.Kind, err)
	}
	return op, next
}
