package commitment_test

import (
	"bytes"
	"testing"

	"authority-tree/commitment"
	"authority-tree/models"
	"authority-tree/policy"
)

func leaf(id models.LeafID) models.LeafNode {
	return models.LeafNode{LeafID: id, Role: models.RoleDevice, PublicKey: bytes.Repeat([]byte{byte(id)}, 32)}
}

func TestLeafCommitmentBindsEpoch(t *testing.T) {
	l := leaf(1)
	if commitment.CommitLeaf(l, 1) == commitment.CommitLeaf(l, 2) {
		t.Fatalf("leaf commitment ignores epoch")
	}
	if commitment.CommitLeaf(l, 1) == commitment.CommitBlankLeaf(1, 1) {
		t.Fatalf("active and blank leaf collide")
	}
	named := l.Clone()
	named.Metadata = map[string]string{"name": "laptop"}
	if commitment.CommitLeaf(l, 1) == commitment.CommitLeaf(named, 1) {
		t.Fatalf("leaf commitment ignores metadata")
	}
}

func TestBranchCommitmentBindsPolicyAndOrder(t *testing.T) {
	a := commitment.CommitLeaf(leaf(1), 0)
	b := commitment.CommitLeaf(leaf(2), 0)
	c := commitment.CommitLeaf(leaf(3), 0)

	l1, r1 := commitment.CommitChildren([]models.Hash32{a, b, c})
	l2, r2 := commitment.CommitChildren([]models.Hash32{b, a, c})
	if l1 == l2 && r1 == r2 {
		t.Fatalf("child order does not matter")
	}

	anyBranch := commitment.CommitBranch(0, 0, policy.Any(), l1, r1)
	allBranch := commitment.CommitBranch(0, 0, policy.All(), l1, r1)
	if anyBranch == allBranch {
		t.Fatalf("branch commitment ignores policy")
	}
	if anyBranch == commitment.CommitBranch(1, 0, policy.Any(), l1, r1) {
		t.Fatalf("branch commitment ignores node index")
	}
	if commitment.PolicyHash(policy.Threshold(2, 3)) == commitment.PolicyHash(policy.Threshold(3, 3)) {
		t.Fatalf("policy hash ignores parameters")
	}

	if l, r := commitment.CommitChildren(nil); !l.IsZero() || !r.IsZero() {
		t.Fatalf("empty children should fold to zero hashes")
	}
	if l, r := commitment.CommitChildren([]models.Hash32{a}); l != a || !r.IsZero() {
		t.Fatalf("single child should pass through on the left")
	}
}

func TestSigningMessagesBindContext(t *testing.T) {
	op := models.TreeOp{ParentEpoch: 1, Kind: models.NewRotateEpoch(), Version: models.CurrentVersion}
	ctx := models.SigningContext{NodeID: 0, Epoch: 1, PolicyHash: commitment.PolicyHash(policy.Any())}

	base := commitment.BindingMessage(ctx, op)
	other := ctx
	other.Epoch = 2
	if bytes.Equal(base, commitment.BindingMessage(other, op)) {
		t.Fatalf("binding message ignores epoch")
	}
	other = ctx
	other.NodeID = 1
	if bytes.Equal(base, commitment.BindingMessage(other, op)) {
		t.Fatalf("binding message ignores node")
	}

	img := commitment.HashImage([]byte("image"))
	if bytes.Equal(base, commitment.SnapshotMessage(ctx, 1, models.Hash32{}, img)) {
		t.Fatalf("operation and snapshot messages collide")
	}
}

func TestDigestSetIsLengthPrefixed(t *testing.T) {
	h := models.Hash32{1}
	if commitment.DigestSet(nil) == commitment.DigestSet([]models.Hash32{{}}) {
		t.Fatalf("empty set collides with the zero hash")
	}
	if commitment.DigestSet([]models.Hash32{h}) == commitment.DigestSet([]models.Hash32{h, h}) {
		t.Fatalf("digest ignores length")
	}
}
