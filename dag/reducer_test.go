package dag_test

import (
	"errors"
	"testing"

	"pgregory.net/rapid"

	"authority-tree/commitment"
	"authority-tree/dag"
	"authority-tree/models"
	"authority-tree/policy"
	"authority-tree/testutil"
	"authority-tree/tree"
)

type forkPool struct {
	base *tree.State
	ops  []models.AttestedOp
}

// newForkPool builds three concurrent operations on genesis, two of them
// extended by a second operation, plus one orphan.
func newForkPool(t *testing.T) (*testutil.Keyring, forkPool) {
	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))

	a, sa := k.Apply(t, s0, models.NewAddLeaf(k.Leaf(4, models.RoleDevice), models.RootNode))
	b, sb := k.Apply(t, s0, models.NewAddLeaf(k.Leaf(5, models.RoleDevice), testutil.DevicesNode))
	c := k.Sign(t, s0, models.NewRotateEpoch())
	a2 := k.Sign(t, sa, models.NewAddLeaf(k.Leaf(6, models.RoleDevice), models.RootNode))
	b2 := k.Sign(t, sb, models.NewRemoveLeaf(testutil.DeviceA, models.ReasonReplaced))

	orphanOp := testutil.Op(s0, models.NewRotateEpoch())
	orphanOp.ParentEpoch = 99
	orphan := k.SignOp(t, s0, orphanOp)

	return k, forkPool{base: s0, ops: []models.AttestedOp{a, b, c, a2, b2, orphan}}
}

func TestReduceIsOrderIndependent(t *testing.T) {
	k, pool := newForkPool(t)
	want, err := dag.NewReducer(pool.base, k.Scheme).Reduce(pool.ops)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}

	rapid.Check(t, func(rt *rapid.T) {
		perm := rapid.Permutation(pool.ops).Draw(rt, "ops")
		got, err := dag.NewReducer(pool.base, k.Scheme).Reduce(perm)
		if err != nil {
			rt.Fatalf("reduce: %v", err)
		}
		if got.State.Key() != want.State.Key() {
			rt.Fatalf("state %s, want %s", got.State.Key(), want.State.Key())
		}
		if len(got.Applied) != len(want.Applied) {
			rt.Fatalf("applied %d ops, want %d", len(got.Applied), len(want.Applied))
		}
		for i := range got.Applied {
			if got.Applied[i] != want.Applied[i] {
				rt.Fatalf("applied[%d] differs", i)
			}
		}
	})
}

func TestConcurrentAddLeafMaxHashWins(t *testing.T) {
	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))

	x := k.Sign(t, s0, models.NewAddLeaf(k.Leaf(4, models.RoleDevice), models.RootNode))
	y := k.Sign(t, s0, models.NewAddLeaf(k.Leaf(5, models.RoleDevice), models.RootNode), testutil.DeviceB)
	hx, hy := commitment.HashOp(x), commitment.HashOp(y)
	winner, loser := hx, hy
	if hy.Compare(hx) > 0 {
		winner, loser = hy, hx
	}

	for _, ops := range [][]models.AttestedOp{{x, y}, {y, x}} {
		res, err := dag.NewReducer(s0, k.Scheme).Reduce(ops)
		if err != nil {
			t.Fatalf("reduce: %v", err)
		}
		if len(res.Applied) != 1 || res.Applied[0] != winner {
			t.Fatalf("applied %v, want [%s]", res.Applied, winner.Short())
		}
		if len(res.Superseded) != 1 || res.Superseded[0] != loser {
			t.Fatalf("superseded %v, want [%s]", res.Superseded, loser.Short())
		}
	}
}

// Two policy changes race on the root; the losing policy and anything
// built on it stay out of the reduced state.
func TestConcurrentChangePolicyMaxHashWins(t *testing.T) {
	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))

	x, sx := k.Apply(t, s0, models.NewChangePolicy(models.RootNode, policy.All()))
	y, sy := k.Apply(t, s0, models.NewChangePolicy(models.RootNode, policy.Threshold(2, 2)), testutil.DeviceB)
	cx := k.Sign(t, sx, models.NewAddLeaf(k.Leaf(4, models.RoleDevice), models.RootNode))
	cy := k.Sign(t, sy, models.NewAddLeaf(k.Leaf(5, models.RoleDevice), models.RootNode))

	hx, hy := commitment.HashOp(x), commitment.HashOp(y)
	winner, loser := hx, hy
	winPolicy, losePolicy := policy.All(), policy.Threshold(2, 2)
	winLeaf, loseLeaf := models.LeafID(4), models.LeafID(5)
	if hy.Compare(hx) > 0 {
		winner, loser = hy, hx
		winPolicy, losePolicy = losePolicy, winPolicy
		winLeaf, loseLeaf = loseLeaf, winLeaf
	}

	for _, ops := range [][]models.AttestedOp{{x, y, cx, cy}, {cy, cx, y, x}} {
		res, err := dag.NewReducer(s0, k.Scheme).Reduce(ops)
		if err != nil {
			t.Fatalf("reduce: %v", err)
		}
		if len(res.Applied) != 2 || res.Applied[0] != winner {
			t.Fatalf("applied %v, want %s first", res.Applied, winner.Short())
		}
		superseded := make(map[models.Hash32]bool)
		for _, h := range res.Superseded {
			superseded[h] = true
		}
		if len(superseded) != 2 || !superseded[loser] {
			t.Fatalf("superseded %v, want %s and its child", res.Superseded, loser.Short())
		}
		root, _ := res.State.Branch(models.RootNode)
		if root.Policy != winPolicy || root.Policy == losePolicy {
			t.Fatalf("root policy %s, want %s", root.Policy, winPolicy)
		}
		if _, ok := res.State.Leaf(winLeaf); !ok {
			t.Fatalf("winner's child missing")
		}
		if _, ok := res.State.Leaf(loseLeaf); ok {
			t.Fatalf("child of the superseded policy change applied")
		}
	}
}

// drawKind picks a random operation that applies on parent, falling back to
// an epoch rotation
func drawKind(rt *rapid.T, k *testutil.Keyring, parent *tree.State) models.TreeOpKind {
	var kind models.TreeOpKind
	switch rapid.IntRange(0, 3).Draw(rt, "kind") {
	case 0:
		id := models.LeafID(rapid.IntRange(4, 9).Draw(rt, "leaf"))
		under := rapid.SampledFrom([]models.NodeIndex{models.RootNode, testutil.DevicesNode}).Draw(rt, "under")
		kind = models.NewAddLeaf(k.Leaf(id, models.RoleDevice), under)
	case 1:
		kind = models.NewRemoveLeaf(models.LeafID(rapid.IntRange(4, 9).Draw(rt, "leaf")), models.ReasonReplaced)
	case 2:
		p := rapid.SampledFrom([]policy.Policy{policy.All(), policy.Threshold(1, 2), policy.Threshold(2, 2)}).Draw(rt, "policy")
		node := rapid.SampledFrom([]models.NodeIndex{models.RootNode, testutil.DevicesNode}).Draw(rt, "node")
		kind = models.NewChangePolicy(node, p)
	default:
		return models.NewRotateEpoch(testutil.DevicesNode)
	}
	if _, err := parent.Authority(kind); err != nil {
		return models.NewRotateEpoch()
	}
	if _, err := parent.Apply(testutil.Op(parent, kind)); err != nil {
		return models.NewRotateEpoch()
	}
	return kind
}

// Random chains and forks of mixed operations reduce to the same state in
// any delivery order.
func TestReduceGeneratedForksIsOrderIndependent(t *testing.T) {
	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))

	rapid.Check(t, func(rt *rapid.T) {
		states := []*tree.State{s0}
		var ops []models.AttestedOp
		n := rapid.IntRange(1, 10).Draw(rt, "ops")
		for i := 0; i < n; i++ {
			parent := states[rapid.IntRange(0, len(states)-1).Draw(rt, "parent")]
			op, next := k.Apply(rt, parent, drawKind(rt, k, parent))
			ops = append(ops, op)
			states = append(states, next)
		}

		want, err := dag.NewReducer(s0, k.Scheme).Reduce(ops)
		if err != nil {
			rt.Fatalf("reduce: %v", err)
		}
		perm := rapid.Permutation(ops).Draw(rt, "order")
		got, err := dag.NewReducer(s0, k.Scheme).Reduce(perm)
		if err != nil {
			rt.Fatalf("reduce permuted: %v", err)
		}
		if got.State.Key() != want.State.Key() {
			rt.Fatalf("state %s, want %s", got.State.Key(), want.State.Key())
		}
		if len(got.Applied) != len(want.Applied) || len(got.Superseded) != len(want.Superseded) {
			rt.Fatalf("applied %d superseded %d, want %d and %d",
				len(got.Applied), len(got.Superseded), len(want.Applied), len(want.Superseded))
		}
		for i := range got.Applied {
			if got.Applied[i] != want.Applied[i] {
				rt.Fatalf("applied[%d] differs", i)
			}
		}
	})
}

func TestInvalidCandidateFallsBackToNextHash(t *testing.T) {
	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))

	valid := k.Sign(t, s0, models.NewAddLeaf(k.Leaf(4, models.RoleDevice), models.RootNode))
	// signed by a guardian, who cannot authorize root operations
	forged := k.Sign(t, s0, models.NewRotateEpoch())
	auth, _ := s0.Authority(forged.Op.Kind)
	sig, err := k.Scheme.Aggregate(k.Partials(t, auth.Context, forged.Op, testutil.Guardian1))
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	forged.AggregateSignature = sig

	res, err := dag.NewReducer(s0, k.Scheme).Reduce([]models.AttestedOp{valid, forged})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if len(res.Applied) != 1 || res.Applied[0] != commitment.HashOp(valid) {
		t.Fatalf("valid op not applied: %v", res.Applied)
	}
	if _, ok := res.State.Leaf(4); !ok {
		t.Fatalf("winner's leaf missing")
	}
}

func TestReduceToStopsAtEpoch(t *testing.T) {
	k := testutil.StandardKeyring(t)
	s := testutil.NewState(t, testutil.StandardGenesis(k))
	base := s
	var ops []models.AttestedOp
	for id := models.LeafID(4); id < 8; id++ {
		var op models.AttestedOp
		op, s = k.Apply(t, s, models.NewAddLeaf(k.Leaf(id, models.RoleDevice), models.RootNode))
		ops = append(ops, op)
	}

	res, err := dag.NewReducer(base, k.Scheme).ReduceTo(ops, 2)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if res.State.Epoch != 2 || len(res.Chain) != 2 {
		t.Fatalf("epoch %d with %d checkpoints, want 2", res.State.Epoch, len(res.Chain))
	}
	full, err := dag.NewReducer(base, k.Scheme).Reduce(ops)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if full.State.Key() != s.Key() {
		t.Fatalf("full reduction %s, want %s", full.State.Key(), s.Key())
	}
	if full.Chain[1].Key != res.State.Key() {
		t.Fatalf("prefix reduction disagrees with full chain")
	}
}

func TestInvariantViolationIsReported(t *testing.T) {
	k := testutil.StandardKeyring(t)
	good := testutil.NewState(t, testutil.StandardGenesis(k))

	// a base whose sibling subtree commitment is corrupt: the incremental
	// recompute after an op on the root keeps the bad value
	base := good.Clone()
	b, _ := base.Branch(testutil.DevicesNode)
	b.Commitment[0] ^= 0xff
	op := k.Sign(t, base, models.NewAddLeaf(k.Leaf(4, models.RoleDevice), models.RootNode))

	res, err := dag.NewReducer(base, k.Scheme).Reduce([]models.AttestedOp{op})
	var inv *dag.InvariantViolationError
	if !errors.As(err, &inv) {
		t.Fatalf("got %v, want InvariantViolationError", err)
	}
	if inv.Op != commitment.HashOp(op) || inv.Err.Invariant != tree.InvariantCommitmentIntegrity {
		t.Fatalf("violation %+v", inv)
	}
	if res == nil || res.State != base || len(res.Applied) != 0 {
		t.Fatalf("result should stay on the base state")
	}
}

func TestExploreReachesForks(t *testing.T) {
	k, pool := newForkPool(t)
	ex := dag.NewReducer(pool.base, k.Scheme).Explore(dag.NewGraph(pool.ops))

	// genesis, three fork children and two grandchildren
	if len(ex.States) != 6 {
		t.Fatalf("reachable states = %d, want 6", len(ex.States))
	}
	if len(ex.Accepted) != 5 {
		t.Fatalf("accepted = %d, want 5", len(ex.Accepted))
	}
	if len(ex.Pending) != 1 || ex.Pending[0] != commitment.HashOp(pool.ops[5]) {
		t.Fatalf("orphan not pending: %v", ex.Pending)
	}
}
