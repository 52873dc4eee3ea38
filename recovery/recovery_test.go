package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"authority-tree/ceremony"
	"authority-tree/models"
	"authority-tree/oplog"
	"authority-tree/recovery"
	"authority-tree/testutil"
	"authority-tree/tree"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type harness struct {
	k     *testutil.Keyring
	log   *oplog.OpLog
	coord *ceremony.Coordinator
	proto *recovery.Protocol
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	k := testutil.StandardKeyring(t)
	s0 := testutil.NewState(t, testutil.StandardGenesis(k))
	log := oplog.New(s0, k.Scheme, nil)
	coord := ceremony.NewCoordinator(log, k.Scheme, 5*time.Second)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	log.SetClock(clock.Now, time.Minute)
	return &harness{k: k, log: log, coord: coord, proto: recovery.New(coord, log, clock.Now), clock: clock}
}

// attest signs p with signers and runs the ceremony to completion
func (h *harness) attest(t *testing.T, p ceremony.Proposal, signers ...models.LeafID) models.AttestedOp {
	t.Helper()
	for _, id := range signers {
		part, err := ceremony.SignPartial(h.k.Scheme, h.k.Share(id), p.Message)
		if err != nil {
			t.Fatalf("signing as %d: %v", id, err)
		}
		if err := h.coord.Contribute(p.ID, part); err != nil {
			t.Fatalf("contribute %d: %v", id, err)
		}
	}
	op, err := h.coord.Aggregate(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	return op
}

func (h *harness) state(t *testing.T) *tree.State {
	t.Helper()
	s, err := h.log.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	return s
}

func TestRecoveryReplacesDeviceAfterCooldown(t *testing.T) {
	h := newHarness(t)
	cooldown := time.Duration(testutil.MinCooldown) * time.Second

	p, err := h.proto.Initiate(cooldown)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if p.Authority != testutil.RecoveryNode {
		t.Fatalf("initiation authorized by node %d", p.Authority)
	}
	op := h.attest(t, p, testutil.Guardian1, testutil.Guardian2)
	id := recovery.ID(op.Op)

	ready, err := h.proto.ReadyAt(id)
	if err != nil {
		t.Fatalf("ready at: %v", err)
	}
	if want := h.clock.now.Add(cooldown); !ready.Equal(want) {
		t.Fatalf("ready at %v, want %v", ready, want)
	}

	action := models.NewAddLeaf(h.k.Leaf(7, models.RoleDevice), models.RootNode)
	if _, err := h.proto.Grant(id, action); !errors.Is(err, tree.ErrCooldownActive) {
		t.Fatalf("grant during cooldown: got %v", err)
	}

	h.clock.now = ready
	g, err := h.proto.Grant(id, action)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	h.attest(t, g, testutil.Guardian2, testutil.Guardian3)

	s := h.state(t)
	if _, ok := s.Leaf(7); !ok {
		t.Fatalf("replacement device missing")
	}
	if pending, _ := h.proto.Pending(); len(pending) != 0 {
		t.Fatalf("recovery still open after grant")
	}
}

// A grant whose issue time precedes the cooldown is rejected by the log
// even when signed by the full guardian quorum.
func TestEarlyGrantIsRejectedNotDelayed(t *testing.T) {
	h := newHarness(t)
	p, err := h.proto.Initiate(time.Duration(testutil.MinCooldown) * time.Second)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	op := h.attest(t, p, testutil.Guardian1, testutil.Guardian3)
	id := recovery.ID(op.Op)

	s := h.state(t)
	r := s.Recoveries[id]
	h.clock.now = time.Unix(int64(r.ReadyAt()-1), 0)
	early := h.k.Sign(t, s, models.NewRecoveryGrant(id, r.ReadyAt()-1,
		models.NewAddLeaf(h.k.Leaf(7, models.RoleDevice), models.RootNode)),
		testutil.Guardian1, testutil.Guardian2, testutil.Guardian3)
	_, err = h.log.Append(early)
	if !oplog.IsRejected(err, oplog.ReasonInvalid) || !errors.Is(err, tree.ErrCooldownActive) {
		t.Fatalf("early grant: got %v", err)
	}
	if h.log.Len() != 1 {
		t.Fatalf("early grant entered the log")
	}
}

func TestAccountCancelsRecovery(t *testing.T) {
	h := newHarness(t)
	p, err := h.proto.Initiate(time.Duration(testutil.MinCooldown) * time.Second)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id := recovery.ID(h.attest(t, p, testutil.Guardian1, testutil.Guardian2).Op)

	c, err := h.proto.Cancel(id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c.Authority != models.RootNode {
		t.Fatalf("cancel authorized by node %d", c.Authority)
	}
	h.attest(t, c, testutil.DeviceB)

	if _, err := h.proto.ReadyAt(id); !errors.Is(err, tree.ErrUnknownRecovery) {
		t.Fatalf("cancelled recovery still open: %v", err)
	}
	if _, err := h.proto.Grant(id, models.NewRemoveLeaf(testutil.DeviceA, models.ReasonLost)); !errors.Is(err, tree.ErrUnknownRecovery) {
		t.Fatalf("grant after cancel: got %v", err)
	}
}

func TestInitiateRejectsShortCooldown(t *testing.T) {
	h := newHarness(t)
	if _, err := h.proto.Initiate(time.Minute); !errors.Is(err, tree.ErrCooldownTooShort) {
		t.Fatalf("got %v", err)
	}
	if len(h.coord.Proposals()) != 0 {
		t.Fatalf("short cooldown opened a ceremony")
	}
	if _, err := h.coord.Status(uuid.New()); !errors.Is(err, ceremony.ErrUnknownProposal) {
		t.Fatalf("unknown proposal: got %v", err)
	}
}
