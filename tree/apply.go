package tree

import (
	"fmt"
	"math"

	"authority-tree/commitment"
	"authority-tree/models"
	"authority-tree/policy"
)

// Apply is the pure transition: it returns the state that results from op,
// or an error and no state. s is left untouched either way.
func (s *State) Apply(op models.TreeOp) (*State, error) {
	if op.Parent() != s.Key() {
		return nil, fmt.Errorf("%w: op extends %s, state is %s", ErrParentMismatch, op.Parent(), s.Key())
	}
	if err := op.Validate(); err != nil {
		return nil, err
	}

	next := s.Clone()
	next.Epoch++
	affected, err := next.applyKind(op.Kind, op)
	if err != nil {
		return nil, err
	}
	next.recompute(affected)
	return next, nil
}

// applyKind mutates s in place and returns the branches whose commitments
// must be recomputed.
func (s *State) applyKind(kind models.TreeOpKind, op models.TreeOp) ([]models.NodeIndex, error) {
	switch kind.Kind {
	case models.KindAddLeaf:
		return s.addLeaf(kind.AddLeaf)
	case models.KindRemoveLeaf:
		return s.removeLeaf(kind.RemoveLeaf)
	case models.KindChangePolicy:
		return s.changePolicy(kind.ChangePolicy)
	case models.KindRotateEpoch:
		return s.rotateEpoch(kind.RotateEpoch)
	case models.KindRecoveryInitiate:
		return nil, s.initiateRecovery(kind.RecoveryInitiate, op)
	case models.KindRecoveryGrant:
		return s.grantRecovery(kind.RecoveryGrant, op)
	case models.KindRecoveryCancel:
		return nil, s.cancelRecovery(kind.RecoveryCancel)
	}
	return nil, fmt.Errorf("%w: %s", models.ErrMalformedOp, kind.Kind)
}

func (s *State) addLeaf(op *models.AddLeaf) ([]models.NodeIndex, error) {
	b, ok := s.Branches[op.Under]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, op.Under)
	}
	if _, exists := s.Leaves[op.Leaf.LeafID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateLeaf, op.Leaf.LeafID)
	}
	if err := s.checkRole(op.Leaf.Role, op.Under); err != nil {
		return nil, err
	}
	s.Leaves[op.Leaf.LeafID] = &Leaf{Node: op.Leaf.Clone(), Parent: op.Under}
	b.Leaves = insertLeaf(b.Leaves, op.Leaf.LeafID)
	return []models.NodeIndex{op.Under}, nil
}

func (s *State) removeLeaf(op *models.RemoveLeaf) ([]models.NodeIndex, error) {
	l, ok := s.Leaves[op.LeafID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLeaf, op.LeafID)
	}
	if l.Retired {
		return nil, fmt.Errorf("%w: %d", ErrLeafRetired, op.LeafID)
	}
	l.Retired = true
	l.Reason = op.Reason
	l.Node = models.LeafNode{LeafID: l.Node.LeafID, Role: l.Node.Role}

	anchor := models.RootNode
	if s.InReserved(l.Parent) {
		anchor, _ = s.RecoveryNode()
	}
	if _, err := s.AuthorityAt(anchor); err != nil {
		return nil, fmt.Errorf("removing leaf %d: %w", op.LeafID, err)
	}
	return []models.NodeIndex{l.Parent}, nil
}

func (s *State) changePolicy(op *models.ChangePolicy) ([]models.NodeIndex, error) {
	b, ok := s.Branches[op.Node]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNode, op.Node)
	}
	if !policy.IsValidTransition(b.Policy, op.NewPolicy) {
		return nil, fmt.Errorf("%w: node %d %s -> %s", ErrPolicyWidening, op.Node, b.Policy, op.NewPolicy)
	}
	if members := len(s.Members(op.Node)); members > 0 {
		if required := op.NewPolicy.Required(members); required > members {
			return nil, fmt.Errorf("%w: node %d has %d members, %s needs %d",
				ErrUnsatisfiable, op.Node, members, op.NewPolicy, required)
		}
	}
	b.Policy = op.NewPolicy
	return []models.NodeIndex{op.Node}, nil
}

func (s *State) rotateEpoch(op *models.RotateEpoch) ([]models.NodeIndex, error) {
	roots := op.Affected
	if len(roots) == 0 {
		roots = []models.NodeIndex{models.RootNode}
	}
	seen := make(map[models.NodeIndex]struct{})
	var bumped []models.NodeIndex
	for _, r := range roots {
		if _, ok := s.Branches[r]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownNode, r)
		}
		for _, n := range s.descendants(r) {
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			s.Branches[n].Epoch++
			bumped = append(bumped, n)
		}
	}
	return bumped, nil
}

func (s *State) initiateRecovery(op *models.RecoveryInitiate, whole models.TreeOp) error {
	if _, ok := s.RecoveryNode(); !ok {
		return ErrNoRecoverySubtree
	}
	if op.Cooldown < s.MinCooldown {
		return fmt.Errorf("%w: %ds < %ds", ErrCooldownTooShort, op.Cooldown, s.MinCooldown)
	}
	if op.T0 > math.MaxUint64-op.Cooldown {
		return fmt.Errorf("%w: t0 %d cooldown %d", ErrCooldownOverflow, op.T0, op.Cooldown)
	}
	id := commitment.HashTreeOp(whole)
	if _, dup := s.Recoveries[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRecovery, id.Short())
	}
	s.Recoveries[id] = Recovery{ID: id, T0: op.T0, Cooldown: op.Cooldown}
	return nil
}

// grantRecovery applies the carried action and closes the recovery
func (s *State) grantRecovery(op *models.RecoveryGrant, whole models.TreeOp) ([]models.NodeIndex, error) {
	r, ok := s.Recoveries[op.Recovery]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecovery, op.Recovery.Short())
	}
	if op.IssuedAt < r.ReadyAt() {
		return nil, fmt.Errorf("%w: issued at %d, ready at %d", ErrCooldownActive, op.IssuedAt, r.ReadyAt())
	}
	switch op.Action.Kind {
	case models.KindAddLeaf, models.KindRemoveLeaf:
	default:
		return nil, fmt.Errorf("%w: recovery grant cannot carry %s", models.ErrMalformedOp, op.Action.Kind)
	}
	affected, err := s.applyKind(*op.Action, whole)
	if err != nil {
		return nil, fmt.Errorf("recovery action: %w", err)
	}
	delete(s.Recoveries, op.Recovery)
	return affected, nil
}

func (s *State) cancelRecovery(op *models.RecoveryCancel) error {
	if _, ok := s.Recoveries[op.Recovery]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecovery, op.Recovery.Short())
	}
	delete(s.Recoveries, op.Recovery)
	return nil
}
