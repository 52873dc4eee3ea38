package tree

import (
	"fmt"
	"sort"

	"authority-tree/commitment"
	"authority-tree/models"
	"authority-tree/policy"
	"authority-tree/threshold"
)

// Authority is who must sign an operation in a given state
type Authority struct {
	Node    models.NodeIndex
	Policy  policy.Policy
	Group   threshold.GroupKey
	Context models.SigningContext
}

// Members returns the active leaves governed by node, sorted by id. The
// recovery subtree is its own authority domain and is only counted when
// node lies inside it.
func (s *State) Members(node models.NodeIndex) []models.LeafID {
	var out []models.LeafID
	stack := []models.NodeIndex{node}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		b, ok := s.Branches[cur]
		if !ok {
			continue
		}
		for _, id := range b.Leaves {
			if !s.Leaves[id].Retired {
				out = append(out, id)
			}
		}
		for _, c := range b.Children {
			if c != node && s.Branches[c].Reserved {
				continue
			}
			stack = append(stack, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AuthorityAt resolves the signing group for node. A branch with no active
// members delegates to its nearest non-empty ancestor; delegation never
// leaves the recovery subtree.
func (s *State) AuthorityAt(node models.NodeIndex) (Authority, error) {
	if _, ok := s.Branches[node]; !ok {
		return Authority{}, fmt.Errorf("%w: %d", ErrUnknownNode, node)
	}
	for _, n := range s.pathToRoot(node) {
		b := s.Branches[n]
		members := s.Members(n)
		if len(members) > 0 {
			return s.authorityFor(b, members)
		}
		if b.Reserved {
			break
		}
	}
	return Authority{}, fmt.Errorf("%w: no active members govern node %d", ErrUnsatisfiable, node)
}

func (s *State) authorityFor(b *Branch, members []models.LeafID) (Authority, error) {
	required := b.Policy.Required(len(members))
	if required <= 0 || required > len(members) {
		return Authority{}, fmt.Errorf("%w: node %d needs %d of %d (%s)",
			ErrUnsatisfiable, b.Index, required, len(members), b.Policy)
	}
	group := threshold.GroupKey{Threshold: required, Members: make([]threshold.Member, 0, len(members))}
	for _, id := range members {
		group.Members = append(group.Members, threshold.Member{
			ID:        uint32(id),
			PublicKey: s.Leaves[id].Node.PublicKey,
		})
	}
	return Authority{
		Node:   b.Index,
		Policy: b.Policy,
		Group:  group,
		Context: models.SigningContext{
			NodeID:     b.Index,
			Epoch:      b.Epoch,
			PolicyHash: commitment.PolicyHash(b.Policy),
		},
	}, nil
}

// Authority resolves who must sign kind against this state
func (s *State) Authority(kind models.TreeOpKind) (Authority, error) {
	target, err := s.target(kind)
	if err != nil {
		return Authority{}, err
	}
	return s.AuthorityAt(target)
}

// target is the node whose policy governs kind
func (s *State) target(kind models.TreeOpKind) (models.NodeIndex, error) {
	switch kind.Kind {
	case models.KindAddLeaf:
		if kind.AddLeaf == nil {
			break
		}
		return kind.AddLeaf.Under, nil
	case models.KindRemoveLeaf:
		if kind.RemoveLeaf == nil {
			break
		}
		l, ok := s.Leaves[kind.RemoveLeaf.LeafID]
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownLeaf, kind.RemoveLeaf.LeafID)
		}
		return l.Parent, nil
	case models.KindChangePolicy:
		if kind.ChangePolicy == nil {
			break
		}
		return kind.ChangePolicy.Node, nil
	case models.KindRotateEpoch:
		if kind.RotateEpoch == nil {
			break
		}
		return s.commonAncestor(kind.RotateEpoch.Affected)
	case models.KindRecoveryInitiate, models.KindRecoveryGrant:
		node, ok := s.RecoveryNode()
		if !ok {
			return 0, ErrNoRecoverySubtree
		}
		return node, nil
	case models.KindRecoveryCancel:
		return models.RootNode, nil
	}
	return 0, fmt.Errorf("%w: %s", models.ErrMalformedOp, kind.Kind)
}

// commonAncestor is the deepest branch that is an ancestor of (or equal to)
// every node in nodes. An empty list resolves to the root.
func (s *State) commonAncestor(nodes []models.NodeIndex) (models.NodeIndex, error) {
	if len(nodes) == 0 {
		return models.RootNode, nil
	}
	var common []models.NodeIndex
	for i, n := range nodes {
		if _, ok := s.Branches[n]; !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownNode, n)
		}
		path := s.pathToRoot(n)
		// reverse so the root comes first
		for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
			path[l], path[r] = path[r], path[l]
		}
		if i == 0 {
			common = path
			continue
		}
		k := 0
		for k < len(common) && k < len(path) && common[k] == path[k] {
			k++
		}
		common = common[:k]
	}
	if len(common) == 0 {
		return models.RootNode, nil
	}
	return common[len(common)-1], nil
}

// Verify checks op's quorum proof against the authority it implies in s
func (s *State) Verify(op models.AttestedOp, scheme threshold.Scheme) error {
	auth, err := s.Authority(op.Op.Kind)
	if err != nil {
		return err
	}
	if int(op.SignerCount) < auth.Group.Threshold {
		return fmt.Errorf("%w: %d signers, node %d needs %d",
			ErrInsufficientSigner, op.SignerCount, auth.Node, auth.Group.Threshold)
	}
	n, err := scheme.Signers(op.AggregateSignature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if n != int(op.SignerCount) {
		return fmt.Errorf("%w: signer count %d, aggregate carries %d", ErrBadSignature, op.SignerCount, n)
	}
	msg := commitment.BindingMessage(auth.Context, op.Op)
	if !scheme.VerifyAggregate(auth.Group, msg, op.AggregateSignature) {
		return fmt.Errorf("%w: node %d epoch %d", ErrBadSignature, auth.Node, auth.Context.Epoch)
	}
	return nil
}
