package tree

import (
	"fmt"

	"authority-tree/models"
	"authority-tree/policy"
)

// CheckInvariants verifies that next is a lawful successor of prev. It
// returns an *InvariantError for the first violation found.
func CheckInvariants(prev, next *State) error {
	if next.Epoch <= prev.Epoch {
		return violation(InvariantEpochMonotonic, "epoch %d after %d", next.Epoch, prev.Epoch)
	}
	for i, pb := range prev.Branches {
		nb, ok := next.Branches[i]
		if !ok {
			return violation(InvariantFactsAccumulate, "branch %d disappeared", i)
		}
		if nb.Epoch < pb.Epoch {
			return violation(InvariantEpochMonotonic, "branch %d epoch %d after %d", i, nb.Epoch, pb.Epoch)
		}
		if !policy.LessOrEqual(nb.Policy, pb.Policy) {
			return violation(InvariantAuthorityShrinks, "branch %d %s -> %s", i, pb.Policy, nb.Policy)
		}
	}
	for id, pl := range prev.Leaves {
		nl, ok := next.Leaves[id]
		if !ok {
			return violation(InvariantFactsAccumulate, "leaf %d disappeared", id)
		}
		if pl.Retired && !nl.Retired {
			return violation(InvariantFactsAccumulate, "leaf %d came back after retirement", id)
		}
	}
	if err := next.checkStructure(); err != nil {
		return violation(InvariantAcyclic, "%v", err)
	}
	if err := next.checkCommitments(); err != nil {
		return violation(InvariantCommitmentIntegrity, "%v", err)
	}
	return nil
}

// checkStructure verifies that parent and child links agree and that every
// branch reaches the root.
func (s *State) checkStructure() error {
	root, ok := s.Branches[models.RootNode]
	if !ok {
		return fmt.Errorf("no root branch")
	}
	if root.Parent != models.RootNode {
		return fmt.Errorf("root has parent %d", root.Parent)
	}
	for i, b := range s.Branches {
		if b.Index != i {
			return fmt.Errorf("branch %d stored at %d", b.Index, i)
		}
		if i != models.RootNode {
			parent, ok := s.Branches[b.Parent]
			if !ok {
				return fmt.Errorf("branch %d has unknown parent %d", i, b.Parent)
			}
			if !containsNode(parent.Children, i) {
				return fmt.Errorf("branch %d missing from parent %d", i, b.Parent)
			}
			cur, steps := i, 0
			for cur != models.RootNode {
				if steps > len(s.Branches) {
					return fmt.Errorf("cycle through branch %d", i)
				}
				cur = s.Branches[cur].Parent
				steps++
			}
		}
		for _, c := range b.Children {
			child, ok := s.Branches[c]
			if !ok || child.Parent != i || c == models.RootNode {
				return fmt.Errorf("branch %d lists bad child %d", i, c)
			}
		}
		for _, id := range b.Leaves {
			l, ok := s.Leaves[id]
			if !ok || l.Parent != i {
				return fmt.Errorf("branch %d lists bad leaf %d", i, id)
			}
		}
	}
	for id, l := range s.Leaves {
		if l.Node.LeafID != id {
			return fmt.Errorf("leaf %d stored at %d", l.Node.LeafID, id)
		}
		parent, ok := s.Branches[l.Parent]
		if !ok || !containsLeaf(parent.Leaves, id) {
			return fmt.Errorf("leaf %d detached from parent %d", id, l.Parent)
		}
	}
	return nil
}

// checkCommitments recomputes every commitment from scratch and compares
func (s *State) checkCommitments() error {
	fresh := s.Clone()
	fresh.recomputeAll()
	for i, b := range s.Branches {
		if fresh.Branches[i].Commitment != b.Commitment {
			return fmt.Errorf("branch %d commitment %s, recomputed %s",
				i, b.Commitment.Short(), fresh.Branches[i].Commitment.Short())
		}
	}
	for id, l := range s.Leaves {
		if fresh.Leaves[id].Commitment != l.Commitment {
			return fmt.Errorf("leaf %d commitment stale", id)
		}
	}
	if fresh.Commitment != s.Commitment {
		return fmt.Errorf("tree commitment %s, recomputed %s", s.Commitment.Short(), fresh.Commitment.Short())
	}
	return nil
}
