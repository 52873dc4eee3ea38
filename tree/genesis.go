package tree

import (
	"fmt"

	"authority-tree/models"
	"authority-tree/policy"
)

// GenesisBranch describes one branch of the initial tree
type GenesisBranch struct {
	Index    models.NodeIndex `json:"index"`
	Parent   models.NodeIndex `json:"parent"`
	Policy   policy.Policy    `json:"policy"`
	Reserved bool             `json:"reserved,omitempty"`
}

// GenesisLeaf places one initial device or guardian
type GenesisLeaf struct {
	Leaf  models.LeafNode  `json:"leaf"`
	Under models.NodeIndex `json:"under"`
}

// Genesis is the agreed starting point every replica derives epoch 0 from
type Genesis struct {
	Branches    []GenesisBranch `json:"branches"`
	Leaves      []GenesisLeaf   `json:"leaves"`
	MinCooldown uint64          `json:"min_cooldown"`
}

// NewState builds the epoch-0 state. Two replicas given the same genesis
// compute the same commitment regardless of slice order.
func NewState(g Genesis) (*State, error) {
	s := newEmptyState()
	s.MinCooldown = g.MinCooldown

	reserved := 0
	for _, gb := range g.Branches {
		if _, dup := s.Branches[gb.Index]; dup {
			return nil, fmt.Errorf("%w: branch %d declared twice", ErrBadGenesis, gb.Index)
		}
		if err := gb.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: branch %d: %v", ErrBadGenesis, gb.Index, err)
		}
		if gb.Reserved {
			reserved++
			if gb.Index == models.RootNode {
				return nil, fmt.Errorf("%w: root cannot be the recovery subtree", ErrBadGenesis)
			}
		}
		parent := gb.Parent
		if gb.Index == models.RootNode {
			parent = models.RootNode
		}
		s.Branches[gb.Index] = &Branch{
			Index:    gb.Index,
			Parent:   parent,
			Policy:   gb.Policy,
			Reserved: gb.Reserved,
		}
	}
	if _, ok := s.Branches[models.RootNode]; !ok {
		return nil, fmt.Errorf("%w: no root branch", ErrBadGenesis)
	}
	if reserved > 1 {
		return nil, fmt.Errorf("%w: %d recovery subtrees", ErrBadGenesis, reserved)
	}

	for _, i := range s.BranchIndices() {
		if i == models.RootNode {
			continue
		}
		b := s.Branches[i]
		parent, ok := s.Branches[b.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: branch %d has unknown parent %d", ErrBadGenesis, i, b.Parent)
		}
		parent.Children = insertNode(parent.Children, i)
	}

	for _, gl := range g.Leaves {
		if err := gl.Leaf.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadGenesis, err)
		}
		if _, dup := s.Leaves[gl.Leaf.LeafID]; dup {
			return nil, fmt.Errorf("%w: leaf %d declared twice", ErrBadGenesis, gl.Leaf.LeafID)
		}
		b, ok := s.Branches[gl.Under]
		if !ok {
			return nil, fmt.Errorf("%w: leaf %d under unknown branch %d", ErrBadGenesis, gl.Leaf.LeafID, gl.Under)
		}
		if err := s.checkRole(gl.Leaf.Role, gl.Under); err != nil {
			return nil, fmt.Errorf("%w: leaf %d: %v", ErrBadGenesis, gl.Leaf.LeafID, err)
		}
		s.Leaves[gl.Leaf.LeafID] = &Leaf{Node: gl.Leaf.Clone(), Parent: gl.Under}
		b.Leaves = insertLeaf(b.Leaves, gl.Leaf.LeafID)
	}

	if err := s.checkStructure(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGenesis, err)
	}
	if _, err := s.AuthorityAt(models.RootNode); err != nil {
		return nil, fmt.Errorf("%w: root: %v", ErrBadGenesis, err)
	}
	s.recomputeAll()
	return s, nil
}

// checkRole keeps guardians inside the recovery subtree and devices outside it
func (s *State) checkRole(role models.Role, under models.NodeIndex) error {
	inReserved := s.InReserved(under)
	switch {
	case inReserved && role != models.RoleGuardian:
		return fmt.Errorf("%w: %s under recovery subtree", ErrRoleMismatch, role)
	case !inReserved && role != models.RoleDevice:
		return fmt.Errorf("%w: %s outside recovery subtree", ErrRoleMismatch, role)
	}
	return nil
}
