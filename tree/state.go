// Package tree holds the materialized authority tree: a flat arena of
// branches and leaves addressed by index, plus the pure transition that
// applies one operation to a state and yields the next.
//
// A State is never mutated after it is published. Apply clones, applies,
// recomputes the affected commitments and returns the new state.
package tree

import (
	"sort"

	"authority-tree/commitment"
	"authority-tree/models"
	"authority-tree/policy"
)

// Branch is an interior node. Children and Leaves are kept sorted.
type Branch struct {
	Index      models.NodeIndex   `json:"index"`
	Parent     models.NodeIndex   `json:"parent"`
	Policy     policy.Policy      `json:"policy"`
	Epoch      uint64             `json:"epoch"`
	Reserved   bool               `json:"reserved,omitempty"`
	Children   []models.NodeIndex `json:"children,omitempty"`
	Leaves     []models.LeafID    `json:"leaves,omitempty"`
	Commitment models.Hash32      `json:"commitment"`
}

func (b *Branch) clone() *Branch {
	out := *b
	out.Children = append([]models.NodeIndex(nil), b.Children...)
	out.Leaves = append([]models.LeafID(nil), b.Leaves...)
	return &out
}

// Leaf is a device or guardian slot. Retired leaves are blanked, never removed.
type Leaf struct {
	Node       models.LeafNode     `json:"node"`
	Parent     models.NodeIndex    `json:"parent"`
	Retired    bool                `json:"retired,omitempty"`
	Reason     models.RemoveReason `json:"reason,omitempty"`
	Commitment models.Hash32       `json:"commitment"`
}

// Recovery is an open recovery window
type Recovery struct {
	ID       models.Hash32 `json:"id"`
	T0       uint64        `json:"t0"`
	Cooldown uint64        `json:"cooldown"`
}

// ReadyAt is the first instant (unix seconds) at which a grant is accepted
func (r Recovery) ReadyAt() uint64 { return r.T0 + r.Cooldown }

// State is one canonical tree state
type State struct {
	Epoch       uint64
	Commitment  models.Hash32
	MinCooldown uint64
	Branches    map[models.NodeIndex]*Branch
	Leaves      map[models.LeafID]*Leaf
	Recoveries  map[models.Hash32]Recovery
}

func newEmptyState() *State {
	return &State{
		Branches:   make(map[models.NodeIndex]*Branch),
		Leaves:     make(map[models.LeafID]*Leaf),
		Recoveries: make(map[models.Hash32]Recovery),
	}
}

// Key is the parent reference that operations extending s must carry
func (s *State) Key() models.ParentKey {
	return models.ParentKey{Epoch: s.Epoch, Commitment: s.Commitment}
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	out := newEmptyState()
	out.Epoch = s.Epoch
	out.Commitment = s.Commitment
	out.MinCooldown = s.MinCooldown
	for i, b := range s.Branches {
		out.Branches[i] = b.clone()
	}
	for id, l := range s.Leaves {
		leaf := *l
		leaf.Node = l.Node.Clone()
		out.Leaves[id] = &leaf
	}
	for id, r := range s.Recoveries {
		out.Recoveries[id] = r
	}
	return out
}

func (s *State) Branch(i models.NodeIndex) (*Branch, bool) {
	b, ok := s.Branches[i]
	return b, ok
}

func (s *State) Leaf(id models.LeafID) (*Leaf, bool) {
	l, ok := s.Leaves[id]
	return l, ok
}

// ActiveLeaves returns the ids of all non-retired leaves, sorted
func (s *State) ActiveLeaves() []models.LeafID {
	out := make([]models.LeafID, 0, len(s.Leaves))
	for id, l := range s.Leaves {
		if !l.Retired {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// BranchIndices returns every branch index, sorted
func (s *State) BranchIndices() []models.NodeIndex {
	out := make([]models.NodeIndex, 0, len(s.Branches))
	for i := range s.Branches {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecoveryNode returns the root of the reserved recovery subtree
func (s *State) RecoveryNode() (models.NodeIndex, bool) {
	for _, i := range s.BranchIndices() {
		if s.Branches[i].Reserved {
			return i, true
		}
	}
	return 0, false
}

// InReserved reports whether node lies in the recovery subtree
func (s *State) InReserved(node models.NodeIndex) bool {
	for steps := 0; steps <= len(s.Branches); steps++ {
		b, ok := s.Branches[node]
		if !ok {
			return false
		}
		if b.Reserved {
			return true
		}
		if node == models.RootNode {
			return false
		}
		node = b.Parent
	}
	return false
}

// pathToRoot returns node followed by its ancestors up to and including the root
func (s *State) pathToRoot(node models.NodeIndex) []models.NodeIndex {
	path := []models.NodeIndex{node}
	for steps := 0; steps < len(s.Branches); steps++ {
		if node == models.RootNode {
			break
		}
		b, ok := s.Branches[node]
		if !ok {
			break
		}
		node = b.Parent
		path = append(path, node)
	}
	return path
}

func (s *State) depth(node models.NodeIndex) int {
	return len(s.pathToRoot(node)) - 1
}

// descendants returns node and every branch below it
func (s *State) descendants(node models.NodeIndex) []models.NodeIndex {
	out := []models.NodeIndex{node}
	for i := 0; i < len(out); i++ {
		if b, ok := s.Branches[out[i]]; ok {
			out = append(out, b.Children...)
		}
	}
	return out
}

// PendingRecoveries returns open recovery windows sorted by id
func (s *State) PendingRecoveries() []Recovery {
	out := make([]Recovery, 0, len(s.Recoveries))
	for _, r := range s.Recoveries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

func (s *State) commitLeaf(l *Leaf) models.Hash32 {
	epoch := uint64(0)
	if parent, ok := s.Branches[l.Parent]; ok {
		epoch = parent.Epoch
	}
	if l.Retired {
		return commitment.CommitBlankLeaf(l.Node.LeafID, epoch)
	}
	return commitment.CommitLeaf(l.Node, epoch)
}

// commitBranch assumes child branch and leaf commitments are current.
// Child branches come first in NodeIndex order, then leaves in LeafID order.
func (s *State) commitBranch(b *Branch) models.Hash32 {
	children := make([]models.Hash32, 0, len(b.Children)+len(b.Leaves))
	for _, c := range b.Children {
		children = append(children, s.Branches[c].Commitment)
	}
	for _, id := range b.Leaves {
		children = append(children, s.Leaves[id].Commitment)
	}
	left, right := commitment.CommitChildren(children)
	return commitment.CommitBranch(b.Index, b.Epoch, b.Policy, left, right)
}

func (s *State) commitRoot() models.Hash32 {
	pending := s.PendingRecoveries()
	inputs := make([]commitment.PendingRecovery, 0, len(pending))
	for _, r := range pending {
		inputs = append(inputs, commitment.PendingRecovery{ID: r.ID, T0: r.T0, Cooldown: r.Cooldown})
	}
	root := s.Branches[models.RootNode]
	return commitment.CommitRoot(s.Epoch, root.Commitment, commitment.CommitRecoveries(inputs))
}

// recompute refreshes the commitments of the affected branches, their
// leaves and every ancestor, deepest first, then the tree commitment.
func (s *State) recompute(affected []models.NodeIndex) {
	set := make(map[models.NodeIndex]struct{})
	for _, node := range affected {
		for _, n := range s.pathToRoot(node) {
			set[n] = struct{}{}
		}
	}
	order := make([]models.NodeIndex, 0, len(set))
	for n := range set {
		if _, ok := s.Branches[n]; ok {
			order = append(order, n)
		}
	}
	depths := make(map[models.NodeIndex]int, len(order))
	for _, n := range order {
		depths[n] = s.depth(n)
	}
	sort.Slice(order, func(i, j int) bool {
		if depths[order[i]] != depths[order[j]] {
			return depths[order[i]] > depths[order[j]]
		}
		return order[i] < order[j]
	})
	for _, n := range order {
		b := s.Branches[n]
		for _, id := range b.Leaves {
			l := s.Leaves[id]
			l.Commitment = s.commitLeaf(l)
		}
		b.Commitment = s.commitBranch(b)
	}
	s.Commitment = s.commitRoot()
}

func (s *State) recomputeAll() {
	s.recompute(s.BranchIndices())
}

func insertNode(list []models.NodeIndex, v models.NodeIndex) []models.NodeIndex {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func insertLeaf(list []models.LeafID, v models.LeafID) []models.LeafID {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = v
	return list
}

func containsNode(list []models.NodeIndex, v models.NodeIndex) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	return i < len(list) && list[i] == v
}

func containsLeaf(list []models.LeafID, v models.LeafID) bool {
	i := sort.Search(len(list), func(i int) bool { return list[i] >= v })
	return i < len(list) && list[i] == v
}
