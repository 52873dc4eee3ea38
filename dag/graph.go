// Package dag reduces an unordered set of attested operations to the one
// canonical tree state every replica agrees on.
//
// Operations form a DAG through their parent references. Where several
// operations extend the same parent the one with the largest content hash
// that verifies and applies cleanly wins; the others and everything built
// on them are superseded.
package dag

import (
	"sort"

	"authority-tree/commitment"
	"authority-tree/models"
)

// Graph indexes operations by content hash and by parent reference
type Graph struct {
	ops      map[models.Hash32]models.AttestedOp
	children map[models.ParentKey][]models.Hash32
}

func NewGraph(ops []models.AttestedOp) *Graph {
	g := &Graph{
		ops:      make(map[models.Hash32]models.AttestedOp, len(ops)),
		children: make(map[models.ParentKey][]models.Hash32),
	}
	for _, op := range ops {
		g.Add(op)
	}
	return g
}

// Add inserts op and reports its hash and whether it was new
func (g *Graph) Add(op models.AttestedOp) (models.Hash32, bool) {
	h := commitment.HashOp(op)
	if _, dup := g.ops[h]; dup {
		return h, false
	}
	g.ops[h] = op
	key := op.Op.Parent()
	list := g.children[key]
	// descending hash order
	i := sort.Search(len(list), func(i int) bool { return list[i].Compare(h) < 0 })
	list = append(list, models.Hash32{})
	copy(list[i+1:], list[i:])
	list[i] = h
	g.children[key] = list
	return h, true
}

// Remove deletes h and reports whether it was present
func (g *Graph) Remove(h models.Hash32) bool {
	op, ok := g.ops[h]
	if !ok {
		return false
	}
	delete(g.ops, h)
	key := op.Op.Parent()
	list := g.children[key]
	for i, c := range list {
		if c == h {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.children, key)
	} else {
		g.children[key] = list
	}
	return true
}

func (g *Graph) Op(h models.Hash32) (models.AttestedOp, bool) {
	op, ok := g.ops[h]
	return op, ok
}

func (g *Graph) Len() int { return len(g.ops) }

// Children returns the operations extending key, largest hash first
func (g *Graph) Children(key models.ParentKey) []models.Hash32 {
	return g.children[key]
}

// Hashes returns every operation hash in ascending order
func (g *Graph) Hashes() []models.Hash32 {
	out := make([]models.Hash32, 0, len(g.ops))
	for h := range g.ops {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}
