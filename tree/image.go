package tree

import (
	"fmt"
	"sort"

	"authority-tree/codec"
	"authority-tree/models"
)

// Image is the canonical serialized form of a State, used as a snapshot's
// compacted state. Slices are sorted so equal states encode identically.
type Image struct {
	Epoch       uint64        `json:"epoch"`
	MinCooldown uint64        `json:"min_cooldown"`
	Commitment  models.Hash32 `json:"commitment"`
	Branches    []Branch      `json:"branches"`
	Leaves      []Leaf        `json:"leaves,omitempty"`
	Recoveries  []Recovery    `json:"recoveries,omitempty"`
}

func (s *State) Image() Image {
	img := Image{
		Epoch:       s.Epoch,
		MinCooldown: s.MinCooldown,
		Commitment:  s.Commitment,
		Recoveries:  s.PendingRecoveries(),
	}
	for _, i := range s.BranchIndices() {
		img.Branches = append(img.Branches, *s.Branches[i].clone())
	}
	ids := make([]models.LeafID, 0, len(s.Leaves))
	for id := range s.Leaves {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		l := *s.Leaves[id]
		l.Node = l.Node.Clone()
		img.Leaves = append(img.Leaves, l)
	}
	return img
}

// EncodeImage returns the deterministic CBOR encoding of s
func (s *State) EncodeImage() ([]byte, error) {
	return codec.Marshal(s.Image())
}

// FromImage rebuilds a state and checks that every stored commitment
// matches a full recomputation.
func FromImage(img Image) (*State, error) {
	s := newEmptyState()
	s.Epoch = img.Epoch
	s.MinCooldown = img.MinCooldown
	for _, b := range img.Branches {
		if _, dup := s.Branches[b.Index]; dup {
			return nil, fmt.Errorf("%w: branch %d repeated", ErrBadImage, b.Index)
		}
		if err := b.Policy.Validate(); err != nil {
			return nil, fmt.Errorf("%w: branch %d: %v", ErrBadImage, b.Index, err)
		}
		s.Branches[b.Index] = b.clone()
	}
	for _, l := range img.Leaves {
		if _, dup := s.Leaves[l.Node.LeafID]; dup {
			return nil, fmt.Errorf("%w: leaf %d repeated", ErrBadImage, l.Node.LeafID)
		}
		leaf := l
		leaf.Node = l.Node.Clone()
		s.Leaves[l.Node.LeafID] = &leaf
	}
	for _, r := range img.Recoveries {
		s.Recoveries[r.ID] = r
	}
	if err := s.checkStructure(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	s.Commitment = img.Commitment
	if err := s.checkCommitments(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return s, nil
}

// DecodeImage is FromImage over the CBOR encoding
func DecodeImage(data []byte) (*State, error) {
	var img Image
	if err := codec.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return FromImage(img)
}
