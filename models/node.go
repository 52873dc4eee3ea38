package models

import (
	"errors"
	"fmt"
)

// NodeIndex addresses a branch in the tree arena
type NodeIndex uint32

// LeafID addresses a leaf in the tree arena
type LeafID uint32

// RootNode is the account root. Every other branch descends from it.
const RootNode NodeIndex = 0

// Role of a leaf
type Role uint8

const (
	RoleDevice Role = iota + 1
	RoleGuardian
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleGuardian:
		return "guardian"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole accepts "device" or "guardian"
func ParseRole(s string) (Role, error) {
	switch s {
	case "device":
		return RoleDevice, nil
	case "guardian":
		return RoleGuardian, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// LeafNode is a device or guardian holding a signing key
type LeafNode struct {
	LeafID    LeafID            `json:"leaf_id"`
	Role      Role              `json:"role"`
	PublicKey []byte            `json:"public_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (l LeafNode) Validate() error {
	if l.Role != RoleDevice && l.Role != RoleGuardian {
		return fmt.Errorf("leaf %d: unknown role %d", l.LeafID, l.Role)
	}
	if len(l.PublicKey) == 0 {
		return fmt.Errorf("leaf %d: %w", l.LeafID, errors.New("empty public key"))
	}
	return nil
}

// Clone returns a deep copy
func (l LeafNode) Clone() LeafNode {
	out := l
	out.PublicKey = append([]byte(nil), l.PublicKey...)
	if l.Metadata != nil {
		out.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ParentKey identifies a tree state an operation is anchored to
type ParentKey struct {
	Epoch      uint64 `json:"epoch"`
	Commitment Hash32 `json:"commitment"`
}

func (k ParentKey) String() string {
	return fmt.Sprintf("%d/%s", k.Epoch, k.Commitment.Short())
}

// SigningContext binds signature shares and nonces to one node, epoch and policy
type SigningContext struct {
	NodeID     NodeIndex `json:"node_id"`
	Epoch      uint64    `json:"epoch"`
	PolicyHash Hash32    `json:"policy_hash"`
}
