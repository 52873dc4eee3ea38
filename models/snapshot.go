package models

import "fmt"

// RetentionPolicy is what a replica does with history below a snapshot cut
type RetentionPolicy uint8

const (
	// RetainArchive keeps every operation, e.g. on an archival node
	RetainArchive RetentionPolicy = iota + 1
	// RetainPrune discards operations whose parent epoch is below the cut
	RetainPrune
)

func (r RetentionPolicy) String() string {
	switch r {
	case RetainArchive:
		return "archive"
	case RetainPrune:
		return "prune"
	default:
		return fmt.Sprintf("retention(%d)", uint8(r))
	}
}

func ParseRetention(s string) (RetentionPolicy, error) {
	switch s {
	case "archive":
		return RetainArchive, nil
	case "prune":
		return RetainPrune, nil
	}
	return 0, fmt.Errorf("unknown retention policy %q", s)
}

// Snapshot is a threshold-approved checkpoint of the canonical tree state
// at CutEpoch. CompactedState is the encoded tree image.
type Snapshot struct {
	CutEpoch           uint64          `json:"cut_epoch"`
	TreeCommitment     Hash32          `json:"tree_commitment"`
	CompactedState     []byte          `json:"compacted_state"`
	Retention          RetentionPolicy `json:"retention_policy"`
	AggregateSignature []byte          `json:"aggregate_signature"`
	SignerCount        uint16          `json:"signer_count"`
}

func (s Snapshot) Key() ParentKey {
	return ParentKey{Epoch: s.CutEpoch, Commitment: s.TreeCommitment}
}
