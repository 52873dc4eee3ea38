package snapshot

import (
	"sort"

	"authority-tree/commitment"
	"authority-tree/models"
	"authority-tree/oplog"
	"authority-tree/repository"
	"authority-tree/threshold"
)

// Compact retracts ops onto the part a snapshot does not summarize: the
// operations anchored at or above the cut, deduplicated and in hash order.
// It never adds an operation and distributes over set union.
func Compact(snap models.Snapshot, ops []models.AttestedOp) []models.AttestedOp {
	seen := make(map[models.Hash32]models.AttestedOp, len(ops))
	for _, op := range ops {
		if op.Op.ParentEpoch < snap.CutEpoch {
			continue
		}
		seen[commitment.HashOp(op)] = op
	}
	hashes := make([]models.Hash32, 0, len(seen))
	for h := range seen {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Compare(hashes[j]) < 0 })
	out := make([]models.AttestedOp, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, seen[h])
	}
	return out
}

// Bootstrap verifies a committed snapshot and starts a log from it,
// replaying only the operations above the cut.
func Bootstrap(snap models.Snapshot, ops []models.AttestedOp, scheme threshold.Scheme,
	repo repository.OpRepositoryInterface) (*oplog.OpLog, oplog.MergeResult, error) {
	if _, err := Verify(snap, scheme); err != nil {
		return nil, oplog.MergeResult{}, err
	}
	return oplog.Bootstrap(snap, Compact(snap, ops), scheme, repo)
}
