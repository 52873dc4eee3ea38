package peer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"authority-tree/logger"
	"authority-tree/oplog"
	"authority-tree/repository"
	"authority-tree/snapshot"
	"authority-tree/threshold"
	"authority-tree/tree"
)

// Bootstrap starts an empty replica from c: its latest committed snapshot
// plus the operations above the cut, or a replay from genesis when the peer
// has never compacted.
func Bootstrap(ctx context.Context, c *Client, genesis *tree.State, scheme threshold.Scheme,
	repo repository.OpRepositoryInterface) (*oplog.OpLog, oplog.MergeResult, error) {
	snap, err := c.LatestSnapshot(ctx)
	if err != nil {
		return nil, oplog.MergeResult{}, err
	}
	ops, err := c.Ops(ctx)
	if err != nil {
		return nil, oplog.MergeResult{}, err
	}

	var (
		log *oplog.OpLog
		res oplog.MergeResult
	)
	if snap == nil {
		log, res = oplog.Replay(genesis, ops, scheme, repo)
	} else if log, res, err = snapshot.Bootstrap(*snap, ops, scheme, repo); err != nil {
		return nil, oplog.MergeResult{}, fmt.Errorf("snapshot from %s: %w", c.baseURL, err)
	}

	fields := []zap.Field{
		zap.String("peer", c.baseURL),
		zap.Int("accepted", len(res.Accepted)),
		zap.Int("rejected", len(res.Rejected)),
	}
	if snap != nil {
		fields = append(fields, zap.Uint64("cut", snap.CutEpoch))
	}
	logger.Named("peer").Info("replica bootstrapped", fields...)
	return log, res, nil
}
