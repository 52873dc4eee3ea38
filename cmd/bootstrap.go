package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"authority-tree/logger"
	"authority-tree/oplog"
	"authority-tree/peer"
	"authority-tree/repository"
	"authority-tree/threshold"
	"authority-tree/tree"
)

const peerTimeout = time.Minute

// bootstrap fills an empty store from the replica at url. A store that
// already holds history is loaded as usual.
func bootstrap(url string, s0 *tree.State, scheme threshold.Scheme, repo repository.OpRepositoryInterface) (*oplog.OpLog, error) {
	snap, err := repo.GetLatestSnapshot()
	if err != nil {
		return nil, err
	}
	ops, err := repo.GetAllOps()
	if err != nil {
		return nil, err
	}
	if snap != nil || len(ops) > 0 {
		logger.Logger.Warn("Local store is not empty, ignoring bootstrap peer", zap.String("peer", url))
		return oplog.Load(s0, scheme, repo)
	}

	client, err := peer.NewClient(url, &http.Client{Timeout: peerTimeout})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), peerTimeout)
	defer cancel()
	log, res, err := peer.Bootstrap(ctx, client, s0, scheme, repo)
	if err != nil {
		return nil, err
	}
	for h, reason := range res.Rejected {
		logger.Logger.Debug("Peer operation refused", zap.String("op", h.Short()), zap.Error(reason))
	}
	return log, nil
}
