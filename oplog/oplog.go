// Package oplog is a replica's operation log: an insert-only set of
// attested operations keyed by content hash, merged by set union and
// reduced on demand to the canonical tree state.
package oplog

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"authority-tree/commitment"
	"authority-tree/dag"
	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/repository"
	"authority-tree/threshold"
	"authority-tree/tree"
)

var (
	ErrStaleSnapshot    = errors.New("snapshot does not advance the cut")
	ErrSnapshotMismatch = errors.New("snapshot image does not match its commitment")
	ErrClockSkew        = errors.New("timestamp outside the local clock window")
)

// DefaultClockSkew bounds how far a recovery timestamp may sit from the
// local clock when the operation is taken in
const DefaultClockSkew = 5 * time.Minute

type nonceKey struct {
	ctx   models.SigningContext
	nonce threshold.Nonce
}

// intake is what an accepted live operation reserved in the replay index
type intake struct {
	treeOp models.Hash32
	nonces []nonceKey
}

// MergeResult reports what a batch merge did with each operation
type MergeResult struct {
	Accepted []models.Hash32
	Rejected map[models.Hash32]error
}

// OpLog is safe for concurrent use
type OpLog struct {
	mu       sync.RWMutex
	scheme   threshold.Scheme
	repo     repository.OpRepositoryInterface
	base     *tree.State
	snapshot *models.Snapshot
	graph    *dag.Graph
	archived map[models.Hash32]models.AttestedOp
	// every state reachable from base through accepted operations
	states map[models.ParentKey]*tree.State

	// replay index: operation content and signer nonces already attested
	treeOps map[models.Hash32]models.Hash32
	nonces  map[nonceKey]models.Hash32
	intakes map[models.Hash32]intake

	// nil while replaying operations this replica already accepted
	clock func() time.Time
	skew  time.Duration
	log   *zap.Logger
}

// New creates an empty log over base. repo may be nil for a purely
// in-memory log.
func New(base *tree.State, scheme threshold.Scheme, repo repository.OpRepositoryInterface) *OpLog {
	return &OpLog{
		scheme:   scheme,
		repo:     repo,
		base:     base,
		graph:    dag.NewGraph(nil),
		archived: make(map[models.Hash32]models.AttestedOp),
		states:   map[models.ParentKey]*tree.State{base.Key(): base},
		treeOps:  make(map[models.Hash32]models.Hash32),
		nonces:   make(map[nonceKey]models.Hash32),
		intakes:  make(map[models.Hash32]intake),
		clock:    time.Now,
		skew:     DefaultClockSkew,
		log:      logger.Named("oplog"),
	}
}

// SetClock replaces the clock recovery timestamps are checked against
func (l *OpLog) SetClock(clock func() time.Time, skew time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if clock == nil {
		clock = time.Now
	}
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	l.clock, l.skew = clock, skew
}

// Append validates op against the state it extends and inserts it
func (l *OpLog) Append(op models.AttestedOp) (models.Hash32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(op, true)
}

func (l *OpLog) appendLocked(op models.AttestedOp, persist bool) (models.Hash32, error) {
	h := commitment.HashOp(op)
	if err := op.Validate(); err != nil {
		return h, reject(h, ReasonMalformed, err)
	}
	if _, ok := l.graph.Op(h); ok {
		return h, reject(h, ReasonDuplicate, nil)
	}
	if _, ok := l.archived[h]; ok {
		return h, reject(h, ReasonDuplicate, nil)
	}
	// one TreeOp is held under one aggregate: the one with the larger hash
	th := commitment.HashTreeOp(op.Op)
	prior, attested := l.treeOps[th]
	if attested {
		if _, live := l.intakes[prior]; !live || h.Compare(prior) < 0 {
			return h, reject(h, ReasonDuplicate, fmt.Errorf("operation already attested as %s", prior.Short()))
		}
	}
	if l.snapshot != nil && op.Op.ParentEpoch < l.snapshot.CutEpoch {
		return h, reject(h, ReasonStale, fmt.Errorf("parent epoch %d below snapshot cut %d",
			op.Op.ParentEpoch, l.snapshot.CutEpoch))
	}
	parent, ok := l.states[op.Op.Parent()]
	if !ok {
		return h, reject(h, ReasonUnknownParent, fmt.Errorf("parent %s not reachable", op.Op.Parent()))
	}
	if err := parent.Verify(op, l.scheme); err != nil {
		return h, reject(h, classify(err), err)
	}
	keys, err := l.nonceKeys(parent, op)
	if err != nil {
		return h, reject(h, classify(err), err)
	}
	for _, key := range keys {
		if owner, used := l.nonces[key]; used && !(attested && owner == prior) {
			return h, reject(h, ReasonNonceReuse, fmt.Errorf("nonce already bound by %s under node %d epoch %d",
				owner.Short(), key.ctx.NodeID, key.ctx.Epoch))
		}
	}
	if l.clock != nil {
		if err := checkClock(op.Op.Kind, l.clock(), l.skew); err != nil {
			return h, reject(h, ReasonInvalid, err)
		}
	}
	next, err := parent.Apply(op.Op)
	if err != nil {
		return h, reject(h, classify(err), err)
	}

	if persist && l.repo != nil {
		if err := l.repo.PutOp(h, op); err != nil {
			return h, fmt.Errorf("persisting operation %s: %w", h.Short(), err)
		}
	}
	if attested {
		if persist && l.repo != nil {
			if err := l.repo.DeleteOp(prior); err != nil {
				return h, fmt.Errorf("dropping aggregate %s: %w", prior.Short(), err)
			}
		}
		l.graph.Remove(prior)
		l.forget(prior, false)
		l.log.Info("aggregate replaced", zap.String("old", prior.Short()), zap.String("new", h.Short()))
	}
	l.graph.Add(op)
	l.treeOps[th] = h
	for _, key := range keys {
		l.nonces[key] = h
	}
	l.intakes[h] = intake{treeOp: th, nonces: keys}
	if _, known := l.states[next.Key()]; !known {
		l.states[next.Key()] = next
	}
	l.log.Info("operation accepted",
		zap.String("op", h.Short()),
		zap.Stringer("kind", op.Op.Kind.Kind),
		zap.Stringer("parent", op.Op.Parent()),
		zap.Stringer("result", next.Key()))
	return h, nil
}

// nonceKeys binds each signer nonce in op to the signing context op was
// verified under
func (l *OpLog) nonceKeys(parent *tree.State, op models.AttestedOp) ([]nonceKey, error) {
	auth, err := parent.Authority(op.Op.Kind)
	if err != nil {
		return nil, err
	}
	nonces, err := l.scheme.Nonces(op.AggregateSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tree.ErrBadSignature, err)
	}
	keys := make([]nonceKey, len(nonces))
	for i, n := range nonces {
		keys[i] = nonceKey{ctx: auth.Context, nonce: n}
	}
	return keys, nil
}

// checkClock holds recovery timestamps to the local clock: an initiation
// starts within skew of now and a grant cannot claim a later issue time.
func checkClock(kind models.TreeOpKind, now time.Time, skew time.Duration) error {
	lo, hi := now.Add(-skew).Unix(), now.Add(skew).Unix()
	switch kind.Kind {
	case models.KindRecoveryInitiate:
		t0 := kind.RecoveryInitiate.T0
		if t0 > math.MaxInt64 || int64(t0) < lo || int64(t0) > hi {
			return fmt.Errorf("%w: recovery t0 %d, local clock %d", ErrClockSkew, t0, now.Unix())
		}
	case models.KindRecoveryGrant:
		issued := kind.RecoveryGrant.IssuedAt
		if issued > math.MaxInt64 || int64(issued) > hi {
			return fmt.Errorf("%w: grant issued at %d, local clock %d", ErrClockSkew, issued, now.Unix())
		}
	}
	return nil
}

// forget releases the replay index entries of an operation leaving the
// live set. Archived operations keep their content hash reserved.
func (l *OpLog) forget(h models.Hash32, keepContent bool) {
	in, ok := l.intakes[h]
	if !ok {
		return
	}
	for _, key := range in.nonces {
		delete(l.nonces, key)
	}
	if !keepContent {
		delete(l.treeOps, in.treeOp)
	}
	delete(l.intakes, h)
}

// Merge unions a batch into the log. Operations may arrive in any order:
// the batch is retried until no further operation becomes acceptable, so
// the outcome does not depend on delivery order. Duplicates are ignored.
func (l *OpLog) Merge(ops []models.AttestedOp) MergeResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mergeLocked(ops, true)
}

func (l *OpLog) mergeLocked(ops []models.AttestedOp, persist bool) MergeResult {
	res := MergeResult{Rejected: make(map[models.Hash32]error)}
	pending := append([]models.AttestedOp(nil), ops...)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Op.ParentEpoch < pending[j].Op.ParentEpoch
	})

	for progress := true; progress && len(pending) > 0; {
		progress = false
		var waiting []models.AttestedOp
		for _, op := range pending {
			h, err := l.appendLocked(op, persist)
			switch {
			case err == nil:
				res.Accepted = append(res.Accepted, h)
				delete(res.Rejected, h)
				progress = true
			case IsRejected(err, ReasonDuplicate):
			case IsRejected(err, ReasonUnknownParent):
				res.Rejected[h] = err
				waiting = append(waiting, op)
			default:
				res.Rejected[h] = err
				l.log.Warn("operation rejected", zap.String("op", h.Short()), zap.Error(err))
			}
		}
		pending = waiting
	}
	return res
}

// Reduce runs the deterministic reduction over the log
func (l *OpLog) Reduce() (*dag.Result, error) {
	return l.ReduceTo(math.MaxUint64)
}

// ReduceTo reduces the canonical chain up to epoch
func (l *OpLog) ReduceTo(epoch uint64) (*dag.Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	// signatures were verified on intake
	return dag.NewReducer(l.base, nil).ReduceGraph(l.graph, epoch)
}

// State is the canonical state. On an invariant violation the state of the
// remaining valid chain is returned along with the error.
func (l *OpLog) State() (*tree.State, error) {
	res, err := l.Reduce()
	return res.State, err
}

// StateAt returns a reachable state by key, forks included
func (l *OpLog) StateAt(key models.ParentKey) (*tree.State, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.states[key]
	return s, ok
}

func (l *OpLog) Get(h models.Hash32) (models.AttestedOp, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if op, ok := l.graph.Op(h); ok {
		return op, true
	}
	op, ok := l.archived[h]
	return op, ok
}

// Ops returns the live operations, above the snapshot cut, in hash order
func (l *OpLog) Ops() []models.AttestedOp {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hashes := l.graph.Hashes()
	out := make([]models.AttestedOp, 0, len(hashes))
	for _, h := range hashes {
		op, _ := l.graph.Op(h)
		out = append(out, op)
	}
	return out
}

// Archived returns operations below the snapshot cut kept by an archive
// retention policy
func (l *OpLog) Archived() []models.AttestedOp {
	l.mu.RLock()
	defer l.mu.RUnlock()
	hashes := make([]models.Hash32, 0, len(l.archived))
	for h := range l.archived {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Compare(hashes[j]) < 0 })
	out := make([]models.AttestedOp, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, l.archived[h])
	}
	return out
}

func (l *OpLog) Hashes() []models.Hash32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.graph.Hashes()
}

// Digest summarizes the live operation set for anti-entropy
func (l *OpLog) Digest() models.Hash32 {
	return commitment.DigestSet(l.Hashes())
}

// Missing returns the hashes in have that this log does not hold
func (l *OpLog) Missing(have []models.Hash32) []models.Hash32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Hash32
	for _, h := range have {
		if _, ok := l.graph.Op(h); ok {
			continue
		}
		if _, ok := l.archived[h]; ok {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (l *OpLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.graph.Len()
}

// Base is the state reduction starts from: genesis or the latest snapshot
func (l *OpLog) Base() *tree.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base
}

// Snapshot returns the latest applied snapshot, or nil
func (l *OpLog) Snapshot() *models.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot
}

func (l *OpLog) Scheme() threshold.Scheme { return l.scheme }

// ApplySnapshot re-bases the log on a committed snapshot. Operations whose
// parent lies below the cut leave the live set: an archive retention keeps
// them, prune deletes them. The snapshot's signature must already have been
// verified.
func (l *OpLog) ApplySnapshot(snap models.Snapshot, retention models.RetentionPolicy) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.snapshot != nil && snap.CutEpoch <= l.snapshot.CutEpoch {
		return fmt.Errorf("%w: cut %d, current %d", ErrStaleSnapshot, snap.CutEpoch, l.snapshot.CutEpoch)
	}
	base, err := tree.DecodeImage(snap.CompactedState)
	if err != nil {
		return err
	}
	if base.Key() != snap.Key() {
		return fmt.Errorf("%w: image is %s, snapshot claims %s", ErrSnapshotMismatch, base.Key(), snap.Key())
	}
	if l.repo != nil {
		if err := l.repo.PutSnapshot(&snap); err != nil {
			return fmt.Errorf("persisting snapshot: %w", err)
		}
	}

	var live []models.AttestedOp
	for _, h := range l.graph.Hashes() {
		op, _ := l.graph.Op(h)
		if op.Op.ParentEpoch >= snap.CutEpoch {
			live = append(live, op)
			continue
		}
		switch retention {
		case models.RetainPrune:
			if l.repo != nil {
				if err := l.repo.DeleteOp(h); err != nil {
					return fmt.Errorf("pruning %s: %w", h.Short(), err)
				}
			}
			l.forget(h, false)
		default:
			l.archived[h] = op
			l.forget(h, true)
		}
	}
	if retention == models.RetainPrune {
		// history kept by an earlier archive snapshot goes too
		for h, op := range l.archived {
			if l.repo != nil {
				if err := l.repo.DeleteOp(h); err != nil {
					return fmt.Errorf("pruning archived %s: %w", h.Short(), err)
				}
			}
			delete(l.treeOps, commitment.HashTreeOp(op.Op))
			delete(l.archived, h)
		}
	}

	s := snap
	l.snapshot = &s
	l.rebase(base, live)
	l.log.Info("snapshot applied",
		zap.Uint64("cut", snap.CutEpoch),
		zap.String("commitment", snap.TreeCommitment.Short()),
		zap.Stringer("retention", retention),
		zap.Int("live_ops", l.graph.Len()),
		zap.Int("archived_ops", len(l.archived)))
	return nil
}

// rebase rebuilds the graph and state cache over base from live ops
func (l *OpLog) rebase(base *tree.State, live []models.AttestedOp) {
	l.base = base
	l.graph = dag.NewGraph(live)
	ex := dag.NewReducer(base, nil).Explore(l.graph)
	l.states = ex.States
}

// Load rebuilds a log from its repository: the latest snapshot, if any,
// becomes the base and stored operations are re-validated against it.
func Load(genesis *tree.State, scheme threshold.Scheme, repo repository.OpRepositoryInterface) (*OpLog, error) {
	snap, err := repo.GetLatestSnapshot()
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	base := genesis
	if snap != nil {
		if base, err = tree.DecodeImage(snap.CompactedState); err != nil {
			return nil, fmt.Errorf("loading snapshot %d: %w", snap.CutEpoch, err)
		}
		if base.Key() != snap.Key() {
			return nil, fmt.Errorf("loading snapshot %d: %w", snap.CutEpoch, ErrSnapshotMismatch)
		}
	}
	ops, err := repo.GetAllOps()
	if err != nil {
		return nil, fmt.Errorf("loading operations: %w", err)
	}

	l := New(base, scheme, repo)
	l.snapshot = snap
	var live []models.AttestedOp
	for _, op := range ops {
		if snap != nil && op.Op.ParentEpoch < snap.CutEpoch {
			h := commitment.HashOp(op)
			l.archived[h] = op
			l.treeOps[commitment.HashTreeOp(op.Op)] = h
			continue
		}
		live = append(live, op)
	}
	// these were checked against the clock when first taken in
	l.clock = nil
	res := l.mergeLocked(live, false)
	l.clock = time.Now
	l.log.Info("operation log loaded",
		zap.Int("ops", l.graph.Len()),
		zap.Int("archived", len(l.archived)),
		zap.Int("dropped", len(res.Rejected)))
	return l, nil
}

// Bootstrap starts a fresh replica from a verified snapshot plus the
// operations above its cut.
func Bootstrap(snap models.Snapshot, ops []models.AttestedOp, scheme threshold.Scheme, repo repository.OpRepositoryInterface) (*OpLog, MergeResult, error) {
	base, err := tree.DecodeImage(snap.CompactedState)
	if err != nil {
		return nil, MergeResult{}, err
	}
	if base.Key() != snap.Key() {
		return nil, MergeResult{}, fmt.Errorf("%w: image is %s, snapshot claims %s", ErrSnapshotMismatch, base.Key(), snap.Key())
	}
	if repo != nil {
		if err := repo.PutSnapshot(&snap); err != nil {
			return nil, MergeResult{}, fmt.Errorf("persisting snapshot: %w", err)
		}
	}
	l := New(base, scheme, repo)
	l.snapshot = &snap
	return l, l.replay(ops), nil
}

// Replay starts a fresh replica from base with a peer's operations
func Replay(base *tree.State, ops []models.AttestedOp, scheme threshold.Scheme, repo repository.OpRepositoryInterface) (*OpLog, MergeResult) {
	l := New(base, scheme, repo)
	return l, l.replay(ops)
}

// replay takes in history the source replica already held to its clock
func (l *OpLog) replay(ops []models.AttestedOp) MergeResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	clock := l.clock
	l.clock = nil
	res := l.mergeLocked(ops, true)
	l.clock = clock
	return res
}
