package dag

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/threshold"
	"authority-tree/tree"
)

// InvariantViolationError reports an operation whose application broke a
// structural invariant. The reduction still completes along the remaining
// valid chain; the violation is surfaced, never masked.
type InvariantViolationError struct {
	Op  models.Hash32
	Err *tree.InvariantError
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("reduction invariant violation at op %s: %v", e.Op.Short(), e.Err)
}

func (e *InvariantViolationError) Unwrap() error { return e.Err }

// Checkpoint is one step of the canonical chain
type Checkpoint struct {
	Op  models.Hash32    `json:"op"`
	Key models.ParentKey `json:"key"`
}

// Result is the outcome of one reduction
type Result struct {
	State      *tree.State
	Applied    []models.Hash32
	Superseded []models.Hash32
	Rejected   map[models.Hash32]error
	Chain      []Checkpoint
}

// Reducer is a pure function of its base state and the operation set
type Reducer struct {
	base   *tree.State
	scheme threshold.Scheme
}

// NewReducer reduces from base. With a nil scheme signatures are assumed
// to have been checked on intake and are not re-verified.
func NewReducer(base *tree.State, scheme threshold.Scheme) *Reducer {
	return &Reducer{base: base, scheme: scheme}
}

func (r *Reducer) Base() *tree.State { return r.base }

func (r *Reducer) Reduce(ops []models.AttestedOp) (*Result, error) {
	return r.ReduceGraph(NewGraph(ops), math.MaxUint64)
}

// ReduceTo stops once the canonical chain reaches epoch
func (r *Reducer) ReduceTo(ops []models.AttestedOp, epoch uint64) (*Result, error) {
	return r.ReduceGraph(NewGraph(ops), epoch)
}

// ReduceGraph walks the canonical chain from the base up to epoch. The
// returned error is nil or an *InvariantViolationError for the first
// violation met; the result is complete in both cases.
func (r *Reducer) ReduceGraph(g *Graph, epoch uint64) (*Result, error) {
	log := logger.Named("reducer")
	res := &Result{
		State:    r.base,
		Rejected: make(map[models.Hash32]error),
	}
	var violation *InvariantViolationError

	state := r.base
	for state.Epoch < epoch {
		var winner *tree.State
		var winnerHash models.Hash32
		for _, h := range g.Children(state.Key()) {
			op, _ := g.Op(h)
			next, err := r.step(state, op)
			if err != nil {
				res.Rejected[h] = err
				var inv *InvariantViolationError
				if errors.As(err, &inv) {
					inv.Op = h
					if violation == nil {
						violation = inv
					}
					log.Error("invariant violation", zap.String("op", h.Short()), zap.Error(inv.Err))
				} else {
					log.Debug("fork candidate rejected", zap.String("op", h.Short()), zap.Error(err))
				}
				continue
			}
			winner, winnerHash = next, h
			break
		}
		if winner == nil {
			break
		}
		state = winner
		res.Applied = append(res.Applied, winnerHash)
		res.Chain = append(res.Chain, Checkpoint{Op: winnerHash, Key: state.Key()})
	}
	res.State = state

	applied := make(map[models.Hash32]struct{}, len(res.Applied))
	for _, h := range res.Applied {
		applied[h] = struct{}{}
	}
	for _, h := range g.Hashes() {
		if _, ok := applied[h]; ok {
			continue
		}
		if _, ok := res.Rejected[h]; ok {
			continue
		}
		res.Superseded = append(res.Superseded, h)
	}

	if violation != nil {
		return res, violation
	}
	return res, nil
}

// step verifies, applies and checks one operation against state
func (r *Reducer) step(state *tree.State, op models.AttestedOp) (*tree.State, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if r.scheme != nil {
		if err := state.Verify(op, r.scheme); err != nil {
			return nil, err
		}
	}
	next, err := state.Apply(op.Op)
	if err != nil {
		return nil, err
	}
	if err := tree.CheckInvariants(state, next); err != nil {
		var inv *tree.InvariantError
		if errors.As(err, &inv) {
			return nil, &InvariantViolationError{Err: inv}
		}
		return nil, err
	}
	return next, nil
}

// Exploration is every state reachable from a base through operations
// that verify and apply, visited in topological order.
type Exploration struct {
	States   map[models.ParentKey]*tree.State
	Accepted []models.Hash32
	Rejected map[models.Hash32]error
	// Pending operations reference a parent that never became reachable
	Pending []models.Hash32
}

// Explore applies every operation whose parent is reachable, forks
// included. Operation logs use it to rebuild their state cache.
func (r *Reducer) Explore(g *Graph) *Exploration {
	ex := &Exploration{
		States:   map[models.ParentKey]*tree.State{r.base.Key(): r.base},
		Rejected: make(map[models.Hash32]error),
	}
	queue := []models.ParentKey{r.base.Key()}
	seen := make(map[models.Hash32]struct{})
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		state := ex.States[key]
		for _, h := range g.Children(key) {
			seen[h] = struct{}{}
			op, _ := g.Op(h)
			next, err := r.step(state, op)
			if err != nil {
				ex.Rejected[h] = err
				continue
			}
			ex.Accepted = append(ex.Accepted, h)
			if _, known := ex.States[next.Key()]; !known {
				ex.States[next.Key()] = next
				queue = append(queue, next.Key())
			}
		}
	}
	for _, h := range g.Hashes() {
		if _, ok := seen[h]; !ok {
			ex.Pending = append(ex.Pending, h)
		}
	}
	return ex
}
