package ceremony

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authority-tree/commitment"
	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/threshold"
	"authority-tree/tree"
)

const DefaultTimeout = 30 * time.Second

// Log is what the coordinator needs from the operation log
type Log interface {
	State() (*tree.State, error)
	Append(op models.AttestedOp) (models.Hash32, error)
}

// Proposal is what signers are asked to attest
type Proposal struct {
	ID        uuid.UUID             `json:"id"`
	Op        models.TreeOp         `json:"op"`
	Authority models.NodeIndex      `json:"authority"`
	Context   models.SigningContext `json:"context"`
	Group     threshold.GroupKey    `json:"group"`
	Message   []byte                `json:"message"`
	Deadline  time.Time             `json:"deadline"`
}

type ceremony struct {
	proposal Proposal
	session  *Session
	// held by the one Aggregate call combining and appending
	turn   chan struct{}
	result *models.AttestedOp
}

// Coordinator drives ceremonies from proposal to an attested operation in
// the log. All of its state is in memory.
type Coordinator struct {
	log     Log
	scheme  threshold.Scheme
	timeout time.Duration
	nonces  *NonceRegistry

	mu         sync.Mutex
	ceremonies map[uuid.UUID]*ceremony
	zl         *zap.Logger
}

func NewCoordinator(log Log, scheme threshold.Scheme, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		log:        log,
		scheme:     scheme,
		timeout:    timeout,
		nonces:     NewNonceRegistry(),
		ceremonies: make(map[uuid.UUID]*ceremony),
		zl:         logger.Named("ceremony"),
	}
}

func (c *Coordinator) Scheme() threshold.Scheme { return c.scheme }

// Propose anchors kind to the current canonical state and opens a ceremony
// for the authority it implies.
func (c *Coordinator) Propose(kind models.TreeOpKind) (Proposal, error) {
	state, err := c.log.State()
	if state == nil {
		return Proposal{}, err
	}
	if err != nil {
		c.zl.Warn("proposing on a state with an invariant violation", zap.Error(err))
	}
	return c.ProposeOn(state, kind)
}

// ProposeOn opens a ceremony for kind anchored to state. The operation is
// dry-run first so a proposal that cannot apply never reaches signers.
func (c *Coordinator) ProposeOn(state *tree.State, kind models.TreeOpKind) (Proposal, error) {
	op := models.TreeOp{
		ParentEpoch:      state.Epoch,
		ParentCommitment: state.Commitment,
		Kind:             kind,
		Version:          models.CurrentVersion,
	}
	if err := op.Validate(); err != nil {
		return Proposal{}, err
	}
	auth, err := state.Authority(kind)
	if err != nil {
		return Proposal{}, err
	}
	if _, err := state.Apply(op); err != nil {
		return Proposal{}, err
	}

	p := Proposal{
		ID:        uuid.New(),
		Op:        op,
		Authority: auth.Node,
		Context:   auth.Context,
		Group:     auth.Group,
		Message:   commitment.BindingMessage(auth.Context, op),
		Deadline:  time.Now().Add(c.timeout),
	}
	s := NewSession(c.scheme, p.Group, p.Context, p.Message, p.Deadline, c.nonces)

	c.mu.Lock()
	c.ceremonies[p.ID] = &ceremony{proposal: p, session: s, turn: make(chan struct{}, 1)}
	c.mu.Unlock()

	c.zl.Info("ceremony proposed",
		zap.Stringer("id", p.ID),
		zap.Stringer("kind", kind.Kind),
		zap.Uint32("node", uint32(auth.Node)),
		zap.Int("threshold", auth.Group.Threshold),
		zap.Time("deadline", p.Deadline))
	return p, nil
}

func (c *Coordinator) get(id uuid.UUID) (*ceremony, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cer, ok := c.ceremonies[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	return cer, nil
}

func (c *Coordinator) Proposal(id uuid.UUID) (Proposal, error) {
	cer, err := c.get(id)
	if err != nil {
		return Proposal{}, err
	}
	return cer.proposal, nil
}

// Proposals lists the open ceremonies
func (c *Coordinator) Proposals() []Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Proposal, 0, len(c.ceremonies))
	for _, cer := range c.ceremonies {
		switch cer.session.Status() {
		case StatusProposed, StatusAttesting:
			out = append(out, cer.proposal)
		}
	}
	return out
}

func (c *Coordinator) Contribute(id uuid.UUID, part threshold.Partial) error {
	cer, err := c.get(id)
	if err != nil {
		return err
	}
	if err := cer.session.Contribute(part); err != nil {
		c.zl.Debug("partial refused", zap.Stringer("id", id), zap.Uint32("signer", part.Signer), zap.Error(err))
		return err
	}
	c.zl.Debug("partial accepted",
		zap.Stringer("id", id),
		zap.Uint32("signer", part.Signer),
		zap.Int("have", cer.session.Count()),
		zap.Int("need", cer.proposal.Group.Threshold))
	return nil
}

// Aggregate blocks until the ceremony reaches quorum, then combines the
// partials and appends the attested operation to the log. A timeout or a
// rejected append aborts the ceremony with ErrAborted. Concurrent calls
// for one ceremony take turns and all return the same operation.
func (c *Coordinator) Aggregate(ctx context.Context, id uuid.UUID) (models.AttestedOp, error) {
	cer, err := c.get(id)
	if err != nil {
		return models.AttestedOp{}, err
	}
	select {
	case cer.turn <- struct{}{}:
	case <-ctx.Done():
		return models.AttestedOp{}, ctx.Err()
	}
	defer func() { <-cer.turn }()

	c.mu.Lock()
	done := cer.result
	c.mu.Unlock()
	if done != nil {
		return *done, nil
	}

	parts, err := cer.session.Wait(ctx)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			c.zl.Info("ceremony aborted", zap.Stringer("id", id), zap.Error(cer.session.Reason()))
		}
		return models.AttestedOp{}, err
	}
	sig, err := c.scheme.Aggregate(parts)
	if err != nil {
		cer.session.Abort(err)
		return models.AttestedOp{}, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	op := models.AttestedOp{
		Op:                 cer.proposal.Op,
		AggregateSignature: sig,
		SignerCount:        uint16(len(parts)),
	}
	h, err := c.log.Append(op)
	if err != nil {
		cer.session.Abort(err)
		return models.AttestedOp{}, fmt.Errorf("%w: %w", ErrAborted, err)
	}

	c.mu.Lock()
	cer.result = &op
	c.mu.Unlock()
	cer.session.Finalize()
	c.zl.Info("ceremony finalized",
		zap.Stringer("id", id),
		zap.String("op", h.Short()),
		zap.Int("signers", len(parts)))
	return op, nil
}

// Cancel aborts an open ceremony
func (c *Coordinator) Cancel(id uuid.UUID, reason error) error {
	cer, err := c.get(id)
	if err != nil {
		return err
	}
	if reason == nil {
		reason = errors.New("cancelled")
	}
	cer.session.Abort(reason)
	c.zl.Info("ceremony cancelled", zap.Stringer("id", id), zap.Error(reason))
	return nil
}

func (c *Coordinator) Status(id uuid.UUID) (Status, error) {
	cer, err := c.get(id)
	if err != nil {
		return 0, err
	}
	return cer.session.Status(), nil
}

// Sweep aborts ceremonies past their deadline and forgets closed ones. It
// returns how many ceremonies were dropped.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for id, cer := range c.ceremonies {
		st := cer.session.Status()
		if (st == StatusProposed || st == StatusAttesting) && now.After(cer.proposal.Deadline) {
			cer.session.Abort(ErrTimeout)
			st = StatusAborted
		}
		if st == StatusFinalized || st == StatusAborted {
			delete(c.ceremonies, id)
			dropped++
		}
	}
	if dropped > 0 {
		c.zl.Debug("ceremonies swept", zap.Int("dropped", dropped))
	}
	return dropped
}

// Retire forgets nonces bound to contexts that state no longer produces
func (c *Coordinator) Retire(state *tree.State) {
	c.nonces.Forget(func(ctx models.SigningContext) bool {
		auth, err := state.AuthorityAt(ctx.NodeID)
		return err == nil && auth.Context == ctx
	})
}
