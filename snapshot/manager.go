// Package snapshot runs threshold-approved compaction of the operation log.
// A replica proposes a cut, peers recompute the same state on their own
// logs and vote, and once the root quorum has signed the snapshot replaces
// the history below the cut.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authority-tree/ceremony"
	"authority-tree/commitment"
	"authority-tree/dag"
	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/threshold"
	"authority-tree/tree"
)

var (
	ErrDisagreement    = errors.New("snapshot disagreement")
	ErrCutUnreachable  = errors.New("canonical chain does not reach the cut")
	ErrBelowCurrentCut = errors.New("cut does not advance the latest snapshot")
	ErrBadSnapshot     = errors.New("snapshot signature does not verify")
)

// Config is the local snapshot policy
type Config struct {
	// HighWaterMark is how many epochs past the base the log grows before
	// a snapshot is proposed
	HighWaterMark   uint64
	ApprovalTimeout time.Duration
	Retention       models.RetentionPolicy
}

func DefaultConfig() Config {
	return Config{
		HighWaterMark:   1000,
		ApprovalTimeout: 2 * time.Minute,
		Retention:       models.RetainPrune,
	}
}

// Log is what the manager needs from the operation log
type Log interface {
	State() (*tree.State, error)
	Base() *tree.State
	ReduceTo(epoch uint64) (*dag.Result, error)
	ApplySnapshot(snap models.Snapshot, retention models.RetentionPolicy) error
}

// Proposal is a candidate cut as sent to peers
type Proposal struct {
	ID             uuid.UUID             `json:"id"`
	Cut            uint64                `json:"cut"`
	TreeCommitment models.Hash32         `json:"tree_commitment"`
	ImageHash      models.Hash32         `json:"image_hash"`
	Context        models.SigningContext `json:"context"`
	Group          threshold.GroupKey    `json:"group"`
	Message        []byte                `json:"message"`
	Deadline       time.Time             `json:"deadline"`
}

type pending struct {
	proposal Proposal
	image    []byte
	session  *ceremony.Session
}

type Manager struct {
	log    Log
	scheme threshold.Scheme
	cfg    Config
	nonces *ceremony.NonceRegistry

	mu        sync.Mutex
	proposals map[uuid.UUID]*pending
	zl        *zap.Logger
}

func NewManager(log Log, scheme threshold.Scheme, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.HighWaterMark == 0 {
		cfg.HighWaterMark = def.HighWaterMark
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = def.ApprovalTimeout
	}
	if cfg.Retention == 0 {
		cfg.Retention = def.Retention
	}
	return &Manager{
		log:       log,
		scheme:    scheme,
		cfg:       cfg,
		nonces:    ceremony.NewNonceRegistry(),
		proposals: make(map[uuid.UUID]*pending),
		zl:        logger.Named("snapshot"),
	}
}

func (m *Manager) Config() Config { return m.cfg }

// ShouldPropose reports whether the log has grown past the high-water mark
// and, if so, the cut to propose: the current canonical epoch.
func (m *Manager) ShouldPropose() (uint64, bool) {
	state, err := m.log.State()
	if err != nil || state == nil {
		return 0, false
	}
	base := m.log.Base().Epoch
	if state.Epoch <= base || state.Epoch-base < m.cfg.HighWaterMark {
		return 0, false
	}
	return state.Epoch, true
}

// candidate reduces the local log to cut and derives what would be signed
func (m *Manager) candidate(cut uint64) (*tree.State, []byte, tree.Authority, error) {
	if cut <= m.log.Base().Epoch {
		return nil, nil, tree.Authority{}, fmt.Errorf("%w: cut %d, base %d", ErrBelowCurrentCut, cut, m.log.Base().Epoch)
	}
	res, err := m.log.ReduceTo(cut)
	if err != nil {
		return nil, nil, tree.Authority{}, err
	}
	if res.State.Epoch != cut {
		return nil, nil, tree.Authority{}, fmt.Errorf("%w: reached %d, want %d", ErrCutUnreachable, res.State.Epoch, cut)
	}
	image, err := res.State.EncodeImage()
	if err != nil {
		return nil, nil, tree.Authority{}, err
	}
	auth, err := res.State.AuthorityAt(models.RootNode)
	if err != nil {
		return nil, nil, tree.Authority{}, err
	}
	return res.State, image, auth, nil
}

// Propose computes the state at cut and opens an approval round for it
func (m *Manager) Propose(cut uint64) (Proposal, error) {
	state, image, auth, err := m.candidate(cut)
	if err != nil {
		return Proposal{}, err
	}
	imageHash := commitment.HashImage(image)
	p := Proposal{
		ID:             uuid.New(),
		Cut:            cut,
		TreeCommitment: state.Commitment,
		ImageHash:      imageHash,
		Context:        auth.Context,
		Group:          auth.Group,
		Message:        commitment.SnapshotMessage(auth.Context, cut, state.Commitment, imageHash),
		Deadline:       time.Now().Add(m.cfg.ApprovalTimeout),
	}
	s := ceremony.NewSession(m.scheme, p.Group, p.Context, p.Message, p.Deadline, m.nonces)

	m.mu.Lock()
	m.proposals[p.ID] = &pending{proposal: p, image: image, session: s}
	m.mu.Unlock()

	m.zl.Info("snapshot proposed",
		zap.Stringer("id", p.ID),
		zap.Uint64("cut", cut),
		zap.String("commitment", state.Commitment.Short()),
		zap.Int("threshold", p.Group.Threshold))
	return p, nil
}

// Verify recomputes the proposal on the local log. Any difference in the
// state, its image or the signing context is a disagreement.
func (m *Manager) Verify(p Proposal) error {
	state, image, auth, err := m.candidate(p.Cut)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisagreement, err)
	}
	switch {
	case state.Commitment != p.TreeCommitment:
		return fmt.Errorf("%w: commitment at %d is %s, proposal has %s",
			ErrDisagreement, p.Cut, state.Commitment.Short(), p.TreeCommitment.Short())
	case commitment.HashImage(image) != p.ImageHash:
		return fmt.Errorf("%w: image hash differs at %d", ErrDisagreement, p.Cut)
	case auth.Context != p.Context:
		return fmt.Errorf("%w: signing context differs at %d", ErrDisagreement, p.Cut)
	}
	want := commitment.SnapshotMessage(auth.Context, p.Cut, state.Commitment, p.ImageHash)
	if string(want) != string(p.Message) {
		return fmt.Errorf("%w: message differs at %d", ErrDisagreement, p.Cut)
	}
	return nil
}

// Vote verifies p independently and, on agreement, signs it with share
func (m *Manager) Vote(p Proposal, share threshold.Share) (threshold.Partial, error) {
	if err := m.Verify(p); err != nil {
		m.zl.Warn("refusing to vote for snapshot", zap.Stringer("id", p.ID), zap.Uint64("cut", p.Cut), zap.Error(err))
		return threshold.Partial{}, err
	}
	return ceremony.SignPartial(m.scheme, share, p.Message)
}

func (m *Manager) get(id uuid.UUID) (*pending, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ceremony.ErrUnknownProposal, id)
	}
	return p, nil
}

func (m *Manager) Proposal(id uuid.UUID) (Proposal, error) {
	p, err := m.get(id)
	if err != nil {
		return Proposal{}, err
	}
	return p.proposal, nil
}

func (m *Manager) Status(id uuid.UUID) (ceremony.Status, error) {
	p, err := m.get(id)
	if err != nil {
		return 0, err
	}
	return p.session.Status(), nil
}

// Approve records a peer's vote
func (m *Manager) Approve(id uuid.UUID, part threshold.Partial) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	return p.session.Contribute(part)
}

// Reject aborts the proposal. A snapshot is never forced through once any
// peer computed a different state.
func (m *Manager) Reject(id uuid.UUID, reason error) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	if reason == nil {
		reason = ErrDisagreement
	} else if !errors.Is(reason, ErrDisagreement) {
		reason = fmt.Errorf("%w: %w", ErrDisagreement, reason)
	}
	p.session.Abort(reason)
	m.zl.Warn("snapshot rejected", zap.Stringer("id", id), zap.Uint64("cut", p.proposal.Cut), zap.Error(reason))
	return nil
}

// Commit waits for the approval quorum, then applies the signed snapshot to
// the local log under the configured retention.
func (m *Manager) Commit(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	p, err := m.get(id)
	if err != nil {
		return models.Snapshot{}, err
	}
	defer func() {
		m.mu.Lock()
		delete(m.proposals, id)
		m.mu.Unlock()
	}()

	parts, err := p.session.Wait(ctx)
	if err != nil {
		return models.Snapshot{}, err
	}
	sig, err := m.scheme.Aggregate(parts)
	if err != nil {
		p.session.Abort(err)
		return models.Snapshot{}, fmt.Errorf("%w: %w", ceremony.ErrAborted, err)
	}
	snap := models.Snapshot{
		CutEpoch:           p.proposal.Cut,
		TreeCommitment:     p.proposal.TreeCommitment,
		CompactedState:     p.image,
		Retention:          m.cfg.Retention,
		AggregateSignature: sig,
		SignerCount:        uint16(len(parts)),
	}
	if err := m.log.ApplySnapshot(snap, m.cfg.Retention); err != nil {
		p.session.Abort(err)
		return models.Snapshot{}, fmt.Errorf("%w: %w", ceremony.ErrAborted, err)
	}
	p.session.Finalize()
	m.zl.Info("snapshot committed",
		zap.Stringer("id", id),
		zap.Uint64("cut", snap.CutEpoch),
		zap.Int("signers", len(parts)))
	return snap, nil
}

// Accept takes in a snapshot a peer committed. Besides its own signature
// check the local log must reach the cut and agree with the commitment
// there; a replica without that history bootstraps instead.
func (m *Manager) Accept(snap models.Snapshot) error {
	if _, err := Verify(snap, m.scheme); err != nil {
		return err
	}
	if base := m.log.Base().Epoch; snap.CutEpoch <= base {
		return fmt.Errorf("%w: cut %d, base %d", ErrBelowCurrentCut, snap.CutEpoch, base)
	}
	res, err := m.log.ReduceTo(snap.CutEpoch)
	if err != nil {
		return err
	}
	if res.State.Epoch != snap.CutEpoch {
		return fmt.Errorf("%w: reached %d, want %d", ErrCutUnreachable, res.State.Epoch, snap.CutEpoch)
	}
	if res.State.Commitment != snap.TreeCommitment {
		return fmt.Errorf("%w: commitment at %d is %s, snapshot has %s",
			ErrDisagreement, snap.CutEpoch, res.State.Commitment.Short(), snap.TreeCommitment.Short())
	}
	if err := m.log.ApplySnapshot(snap, m.cfg.Retention); err != nil {
		return err
	}
	m.zl.Info("peer snapshot applied",
		zap.Uint64("cut", snap.CutEpoch),
		zap.String("commitment", snap.TreeCommitment.Short()),
		zap.Stringer("retention", m.cfg.Retention))
	return nil
}

// Sweep aborts proposals past their deadline
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.proposals {
		if now.After(p.proposal.Deadline) {
			p.session.Abort(ceremony.ErrTimeout)
			delete(m.proposals, id)
			n++
		}
	}
	return n
}

// Verify checks a committed snapshot received from a peer: the image must
// match the claimed commitment and the signature must come from the root
// quorum of the state the image describes. A bootstrapping replica has no
// other state to check against, so it trusts that quorum.
func Verify(snap models.Snapshot, scheme threshold.Scheme) (*tree.State, error) {
	state, err := tree.DecodeImage(snap.CompactedState)
	if err != nil {
		return nil, err
	}
	if state.Key() != snap.Key() {
		return nil, fmt.Errorf("%w: image is %s, snapshot claims %s", ErrBadSnapshot, state.Key(), snap.Key())
	}
	auth, err := state.AuthorityAt(models.RootNode)
	if err != nil {
		return nil, err
	}
	if int(snap.SignerCount) < auth.Group.Threshold {
		return nil, fmt.Errorf("%w: %d signers, root needs %d", ErrBadSnapshot, snap.SignerCount, auth.Group.Threshold)
	}
	n, err := scheme.Signers(snap.AggregateSignature)
	if err != nil || n != int(snap.SignerCount) {
		return nil, fmt.Errorf("%w: aggregate carries %d signers, claims %d", ErrBadSnapshot, n, snap.SignerCount)
	}
	msg := commitment.SnapshotMessage(auth.Context, snap.CutEpoch, snap.TreeCommitment, commitment.HashImage(snap.CompactedState))
	if !scheme.VerifyAggregate(auth.Group, msg, snap.AggregateSignature) {
		return nil, ErrBadSnapshot
	}
	return state, nil
}
