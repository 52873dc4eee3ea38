// Package recovery drives the guardian recovery flow on top of ceremonies.
// A recovery is opened by the guardian quorum, waits out its cooldown and
// is then either granted by the guardians or cancelled by the account.
// The cooldown itself is enforced when the grant is applied; the checks
// here only keep a replica from proposing a grant that cannot apply.
package recovery

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"authority-tree/ceremony"
	"authority-tree/commitment"
	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/tree"
)

// Clock returns the current time
type Clock func() time.Time

// Protocol proposes recovery operations through a coordinator
type Protocol struct {
	coord *ceremony.Coordinator
	log   ceremony.Log
	clock Clock
	zl    *zap.Logger
}

func New(coord *ceremony.Coordinator, log ceremony.Log, clock Clock) *Protocol {
	if clock == nil {
		clock = time.Now
	}
	return &Protocol{coord: coord, log: log, clock: clock, zl: logger.Named("recovery")}
}

func (p *Protocol) state() (*tree.State, error) {
	s, err := p.log.State()
	if s == nil {
		return nil, err
	}
	return s, nil
}

func (p *Protocol) now() uint64 { return uint64(p.clock().Unix()) }

// Initiate proposes opening a recovery that becomes grantable after
// cooldown. The guardian quorum signs it.
func (p *Protocol) Initiate(cooldown time.Duration) (ceremony.Proposal, error) {
	state, err := p.state()
	if err != nil {
		return ceremony.Proposal{}, err
	}
	secs := uint64(cooldown / time.Second)
	if secs < state.MinCooldown {
		return ceremony.Proposal{}, fmt.Errorf("%w: %ds < %ds", tree.ErrCooldownTooShort, secs, state.MinCooldown)
	}
	t0 := p.now()
	prop, err := p.coord.ProposeOn(state, models.NewRecoveryInitiate(t0, secs))
	if err != nil {
		return ceremony.Proposal{}, err
	}
	p.zl.Info("recovery initiation proposed",
		zap.Stringer("proposal", prop.ID),
		zap.String("recovery", ID(prop.Op).Short()),
		zap.Uint64("t0", t0),
		zap.Uint64("cooldown", secs))
	return prop, nil
}

// Grant proposes applying action under an open recovery. It fails with
// tree.ErrCooldownActive before the recovery is ready.
func (p *Protocol) Grant(recovery models.Hash32, action models.TreeOpKind) (ceremony.Proposal, error) {
	state, err := p.state()
	if err != nil {
		return ceremony.Proposal{}, err
	}
	r, ok := state.Recoveries[recovery]
	if !ok {
		return ceremony.Proposal{}, fmt.Errorf("%w: %s", tree.ErrUnknownRecovery, recovery.Short())
	}
	now := p.now()
	if now < r.ReadyAt() {
		return ceremony.Proposal{}, fmt.Errorf("%w: ready in %ds", tree.ErrCooldownActive, r.ReadyAt()-now)
	}
	prop, err := p.coord.ProposeOn(state, models.NewRecoveryGrant(recovery, now, action))
	if err != nil {
		return ceremony.Proposal{}, err
	}
	p.zl.Info("recovery grant proposed",
		zap.Stringer("proposal", prop.ID),
		zap.String("recovery", recovery.Short()),
		zap.Stringer("action", action.Kind))
	return prop, nil
}

// Cancel proposes closing an open recovery. The account's root quorum
// signs it.
func (p *Protocol) Cancel(recovery models.Hash32) (ceremony.Proposal, error) {
	state, err := p.state()
	if err != nil {
		return ceremony.Proposal{}, err
	}
	if _, ok := state.Recoveries[recovery]; !ok {
		return ceremony.Proposal{}, fmt.Errorf("%w: %s", tree.ErrUnknownRecovery, recovery.Short())
	}
	return p.coord.ProposeOn(state, models.NewRecoveryCancel(recovery))
}

// ReadyAt reports when recovery becomes grantable
func (p *Protocol) ReadyAt(recovery models.Hash32) (time.Time, error) {
	state, err := p.state()
	if err != nil {
		return time.Time{}, err
	}
	r, ok := state.Recoveries[recovery]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", tree.ErrUnknownRecovery, recovery.Short())
	}
	return time.Unix(int64(r.ReadyAt()), 0), nil
}

// Pending lists the open recoveries in the canonical state
func (p *Protocol) Pending() ([]tree.Recovery, error) {
	state, err := p.state()
	if err != nil {
		return nil, err
	}
	return state.PendingRecoveries(), nil
}

// ID is the recovery id an initiating operation opens
func ID(op models.TreeOp) models.Hash32 { return commitment.HashTreeOp(op) }
