// Package ceremony runs the volatile signing rounds that turn a proposal
// into an attested operation. Nothing here is persisted: an aborted or
// expired ceremony leaves no trace in any log.
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"authority-tree/models"
	"authority-tree/threshold"
)

var (
	ErrAborted          = errors.New("ceremony aborted")
	ErrTimeout          = errors.New("ceremony timed out")
	ErrUnknownProposal  = errors.New("unknown proposal")
	ErrNotMember        = errors.New("signer is not a member of the group")
	ErrDuplicatePartial = errors.New("signer already contributed")
	ErrBadPartial       = errors.New("partial signature does not verify")
	ErrClosed           = errors.New("ceremony already closed")
)

// Status of a ceremony
type Status int

const (
	StatusProposed Status = iota
	StatusAttesting
	StatusFinalized
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusProposed:
		return "proposed"
	case StatusAttesting:
		return "attesting"
	case StatusFinalized:
		return "finalized"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Session collects verified partial signatures over one message until the
// group's threshold is met.
type Session struct {
	scheme   threshold.Scheme
	group    threshold.GroupKey
	context  models.SigningContext
	message  []byte
	deadline time.Time
	nonces   *NonceRegistry

	mu       sync.Mutex
	status   Status
	reason   error
	partials map[uint32]threshold.Partial
	// closed once the threshold is met or the session aborts
	done     chan struct{}
	doneOnce sync.Once
}

func NewSession(scheme threshold.Scheme, group threshold.GroupKey, ctx models.SigningContext,
	message []byte, deadline time.Time, nonces *NonceRegistry) *Session {
	if nonces == nil {
		nonces = NewNonceRegistry()
	}
	return &Session{
		scheme:   scheme,
		group:    group,
		context:  ctx,
		message:  message,
		deadline: deadline,
		nonces:   nonces,
		status:   StatusProposed,
		partials: make(map[uint32]threshold.Partial),
		done:     make(chan struct{}),
	}
}

func (s *Session) Message() []byte                { return s.message }
func (s *Session) Context() models.SigningContext { return s.context }
func (s *Session) Group() threshold.GroupKey      { return s.group }
func (s *Session) Deadline() time.Time            { return s.deadline }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Count returns how many partials have been accepted
func (s *Session) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.partials)
}

// Contribute verifies and records one partial
func (s *Session) Contribute(part threshold.Partial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusFinalized || s.status == StatusAborted {
		return fmt.Errorf("%w: %s", ErrClosed, s.status)
	}
	// the partial set is frozen at quorum
	if len(s.partials) >= s.group.Threshold {
		return fmt.Errorf("%w: quorum reached", ErrClosed)
	}
	member, ok := s.group.Member(part.Signer)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotMember, part.Signer)
	}
	if _, dup := s.partials[part.Signer]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicatePartial, part.Signer)
	}
	if !s.scheme.VerifyPartial(member.PublicKey, s.message, part) {
		return fmt.Errorf("%w: signer %d", ErrBadPartial, part.Signer)
	}
	if err := s.nonces.Use(s.context, part.Nonce); err != nil {
		return err
	}

	s.partials[part.Signer] = part
	s.status = StatusAttesting
	if len(s.partials) >= s.group.Threshold {
		s.doneOnce.Do(func() { close(s.done) })
	}
	return nil
}

// Wait blocks until the threshold is met and returns the partials in
// signer order. It aborts the session when the deadline passes.
func (s *Session) Wait(ctx context.Context) ([]threshold.Partial, error) {
	timer := time.NewTimer(time.Until(s.deadline))
	defer timer.Stop()

	select {
	case <-s.done:
	case <-timer.C:
		s.Abort(ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusAborted {
		return nil, fmt.Errorf("%w: %w", ErrAborted, s.reason)
	}
	parts := make([]threshold.Partial, 0, len(s.partials))
	for _, p := range s.partials {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Signer < parts[j].Signer })
	return parts, nil
}

// Abort closes the session without a result. It is a no-op once finalized.
func (s *Session) Abort(reason error) {
	s.mu.Lock()
	if s.status == StatusFinalized || s.status == StatusAborted {
		s.mu.Unlock()
		return
	}
	s.status = StatusAborted
	s.reason = reason
	s.partials = nil
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Finalize marks the session as having produced its aggregate
func (s *Session) Finalize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusAborted {
		s.status = StatusFinalized
	}
}

// Reason is why the session aborted, or nil
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
