package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"authority-tree/ceremony"
	"authority-tree/dag"
	"authority-tree/logger"
	"authority-tree/models"
	"authority-tree/oplog"
	"authority-tree/peer"
	"authority-tree/recovery"
	"authority-tree/snapshot"
	"authority-tree/threshold"
	"authority-tree/tree"
)

// Handler contains the HTTP handlers for a replica
type Handler struct {
	Log         *oplog.OpLog
	Coordinator *ceremony.Coordinator
	Snapshots   *snapshot.Manager
	Recovery    *recovery.Protocol
	// Share is the local signer, nil on a replica that only relays
	Share *threshold.Share
	// Peers are handed every snapshot this replica commits
	Peers []*peer.Client
}

// NewHandler creates and returns a new Handler instance
func NewHandler(log *oplog.OpLog, coord *ceremony.Coordinator, snaps *snapshot.Manager,
	rec *recovery.Protocol, share *threshold.Share) *Handler {
	return &Handler{Log: log, Coordinator: coord, Snapshots: snaps, Recovery: rec, Share: share}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Logger.Error("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		return false
	}
	return true
}

func proposalID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return uuid.UUID{}, false
	}
	return id, true
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var rej *oplog.RejectedError
	switch {
	case errors.As(err, &rej) && rej.Reason == oplog.ReasonDuplicate:
		return http.StatusConflict
	case errors.As(err, &rej):
		return http.StatusBadRequest
	case errors.Is(err, ceremony.ErrUnknownProposal), errors.Is(err, tree.ErrUnknownRecovery):
		return http.StatusNotFound
	case errors.Is(err, snapshot.ErrDisagreement), errors.Is(err, snapshot.ErrBelowCurrentCut),
		errors.Is(err, snapshot.ErrCutUnreachable), errors.Is(err, oplog.ErrStaleSnapshot):
		return http.StatusConflict
	case errors.Is(err, snapshot.ErrBadSnapshot):
		return http.StatusBadRequest
	case errors.Is(err, ceremony.ErrAborted):
		return http.StatusGone
	case errors.Is(err, ceremony.ErrClosed), errors.Is(err, ceremony.ErrDuplicatePartial),
		errors.Is(err, ceremony.ErrNonceReuse), errors.Is(err, tree.ErrCooldownActive):
		return http.StatusConflict
	case errors.Is(err, ceremony.ErrNotMember), errors.Is(err, ceremony.ErrBadPartial):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// SubmitOp handles POST requests carrying one attested operation
func (h *Handler) SubmitOp(w http.ResponseWriter, r *http.Request) {
	var op models.AttestedOp
	if !decode(w, r, &op) {
		return
	}
	hash, err := h.Log.Append(op)
	if err != nil {
		logger.Logger.Warn("Operation rejected", zap.String("op", hash.Short()), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Operation accepted",
		"hash":    hash,
	})
}

// ListOps returns the live operations in hash order
func (h *Handler) ListOps(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Log.Ops())
}

func (h *Handler) GetOp(w http.ResponseWriter, r *http.Request) {
	hash, err := models.ParseHash(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	op, ok := h.Log.Get(hash)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type mergeResponse struct {
	Accepted []models.Hash32          `json:"accepted"`
	Rejected map[models.Hash32]string `json:"rejected"`
}

// Merge handles a batch delivered by a peer
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	var ops []models.AttestedOp
	if !decode(w, r, &ops) {
		return
	}
	res := h.Log.Merge(ops)
	out := mergeResponse{Accepted: res.Accepted, Rejected: make(map[models.Hash32]string, len(res.Rejected))}
	for hash, err := range res.Rejected {
		out.Rejected[hash] = err.Error()
	}
	logger.Logger.Info("Merged batch", zap.Int("received", len(ops)),
		zap.Int("accepted", len(res.Accepted)), zap.Int("rejected", len(res.Rejected)))
	writeJSON(w, http.StatusOK, out)
}

// Digest summarizes the live operation set
func (h *Handler) Digest(w http.ResponseWriter, r *http.Request) {
	hashes := h.Log.Hashes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"digest": h.Log.Digest(),
		"count":  len(hashes),
		"hashes": hashes,
	})
}

// Missing reports which of a peer's hashes this replica lacks
func (h *Handler) Missing(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hashes []models.Hash32 `json:"hashes"`
	}
	if !decode(w, r, &body) {
		return
	}
	missing := h.Log.Missing(body.Hashes)
	if missing == nil {
		missing = []models.Hash32{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"missing": missing})
}

// ValidateConsistency reduces the log and reports invariant violations
func (h *Handler) ValidateConsistency(w http.ResponseWriter, r *http.Request) {
	res, err := h.Log.Reduce()
	var violation *dag.InvariantViolationError
	if errors.As(err, &violation) {
		logger.Logger.Error("Reduction invariant violation", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"consistent": false,
			"op":         violation.Op,
			"invariant":  violation.Err.Invariant,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consistent": true,
		"state":      res.State.Key(),
		"applied":    len(res.Applied),
		"superseded": len(res.Superseded),
		"rejected":   len(res.Rejected),
	})
}

// GetState returns the canonical tree state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Log.State()
	if state == nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err != nil {
		logger.Logger.Warn("Serving state past an invariant violation", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, state.Image())
}

// GetAuthority returns who must sign at a node in the canonical state
func (h *Handler) GetAuthority(w http.ResponseWriter, r *http.Request) {
	node, err := strconv.ParseUint(mux.Vars(r)["node"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, _ := h.Log.State()
	if state == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no state"})
		return
	}
	auth, err := state.AuthorityAt(models.NodeIndex(node))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

// Propose opens a ceremony for an operation kind
func (h *Handler) Propose(w http.ResponseWriter, r *http.Request) {
	var kind models.TreeOpKind
	if !decode(w, r, &kind) {
		return
	}
	p, err := h.Coordinator.Propose(kind)
	if err != nil {
		logger.Logger.Warn("Proposal refused", zap.Stringer("kind", kind.Kind), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) ListProposals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Coordinator.Proposals())
}

func (h *Handler) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	p, err := h.Coordinator.Proposal(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	st, _ := h.Coordinator.Status(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposal": p, "status": st.String()})
}

// Contribute accepts a partial signature from a signer
func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var part threshold.Partial
	if !decode(w, r, &part) {
		return
	}
	if err := h.Coordinator.Contribute(id, part); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Partial accepted"})
}

// SignProposal contributes the local signer's partial
func (h *Handler) SignProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	if h.Share == nil {
		writeJSON(w, http.StatusPreconditionFailed, map[string]string{"error": "no local signer configured"})
		return
	}
	p, err := h.Coordinator.Proposal(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	part, err := ceremony.SignPartial(h.Coordinator.Scheme(), *h.Share, p.Message)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Coordinator.Contribute(id, part); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, part)
}

// Aggregate blocks until the ceremony completes or aborts
func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	op, err := h.Coordinator.Aggregate(r.Context(), id)
	if err != nil {
		logger.Logger.Info("Ceremony did not finalize", zap.Stringer("id", id), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (h *Handler) CancelProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	if err := h.Coordinator.Cancel(id, nil); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Ceremony cancelled"})
}

// ProposeSnapshot proposes a cut. Without an explicit cut the current
// canonical epoch is used once the high-water mark is passed.
func (h *Handler) ProposeSnapshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cut uint64 `json:"cut"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	if body.Cut == 0 {
		cut, ok := h.Snapshots.ShouldPropose()
		if !ok {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "log is below the high-water mark"})
			return
		}
		body.Cut = cut
	}
	p, err := h.Snapshots.Propose(body.Cut)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// VoteSnapshot verifies a peer's proposal on this replica and returns the
// local signer's vote
func (h *Handler) VoteSnapshot(w http.ResponseWriter, r *http.Request) {
	var p snapshot.Proposal
	if !decode(w, r, &p) {
		return
	}
	if h.Share == nil {
		if err := h.Snapshots.Verify(p); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Snapshot verified"})
		return
	}
	part, err := h.Snapshots.Vote(p, *h.Share)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, part)
}

func (h *Handler) ApproveSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var part threshold.Partial
	if !decode(w, r, &part) {
		return
	}
	if err := h.Snapshots.Approve(id, part); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Approval recorded"})
}

func (h *Handler) RejectSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	var reason error
	if body.Reason != "" {
		reason = errors.New(body.Reason)
	}
	if err := h.Snapshots.Reject(id, reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Snapshot proposal aborted"})
}

// CommitSnapshot blocks until the approval quorum is reached
func (h *Handler) CommitSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := proposalID(w, r)
	if !ok {
		return
	}
	snap, err := h.Snapshots.Commit(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	for _, p := range h.Peers {
		if err := p.PublishSnapshot(r.Context(), snap); err != nil {
			logger.Logger.Warn("Peer did not take the snapshot", zap.String("peer", p.BaseURL()), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, snap)
}

// AcceptSnapshot takes in a snapshot another replica committed
func (h *Handler) AcceptSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap models.Snapshot
	if !decode(w, r, &snap) {
		return
	}
	if err := h.Snapshots.Accept(snap); err != nil {
		logger.Logger.Warn("Peer snapshot refused", zap.Uint64("cut", snap.CutEpoch), zap.Error(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Snapshot applied",
		"cut":     snap.CutEpoch,
	})
}

func (h *Handler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := h.Log.Snapshot()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no snapshot yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type pendingRecovery struct {
	tree.Recovery
	ReadyAt time.Time `json:"ready_at"`
}

func (h *Handler) ListRecoveries(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Recovery.Pending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]pendingRecovery, 0, len(pending))
	for _, rec := range pending {
		out = append(out, pendingRecovery{Recovery: rec, ReadyAt: time.Unix(int64(rec.ReadyAt()), 0).UTC()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) InitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CooldownSeconds uint64 `json:"cooldown_seconds"`
	}
	if !decode(w, r, &body) {
		return
	}
	p, err := h.Recovery.Initiate(time.Duration(body.CooldownSeconds) * time.Second)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"proposal": p,
		"recovery": recovery.ID(p.Op),
	})
}

func recoveryID(w http.ResponseWriter, r *http.Request) (models.Hash32, bool) {
	id, err := models.ParseHash(mux.Vars(r)["recovery"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return models.Hash32{}, false
	}
	return id, true
}

func (h *Handler) GrantRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := recoveryID(w, r)
	if !ok {
		return
	}
	var action models.TreeOpKind
	if !decode(w, r, &action) {
		return
	}
	p, err := h.Recovery.Grant(id, action)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) CancelRecovery(w http.ResponseWriter, r *http.Request) {
	id, ok := recoveryID(w, r)
	if !ok {
		return
	}
	p, err := h.Recovery.Cancel(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
