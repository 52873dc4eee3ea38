package routers

import (
	"authority-tree/handlers"

	"github.com/gorilla/mux"
)

// RegisterRoutes sets up all the HTTP routes for a replica
func RegisterRoutes(r *mux.Router, h *handlers.Handler) {

	// Accepts one attested operation into the log
	r.HandleFunc("/ops", h.SubmitOp).Methods("POST")
	r.HandleFunc("/ops", h.ListOps).Methods("GET")
	r.HandleFunc("/ops/{hash:[0-9a-f]{64}}", h.GetOp).Methods("GET")

	// Anti-entropy intake: peers deliver batches and compare digests
	r.HandleFunc("/sync/merge", h.Merge).Methods("POST")
	r.HandleFunc("/sync/digest", h.Digest).Methods("GET")
	r.HandleFunc("/sync/missing", h.Missing).Methods("POST")

	// Used for checking that the log reduces without invariant violations
	r.HandleFunc("/sync/validate", h.ValidateConsistency).Methods("GET")

	r.HandleFunc("/state", h.GetState).Methods("GET")
	r.HandleFunc("/state/authority/{node:[0-9]+}", h.GetAuthority).Methods("GET")

	// Signing ceremonies for tree operations
	r.HandleFunc("/ceremonies", h.Propose).Methods("POST")
	r.HandleFunc("/ceremonies", h.ListProposals).Methods("GET")
	r.HandleFunc("/ceremonies/{id}", h.GetProposal).Methods("GET")
	r.HandleFunc("/ceremonies/{id}", h.CancelProposal).Methods("DELETE")
	r.HandleFunc("/ceremonies/{id}/partials", h.Contribute).Methods("POST")
	r.HandleFunc("/ceremonies/{id}/sign", h.SignProposal).Methods("POST")
	r.HandleFunc("/ceremonies/{id}/aggregate", h.Aggregate).Methods("POST")

	// Snapshot approval rounds
	r.HandleFunc("/snapshots", h.ProposeSnapshot).Methods("POST")
	r.HandleFunc("/snapshots/latest", h.LatestSnapshot).Methods("GET")
	r.HandleFunc("/snapshots/committed", h.AcceptSnapshot).Methods("POST")
	r.HandleFunc("/snapshots/vote", h.VoteSnapshot).Methods("POST")
	r.HandleFunc("/snapshots/{id}/approvals", h.ApproveSnapshot).Methods("POST")
	r.HandleFunc("/snapshots/{id}/reject", h.RejectSnapshot).Methods("POST")
	r.HandleFunc("/snapshots/{id}/commit", h.CommitSnapshot).Methods("POST")

	// Guardian recovery
	r.HandleFunc("/recovery", h.ListRecoveries).Methods("GET")
	r.HandleFunc("/recovery", h.InitiateRecovery).Methods("POST")
	r.HandleFunc("/recovery/{recovery:[0-9a-f]{64}}/grant", h.GrantRecovery).Methods("POST")
	r.HandleFunc("/recovery/{recovery:[0-9a-f]{64}}/cancel", h.CancelRecovery).Methods("POST")
}
