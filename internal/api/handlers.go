package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/token-custody/internal/types"
	"github.com/token-custody/internal/worker"
)

// handleDepositAddress handles GET /api/v1/users/:id/deposit-address.
// Provisioning is idempotent: repeated calls return the same address. A
// background reconciliation is queued after the reply so any deposits parked
// at the address are credited without blocking the caller.
func (s *Server) handleDepositAddress(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "User ID required", nil)
		return
	}

	account, err := s.provisioner.EnsureProcess(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	s.reconcileInBackground(userID)

	respondJSON(w, http.StatusOK, map[string]string{
		"userId":         account.UserID,
		"depositAddress": account.DepositAddress,
		"processId":      account.ProcessID,
	})
}

// handleBalance handles GET /api/v1/users/:id/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "User ID required", nil)
		return
	}

	summary, err := s.reconciler.Reconcile(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"userId":    userID,
		"balance":   summary.Balance,
		"fromCache": summary.FromCache,
		"message":   summary.Message,
	})
}

// handleReconcile handles POST /api/v1/users/:id/reconcile - force a pass
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["id"]
	if userID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "User ID required", nil)
		return
	}

	summary, err := s.reconciler.Reconcile(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// handleTip handles POST /api/v1/tips - internal transfer between users
func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID   string `json:"senderId"`
		ReceiverID string `json:"receiverId"`
		Amount     string `json:"amount"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	outcome, err := s.settler.Transfer(r.Context(), req.SenderID, req.ReceiverID, amount)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	s.reconcileInBackground(req.SenderID)

	respondJSON(w, outcomeStatusCode(outcome), outcome)
}

// handleWithdrawal handles POST /api/v1/withdrawals - on-chain payout
func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		Amount      string `json:"amount"`
		Destination string `json:"destination"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	amount, err := types.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	outcome, err := s.settler.Withdraw(r.Context(), req.UserID, amount, req.Destination)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, outcomeStatusCode(outcome), outcome)
}

// reconcileInBackground queues a post-reply reconciliation; the failure of
// the queueing itself is only logged.
func (s *Server) reconcileInBackground(userID string) {
	if s.background == nil {
		return
	}
	err := s.background.Submit(worker.Task{
		Name: "reconcile:" + userID,
		Run: func(ctx context.Context) error {
			_, err := s.reconciler.Reconcile(ctx, userID)
			return err
		},
	})
	if err != nil {
		s.logger.WithField("userId", userID).WithError(err).Warn("Failed to queue background reconciliation")
	}
}
