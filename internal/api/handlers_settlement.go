package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/ark-custody/internal/errors"
)

type exitRequest struct {
	VtxoTxID string `json:"vtxoTxid,omitempty"`
	All      bool   `json:"all,omitempty"`
}

// handleParticipateRound handles POST /api/wallets/{id}/round
func (s *Server) handleParticipateRound(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.services.Rounds.Participate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if attempt != nil {
			err = apperrors.Categorize(err).
				WithDetail("attemptId", attempt.ID).
				WithDetail("state", string(attempt.State))
		}
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempt)
}

// handleGetRound handles GET /api/wallets/{id}/round
func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	attempt, err := s.services.Rounds.GetAttempt(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, attempt)
}

// handleExit handles POST /api/wallets/{id}/exit. The body names one
// output, or sets all to exit everything that can be exited.
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	var req exitRequest
	if err := parseJSONBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	walletID := mux.Vars(r)["id"]

	switch {
	case req.All && req.VtxoTxID != "":
		respondServiceError(w, r, apperrors.NewInvalidParameterError("all", "cannot be combined with vtxoTxid"))

	case req.All:
		res, err := s.services.Exits.EmergencyExitAll(r.Context(), walletID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)

	default:
		res, err := s.services.Exits.Exit(r.Context(), walletID, req.VtxoTxID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}

// handleExitRecommendations handles GET /api/wallets/{id}/exit/recommendations
func (s *Server) handleExitRecommendations(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]

	recs, err := s.services.Exits.ExitRecommendations(r.Context(), walletID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletId":        walletID,
		"recommendations": recs,
	})
}

// handleSync handles POST /api/wallets/{id}/sync. With async=true the
// wallet is queued on the sync worker instead.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]

	async := false
	if v := r.URL.Query().Get("async"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "async must be a boolean", nil)
			return
		}
		async = parsed
	}

	if async {
		if s.services.SyncQueue == nil {
			respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Sync worker is not running", nil)
			return
		}
		// Reject unknown wallets before queueing them
		if _, err := s.services.Wallets.GetWallet(r.Context(), walletID); err != nil {
			respondServiceError(w, r, err)
			return
		}
		queued := s.services.SyncQueue.RequestSync(walletID)
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"walletId": walletID,
			"queued":   queued,
		})
		return
	}

	res, err := s.services.Sync.SyncWallet(r.Context(), walletID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
