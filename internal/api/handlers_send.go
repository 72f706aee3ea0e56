package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/types"
)

type sendOnchainRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Priority    string `json:"priority,omitempty"`
}

type sendOffchainRequest struct {
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
}

// handleSendOnchain handles POST /api/wallets/{id}/send/onchain
func (s *Server) handleSendOnchain(w http.ResponseWriter, r *http.Request) {
	var req sendOnchainRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("priority", err.Error()))
		return
	}

	res, err := s.services.Sends.SendOnchain(r.Context(), mux.Vars(r)["id"], req.Destination, req.Amount, priority)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleSendOffchain handles POST /api/wallets/{id}/send/offchain
func (s *Server) handleSendOffchain(w http.ResponseWriter, r *http.Request) {
	var req sendOffchainRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	res, err := s.services.Sends.SendOffchain(r.Context(), mux.Vars(r)["id"], req.Destination, req.Amount)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleGetFees handles GET /api/fees
func (s *Server) handleGetFees(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.services.Fees.EstimateFees(r.Context()))
}
