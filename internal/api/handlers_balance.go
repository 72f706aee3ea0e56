package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/ark-custody/internal/models"
)

// BalanceResponse is the body of GET /api/wallets/{id}/balance
type BalanceResponse struct {
	WalletID      string                 `json:"walletId"`
	Snapshot      models.BalanceSnapshot `json:"snapshot"`
	Available     int64                  `json:"available"`
	Total         int64                  `json:"total"`
	OnchainStale  bool                   `json:"onchainStale"`
	OffchainStale bool                   `json:"offchainStale"`
	Warnings      []string               `json:"warnings,omitempty"`
}

// handleGetBalance handles GET /api/wallets/{id}/balance. The cached
// snapshot is served unless refresh=true asks for a recompute.
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]

	refresh := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "refresh must be a boolean", nil)
			return
		}
		refresh = parsed
	}

	resp := BalanceResponse{WalletID: walletID}
	if refresh {
		view, err := s.services.Balances.RecomputeBalance(r.Context(), walletID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		resp.Snapshot = view.Snapshot
		resp.OnchainStale = view.OnchainStale
		resp.OffchainStale = view.OffchainStale
		resp.Warnings = view.Warnings
	} else {
		snap, err := s.services.Balances.GetSnapshot(r.Context(), walletID)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		resp.Snapshot = *snap
	}

	resp.Available = resp.Snapshot.Available()
	resp.Total = resp.Snapshot.Total()
	respondJSON(w, http.StatusOK, resp)
}
