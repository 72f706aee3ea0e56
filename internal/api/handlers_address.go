package api

import (
	"net/http"

	"github.com/gorilla/mux"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/types"
)

// handleGetAddress handles GET /api/wallets/{id}/addresses/{class}
func (s *Server) handleGetAddress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := types.ParseAddressClass(vars["class"])
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("class", "must be onchain, offchain or boarding"))
		return
	}

	rec, err := s.services.Addresses.GetAddress(r.Context(), vars["id"], class)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleRotateAddress handles POST /api/wallets/{id}/addresses/{class}/rotate
func (s *Server) handleRotateAddress(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	class, err := types.ParseAddressClass(vars["class"])
	if err != nil {
		respondServiceError(w, r, apperrors.NewInvalidParameterError("class", "must be onchain, offchain or boarding"))
		return
	}

	rec, err := s.services.Addresses.RotateAddress(r.Context(), vars["id"], class)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}
