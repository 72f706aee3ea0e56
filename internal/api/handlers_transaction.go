package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/models"
	"github.com/ark-custody/internal/types"
)

const defaultTransactionPageSize = 100

// handleListTransactions handles GET /api/wallets/{id}/transactions
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]
	query := r.URL.Query()

	filter := models.TransactionFilter{Limit: defaultTransactionPageSize}

	if v := query.Get("type"); v != "" {
		txType, err := types.ParseTransactionType(v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("type", err.Error()))
			return
		}
		filter.Type = &txType
	}
	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be an integer"))
			return
		}
		filter.Limit = limit
	}
	if v := query.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("offset", "must be an integer"))
			return
		}
		filter.Offset = offset
	}

	records, err := s.services.Transactions.ListTransactions(r.Context(), walletID, filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"walletId":     walletID,
		"transactions": records,
		"limit":        filter.Limit,
		"offset":       filter.Offset,
	})
}

// handleGetTransaction handles GET /api/wallets/{id}/transactions/{txid}
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	records, err := s.services.Transactions.GetTransaction(r.Context(), vars["id"], vars["txid"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"txid":    vars["txid"],
		"records": records,
	})
}
