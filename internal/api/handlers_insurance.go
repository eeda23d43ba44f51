package api

import (
	"net/http"
	"strconv"

	"github.com/eigensurance/internal/service"
	"github.com/gorilla/mux"
)

// handleListClaims handles GET /api/claims
func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.services.Claims.List(r.Context(), sessionFromContext(r.Context()).Address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, claims)
}

// handleGetClaim handles GET /api/claims/{id}
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.services.Claims.Get(r.Context(), sessionFromContext(r.Context()).Address, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}

// handleListPurchases handles GET /api/purchases
func (s *Server) handleListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := s.services.Purchases.List(r.Context(), sessionFromContext(r.Context()).Address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, purchases)
}

// handleGetPurchase handles GET /api/purchases/{id}
func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	purchase, err := s.services.Purchases.Get(r.Context(), sessionFromContext(r.Context()).Address, mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, purchase)
}

// handleConfirmPurchase handles POST /api/purchases/{id}/confirm - Report the wallet's transaction
func (s *Server) handleConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TxHash string `json:"txHash"`
	}
	if err := parseJSONBody(w, r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	purchase, err := s.services.Purchases.Confirm(r.Context(), sessionFromContext(r.Context()).Address, mux.Vars(r)["id"], req.TxHash)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, purchase)
}

// handleMetrics handles GET /api/insurance/metrics - The user's on-chain policies
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.services.Metrics.Summary(r.Context(), sessionFromContext(r.Context()).Address)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, metrics)
}

// handleAudit handles GET /api/audit?limit= - The user's tool-call history
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := s.services.Audit.List(r.Context(), sessionFromContext(r.Context()).Address, limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

var _ AuditServiceInterface = (*service.AuditLog)(nil)
