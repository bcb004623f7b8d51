package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/stock-ledger/pkg/httputil"
)

// AggregateResponse reports a product's stock total
type AggregateResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// GetAggregate returns the cached stock total of a product
func (h *StockHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	total, err := h.service.GetAggregate(r.Context(), productID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, AggregateResponse{ProductID: productID, Quantity: total})
}

// Reconcile recomputes a product's aggregate from its lots
func (h *StockHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	total, err := h.service.Reconcile(r.Context(), productID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, AggregateResponse{ProductID: productID, Quantity: total})
}

// SweepExpired runs the expiry sweep on demand
func (h *StockHandler) SweepExpired(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.SweepExpired(r.Context())
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]int{"expired": expired})
}
