package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/stock-ledger/internal/stock/service"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/httputil"
)

// FulfillRequest takes units of a product first-expired-first-out
type FulfillRequest struct {
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Reference string `json:"reference" validate:"required,max=100"`
}

// Fulfill allocates stock to an order. A replayed reference answers 200
// with the original allocations instead of 201.
func (h *StockHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	var req FulfillRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.service.Fulfill(r.Context(), service.FulfillInput{
		ProductID: productID,
		Quantity:  req.Quantity,
		Reference: req.Reference,
		Actor:     actor.IDFromContext(r.Context()),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	if result.Replayed {
		httputil.JSON(w, http.StatusOK, result)
		return
	}
	httputil.Created(w, result)
}
