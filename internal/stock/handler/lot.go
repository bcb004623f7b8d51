package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/internal/stock/service"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/shopspring/decimal"
)

// CreateLotRequest is the body of a goods receipt
type CreateLotRequest struct {
	BatchNumber     string              `json:"batch_number" validate:"omitempty,max=64"`
	Quantity        int                 `json:"quantity" validate:"gt=0"`
	CostPerUnit     decimal.NullDecimal `json:"cost_per_unit"`
	ExpiryDate      string              `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	ManufactureDate string              `json:"manufacture_date" validate:"omitempty,datetime=2006-01-02"`
	SupplierID      *string             `json:"supplier_id" validate:"omitempty,uuid"`
}

// CreateLot receives a new lot
func (h *StockHandler) CreateLot(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	var req CreateLotRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	expiry, err := parseDate("expiry_date", req.ExpiryDate)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	manufactured, err := parseDate("manufacture_date", req.ManufactureDate)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	lot, err := h.service.CreateLot(r.Context(), service.CreateLotInput{
		ProductID:       productID,
		BatchNumber:     req.BatchNumber,
		Quantity:        req.Quantity,
		CostPerUnit:     req.CostPerUnit,
		ExpiryDate:      expiry,
		ManufactureDate: manufactured,
		SupplierID:      req.SupplierID,
		Actor:           actor.IDFromContext(r.Context()),
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, lot)
}

// ListLots lists a product's lots in FEFO order
func (h *StockHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	q := r.URL.Query()

	var filter repository.LotFilter
	if s := q.Get("status"); s != "" {
		status := domain.Status(s)
		filter.Status = &status
	}

	var err error
	if filter.ExpiringBefore, err = parseDate("expiring_before", q.Get("expiring_before")); err != nil {
		httputil.Error(w, err)
		return
	}
	if filter.ExpiringAfter, err = parseDate("expiring_after", q.Get("expiring_after")); err != nil {
		httputil.Error(w, err)
		return
	}

	lots, err := h.service.ListLots(r.Context(), productID, filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lots)
}

// GetLot gets a lot by ID
func (h *StockHandler) GetLot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lot, err := h.service.GetLot(r.Context(), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lot)
}

// AdjustRequest sets a lot's quantity
type AdjustRequest struct {
	NewQuantity *int   `json:"new_quantity" validate:"required,gte=0"`
	Reason      string `json:"reason" validate:"required,max=500"`
}

// Adjust corrects a lot's quantity
func (h *StockHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.AdjustQuantity(r.Context(), id, *req.NewQuantity, req.Reason, actorID)
	})
}

// CountRequest records a physical count
type CountRequest struct {
	Counted *int   `json:"counted" validate:"required,gte=0"`
	Reason  string `json:"reason" validate:"omitempty,max=500"`
}

// Count sets a lot's quantity to what was counted on the shelf
func (h *StockHandler) Count(w http.ResponseWriter, r *http.Request) {
	var req CountRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.RecordCount(r.Context(), id, *req.Counted, req.Reason, actorID)
	})
}

// DamagedRequest writes off damaged units
type DamagedRequest struct {
	Quantity int    `json:"quantity" validate:"gt=0"`
	Reason   string `json:"reason" validate:"required,max=500"`
}

// Damaged writes off damaged units of a lot
func (h *StockHandler) Damaged(w http.ResponseWriter, r *http.Request) {
	var req DamagedRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.WriteOffDamaged(r.Context(), id, req.Quantity, req.Reason, actorID)
	})
}

// ReturnRequest puts sold units back
type ReturnRequest struct {
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Reference string `json:"reference" validate:"omitempty,max=64"`
}

// Return puts returned units back into a lot
func (h *StockHandler) Return(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.ReturnToLot(r.Context(), id, req.Quantity, req.Reference, actorID)
	})
}

// ReasonRequest carries the reason for a status change
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// Quarantine withdraws a lot from sale
func (h *StockHandler) Quarantine(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.Quarantine(r.Context(), id, req.Reason, actorID)
	})
}

// Release lifts a quarantine
func (h *StockHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.ReleaseQuarantine(r.Context(), id, req.Reason, actorID)
	})
}

// QuantityRequest carries a positive unit count
type QuantityRequest struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

// Reserve sets units of a lot aside
func (h *StockHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.Reserve(r.Context(), id, req.Quantity, actorID)
	})
}

// Unreserve returns reserved units to the allocatable pool
func (h *StockHandler) Unreserve(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if err := decode(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	h.respondLot(w, r, func(id, actorID string) (*domain.Lot, error) {
		return h.service.ReleaseReservation(r.Context(), id, req.Quantity, actorID)
	})
}

func (h *StockHandler) respondLot(w http.ResponseWriter, r *http.Request, fn func(id, actorID string) (*domain.Lot, error)) {
	lot, err := fn(chi.URLParam(r, "id"), actor.IDFromContext(r.Context()))
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, lot)
}
