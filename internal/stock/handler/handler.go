// Package handler exposes the stock service over HTTP.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/medflow/stock-ledger/internal/stock/service"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/httputil"
	"github.com/medflow/stock-ledger/pkg/logger"
)

const dateLayout = "2006-01-02"

// StockHandler handles lot, fulfillment, aggregate and ledger endpoints
type StockHandler struct {
	service *service.StockService
	logger  *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(svc *service.StockService, log *logger.Logger) *StockHandler {
	return &StockHandler{
		service: svc,
		logger:  log.WithComponent("stock-handler"),
	}
}

// Routes returns the stock API. Reads are open to any caller that passed
// the Actor middleware; writes require an identified caller.
func (h *StockHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/products/{productID}/lots", h.ListLots)
	r.Get("/products/{productID}/aggregate", h.GetAggregate)
	r.Get("/lots/{id}", h.GetLot)
	r.Get("/ledger", h.QueryLedger)
	r.Get("/ledger/export", h.ExportLedger)

	r.Group(func(r chi.Router) {
		r.Use(httputil.RequireActor)

		r.Post("/products/{productID}/lots", h.CreateLot)
		r.Post("/products/{productID}/fulfillments", h.Fulfill)
		r.Post("/products/{productID}/reconcile", h.Reconcile)
		r.Post("/sweep-expired", h.SweepExpired)

		r.Post("/lots/{id}/adjust", h.Adjust)
		r.Post("/lots/{id}/count", h.Count)
		r.Post("/lots/{id}/damaged", h.Damaged)
		r.Post("/lots/{id}/return", h.Return)
		r.Post("/lots/{id}/quarantine", h.Quarantine)
		r.Post("/lots/{id}/release", h.Release)
		r.Post("/lots/{id}/reserve", h.Reserve)
		r.Post("/lots/{id}/unreserve", h.Unreserve)
	})

	return r
}

// decode reads and validates a JSON request body
func decode(r *http.Request, v interface{}) error {
	if err := httputil.DecodeJSON(r, v); err != nil {
		return err
	}
	return httputil.Validate(v)
}

func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return nil, errors.Validation(map[string]string{field: "must be a date in the format " + dateLayout})
	}
	return &t, nil
}

func parseInt(field, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Validation(map[string]string{field: "must be a non-negative integer"})
	}
	return n, nil
}
