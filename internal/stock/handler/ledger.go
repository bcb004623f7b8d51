package handler

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/internal/stock/service"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/httputil"
)

const defaultLedgerPage = 100

func ledgerFilter(q url.Values) (repository.LedgerFilter, error) {
	filter := repository.LedgerFilter{
		ProductID:       q.Get("product_id"),
		LotID:           q.Get("lot_id"),
		TransactionType: domain.TransactionType(q.Get("type")),
		ReferenceID:     q.Get("reference_id"),
	}

	var err error
	if filter.AfterSeq, err = parseInt("after_seq", q.Get("after_seq")); err != nil {
		return filter, err
	}

	limit, err := parseInt("limit", q.Get("limit"))
	if err != nil {
		return filter, err
	}
	filter.Limit = int(limit)

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, errors.Validation(map[string]string{"since": "must be an RFC 3339 timestamp"})
		}
		filter.Since = &t
	}

	return filter, nil
}

// QueryLedger returns one page of ledger entries in append order. The
// next_cursor meta field is the after_seq of the following page.
func (h *StockHandler) QueryLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := ledgerFilter(r.URL.Query())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = defaultLedgerPage
	}
	if filter.Limit > service.MaxLedgerPage {
		filter.Limit = service.MaxLedgerPage
	}

	entries, err := h.service.QueryLedger(r.Context(), filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	cursor := filter.AfterSeq
	if len(entries) > 0 {
		cursor = entries[len(entries)-1].Seq
	}

	httputil.JSONWithMeta(w, http.StatusOK, entries, &httputil.Meta{
		PerPage:    filter.Limit,
		NextCursor: cursor,
	})
}

// ExportLedger streams up to a full page of matching entries as
// newline-delimited JSON. Clients continue from the last seq they received.
func (h *StockHandler) ExportLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := ledgerFilter(r.URL.Query())
	if err != nil {
		httputil.Error(w, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = service.MaxLedgerPage
	}

	enc := json.NewEncoder(w)
	started := false
	err = h.service.StreamLedger(r.Context(), filter, func(e *domain.LedgerEntry) error {
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		return enc.Encode(e)
	})
	if err != nil {
		if !started {
			httputil.Error(w, err)
			return
		}
		h.logger.Error().Err(err).Msg("ledger export aborted")
		return
	}

	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}
