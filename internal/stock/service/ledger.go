package service

import (
	"context"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// MaxLedgerPage caps a single ledger query
const MaxLedgerPage = 1000

func validateLedgerFilter(filter *repository.LedgerFilter) error {
	if filter.TransactionType != "" && !filter.TransactionType.Valid() {
		return errors.Validation(map[string]string{"type": "unknown transaction type"})
	}
	if filter.ProductID != "" {
		if err := validateProductID(filter.ProductID); err != nil {
			return err
		}
	}
	if filter.LotID != "" {
		if err := validateLotID(filter.LotID); err != nil {
			return err
		}
	}
	if filter.AfterSeq < 0 {
		return errors.Validation(map[string]string{"after_seq": "must not be negative"})
	}
	if filter.Limit > MaxLedgerPage {
		filter.Limit = MaxLedgerPage
	}
	return nil
}

// QueryLedger returns ledger entries in append order. Consumers poll with
// AfterSeq set to the last seq they processed.
func (s *StockService) QueryLedger(ctx context.Context, filter repository.LedgerFilter) ([]*domain.LedgerEntry, error) {
	if err := validateLedgerFilter(&filter); err != nil {
		return nil, err
	}
	return s.ledger.Query(ctx, s.db, filter)
}

// StreamLedger calls fn for each matching entry without buffering the result
func (s *StockService) StreamLedger(ctx context.Context, filter repository.LedgerFilter, fn func(*domain.LedgerEntry) error) error {
	if err := validateLedgerFilter(&filter); err != nil {
		return err
	}
	return s.ledger.Stream(ctx, s.db, filter, fn)
}
