package service

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// CreateLotInput describes a stock receipt
type CreateLotInput struct {
	ProductID string
	// BatchNumber is optional; one is generated when empty
	BatchNumber     string
	Quantity        int
	CostPerUnit     decimal.NullDecimal
	ExpiryDate      *time.Time
	ManufactureDate *time.Time
	SupplierID      *string
	Actor           string
}

func validateProductID(productID string) error {
	if _, err := uuid.Parse(productID); err != nil {
		return errors.Validation(map[string]string{"product_id": "must be a valid UUID"})
	}
	return nil
}

func validateLotID(lotID string) error {
	if _, err := uuid.Parse(lotID); err != nil {
		return errors.Validation(map[string]string{"lot_id": "must be a valid UUID"})
	}
	return nil
}

func validateActor(actor string) error {
	if actor == "" {
		return errors.Validation(map[string]string{"actor": "required"})
	}
	return nil
}

// validateBatchNumber checks a caller-supplied batch number. Numbers in the
// generated format are refused so they cannot disturb the daily sequence.
func (s *StockService) validateBatchNumber(batch string) error {
	if batch == "" {
		return nil
	}
	if len(batch) > repository.MaxBatchNumberLength {
		return errors.Validation(map[string]string{"batch_number": "must be at most 64 characters"})
	}
	if s.batchNumbers.IsGenerated(batch) {
		return errors.Validation(map[string]string{"batch_number": "uses the reserved generated format; omit it to have one assigned"})
	}
	return nil
}

// requireProduct checks the catalog before any unit starts
func (s *StockService) requireProduct(ctx context.Context, productID string, mustBeActive bool) error {
	exists, err := s.products.Exists(ctx, productID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Validation(map[string]string{"product_id": "unknown product"})
	}
	if !mustBeActive {
		return nil
	}

	active, err := s.products.IsActive(ctx, productID)
	if err != nil {
		return err
	}
	if !active {
		return errors.Validation(map[string]string{"product_id": "product is not active"})
	}
	return nil
}

// CreateLot receives stock into a new lot. The lot, its lot_created ledger
// entry and the aggregate update commit together.
func (s *StockService) CreateLot(ctx context.Context, in CreateLotInput) (*domain.Lot, error) {
	if err := validateProductID(in.ProductID); err != nil {
		return nil, err
	}
	if in.Quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be positive"})
	}
	if err := s.validateBatchNumber(in.BatchNumber); err != nil {
		return nil, err
	}
	if err := validateActor(in.Actor); err != nil {
		return nil, err
	}
	if err := s.requireProduct(ctx, in.ProductID, true); err != nil {
		return nil, err
	}

	generated := in.BatchNumber == ""

	for attempt := 1; ; attempt++ {
		lot, err := s.createLot(ctx, in)
		if err == nil {
			s.logger.Info().
				Str("lot_id", lot.ID).
				Str("product_id", lot.ProductID).
				Str("batch_number", lot.BatchNumber).
				Int("quantity", lot.Quantity).
				Str("actor", in.Actor).
				Msg("lot created")
			return lot, nil
		}

		if !generated || !database.IsUniqueViolation(err, repository.BatchNumberConstraint) {
			return nil, mapError(err)
		}
		if attempt >= s.opts.BatchNumberAttempts {
			s.logger.Error().
				Err(err).
				Str("product_id", in.ProductID).
				Int("attempts", attempt).
				Msg("could not allocate a unique batch number")
			return nil, errors.Wrap(err, "BATCH_NUMBER_EXHAUSTED", "could not allocate a unique batch number", http.StatusInternalServerError)
		}

		s.logger.Warn().
			Str("product_id", in.ProductID).
			Int("attempt", attempt).
			Msg("batch number collision, retrying")
	}
}

func (s *StockService) createLot(ctx context.Context, in CreateLotInput) (*domain.Lot, error) {
	var created *domain.Lot

	err := s.inProduct(ctx, in.ProductID, func(u *unit) error {
		batchNumber := in.BatchNumber
		if batchNumber == "" {
			next, err := s.batchNumbers.Next(u.ctx, u.tx, in.ProductID, u.today)
			if err != nil {
				return err
			}
			batchNumber = next
		}

		lot := &domain.Lot{
			ProductID:        in.ProductID,
			BatchNumber:      batchNumber,
			Quantity:         in.Quantity,
			OriginalQuantity: in.Quantity,
			CostPerUnit:      in.CostPerUnit,
			ExpiryDate:       in.ExpiryDate,
			ManufactureDate:  in.ManufactureDate,
			SupplierID:       in.SupplierID,
			Status:           domain.StatusActive,
		}
		lot.Refresh(u.today)

		if err := lot.Validate(); err != nil {
			return err
		}
		if err := s.lots.Insert(u.ctx, u.tx, lot); err != nil {
			return err
		}

		empty := lot.Clone()
		empty.Quantity = 0
		entry := domain.NewEntry(empty, lot, domain.EntryMeta{
			Type:  domain.TxLotCreated,
			Actor: in.Actor,
		})
		if err := s.ledger.Append(u.ctx, u.tx, entry); err != nil {
			return err
		}

		if err := s.aggregates.ApplyDelta(u.ctx, u.tx, in.ProductID, lot.Contribution()); err != nil {
			return err
		}

		u.afterCommit(func(ctx context.Context) {
			s.publisher.PublishLotCreated(ctx, lot, in.Actor)
		})
		created = lot
		return nil
	})

	return created, err
}

// GetLot gets a lot by ID
func (s *StockService) GetLot(ctx context.Context, id string) (*domain.Lot, error) {
	if err := validateLotID(id); err != nil {
		return nil, err
	}
	return s.lots.Get(ctx, s.db, id)
}

// ListLots lists a product's lots in FEFO order
func (s *StockService) ListLots(ctx context.Context, productID string, filter repository.LotFilter) ([]*domain.Lot, error) {
	if err := validateProductID(productID); err != nil {
		return nil, err
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, errors.Validation(map[string]string{"status": "must be one of: active, expired, depleted, quarantined"})
	}
	return s.lots.ListByProduct(ctx, s.db, productID, filter)
}

// UpdateLot applies mutate to the lot inside one unit. The mutated lot is
// re-validated before anything is written; meta describes the ledger entry.
func (s *StockService) UpdateLot(ctx context.Context, lotID string, meta domain.EntryMeta, mutate func(*domain.Lot) error) (*domain.Lot, error) {
	if meta.Type != "" {
		if err := validateActor(meta.Actor); err != nil {
			return nil, err
		}
	}

	// The product is needed to take the aggregate lock; it never changes.
	existing, err := s.lots.Get(ctx, s.db, lotID)
	if err != nil {
		return nil, err
	}

	var updated *domain.Lot
	err = s.inProduct(ctx, existing.ProductID, func(u *unit) error {
		current, err := s.lots.GetForUpdate(u.ctx, u.tx, lotID)
		if err != nil {
			return err
		}

		next, entry, err := s.applyMutation(u, current, meta, mutate)
		if err != nil {
			return err
		}

		if entry != nil {
			u.afterCommit(func(ctx context.Context) {
				s.publisher.PublishLotAdjusted(ctx, next, entry)
			})
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	return updated, nil
}
