package service

import (
	"context"
	stderrors "errors"

	"github.com/medflow/stock-ledger/pkg/errors"
)

// ReconcileReport summarises a full reconciliation run
type ReconcileReport struct {
	Products int `json:"products"`
	Drifted  int `json:"drifted"`
}

// GetAggregate returns the cached stock total of a product
func (s *StockService) GetAggregate(ctx context.Context, productID string) (int, error) {
	if err := validateProductID(productID); err != nil {
		return 0, err
	}
	return s.aggregates.Read(ctx, s.db, productID)
}

// Reconcile recomputes a product's aggregate from its lots and overwrites
// the cached value. Drift is logged and published.
func (s *StockService) Reconcile(ctx context.Context, productID string) (int, error) {
	if err := validateProductID(productID); err != nil {
		return 0, err
	}
	exists, err := s.products.Exists(ctx, productID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.NotFound("product")
	}

	total, _, err := s.reconcile(ctx, productID)
	return total, err
}

func (s *StockService) reconcile(ctx context.Context, productID string) (int, bool, error) {
	var actual int
	var drifted bool

	err := s.inProduct(ctx, productID, func(u *unit) error {
		sum, err := s.lots.SumActive(u.ctx, u.tx, productID)
		if err != nil {
			return err
		}
		actual = sum
		drifted = sum != u.total
		if !drifted {
			return nil
		}

		if err := s.aggregates.Set(u.ctx, u.tx, productID, sum); err != nil {
			return err
		}

		cached := u.total
		u.afterCommit(func(ctx context.Context) {
			s.logger.Warn().
				Str("product_id", productID).
				Int("cached", cached).
				Int("actual", sum).
				Msg("aggregate drift corrected")
			s.publisher.PublishAggregateDrift(ctx, productID, cached, sum)
		})
		return nil
	})
	if err != nil {
		return 0, false, mapError(err)
	}

	return actual, drifted, nil
}

// ReconcileAll reconciles every product that has lots or a cached aggregate
func (s *StockService) ReconcileAll(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	productIDs, err := s.lots.ProductIDs(ctx, s.db)
	if err != nil {
		return report, err
	}

	var errs []error
	for _, productID := range productIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		_, drifted, err := s.reconcile(ctx, productID)
		if err != nil {
			s.logger.Error().Err(err).Str("product_id", productID).Msg("reconcile failed for product")
			errs = append(errs, err)
			continue
		}
		report.Products++
		if drifted {
			report.Drifted++
		}
	}

	s.logger.Info().
		Int("products", report.Products).
		Int("drifted", report.Drifted).
		Msg("reconcile completed")

	return report, stderrors.Join(errs...)
}
