package service

import (
	"context"
	stderrors "errors"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/actor"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// SweepExpired moves active lots whose expiry date has passed to expired,
// writing one zero-change expiry entry per lot. Each product is swept in its
// own unit; a failing product does not stop the others.
func (s *StockService) SweepExpired(ctx context.Context) (int, error) {
	today := s.today()

	productIDs, err := s.lots.ProductsWithExpiredActiveLots(ctx, s.db, today)
	if err != nil {
		return 0, err
	}

	swept := 0
	var errs []error
	for _, productID := range productIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		n, err := s.sweepProduct(ctx, productID)
		if err != nil {
			s.logger.Error().Err(err).Str("product_id", productID).Msg("expiry sweep failed for product")
			errs = append(errs, err)
			continue
		}
		swept += n
	}

	s.logger.Info().
		Int("products", len(productIDs)).
		Int("lots", swept).
		Msg("expiry sweep completed")

	return swept, stderrors.Join(errs...)
}

func (s *StockService) sweepProduct(ctx context.Context, productID string) (int, error) {
	count := 0

	err := s.inProduct(ctx, productID, func(u *unit) error {
		count = 0
		lots, err := s.lots.LockExpiredActive(u.ctx, u.tx, productID, u.today)
		if err != nil {
			return err
		}

		meta := domain.EntryMeta{
			Type:   domain.TxExpiry,
			Reason: "expiry date passed",
			Actor:  actor.SystemID,
		}
		for _, lot := range lots {
			expired, _, err := s.applyMutation(u, lot, meta, func(*domain.Lot) error { return nil })
			if err != nil {
				return err
			}
			u.afterCommit(func(ctx context.Context) {
				s.publisher.PublishLotExpired(ctx, expired)
			})
			count++
		}
		return nil
	})

	return count, mapError(err)
}

func requireReason(reason string) error {
	if reason == "" {
		return errors.Validation(map[string]string{"reason": "required"})
	}
	return nil
}

// setQuantity returns a mutation that sets the lot quantity to n
func setQuantity(n int) func(*domain.Lot) error {
	return func(l *domain.Lot) error {
		switch {
		case n < 0:
			return errors.Validation(map[string]string{"new_quantity": "must not be negative"})
		case n > l.OriginalQuantity:
			return errors.Validation(map[string]string{"new_quantity": "must not exceed the original quantity"})
		case n < l.ReservedQuantity:
			return errors.Validation(map[string]string{"new_quantity": "must not be below the reserved quantity"})
		}
		l.Quantity = n
		return nil
	}
}

// AdjustQuantity sets a lot's quantity and records the delta as an adjustment
func (s *StockService) AdjustQuantity(ctx context.Context, lotID string, newQuantity int, reason, actorID string) (*domain.Lot, error) {
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	return s.UpdateLot(ctx, lotID, domain.EntryMeta{
		Type:   domain.TxAdjustment,
		Reason: reason,
		Actor:  actorID,
	}, setQuantity(newQuantity))
}

// RecordCount sets a lot's quantity to a physical count result
func (s *StockService) RecordCount(ctx context.Context, lotID string, counted int, reason, actorID string) (*domain.Lot, error) {
	if reason == "" {
		reason = "physical count"
	}
	return s.UpdateLot(ctx, lotID, domain.EntryMeta{
		Type:   domain.TxCount,
		Reason: reason,
		Actor:  actorID,
	}, setQuantity(counted))
}

// WriteOffDamaged removes damaged units from a lot. Reserved units cannot be written off.
func (s *StockService) WriteOffDamaged(ctx context.Context, lotID string, quantity int, reason, actorID string) (*domain.Lot, error) {
	if quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be positive"})
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	return s.UpdateLot(ctx, lotID, domain.EntryMeta{
		Type:   domain.TxDamaged,
		Reason: reason,
		Actor:  actorID,
	}, func(l *domain.Lot) error {
		if quantity > l.Available() {
			return errors.Validation(map[string]string{"quantity": "exceeds the unreserved quantity of the lot"})
		}
		l.Quantity -= quantity
		return nil
	})
}

// ReturnToLot puts returned units back into the lot they were sold from
func (s *StockService) ReturnToLot(ctx context.Context, lotID string, quantity int, reference, actorID string) (*domain.Lot, error) {
	if quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be positive"})
	}
	return s.UpdateLot(ctx, lotID, domain.EntryMeta{
		Type:          domain.TxReturn,
		ReferenceID:   reference,
		ReferenceType: domain.RefReturn,
		Actor:         actorID,
	}, func(l *domain.Lot) error {
		if l.Quantity+quantity > l.OriginalQuantity {
			return errors.Validation(map[string]string{"quantity": "return would exceed the original quantity"})
		}
		l.Quantity += quantity
		return nil
	})
}

// Quarantine withdraws a lot from sale without changing its quantity
func (s *StockService) Quarantine(ctx context.Context, lotID, reason, actorID string) (*domain.Lot, error) {
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	return s.UpdateLot(ctx, lotID, domain.EntryMeta{
		Type:   domain.TxAdjustment,
		Reason: "quarantined: " + reason,
		Actor:  actorID,
	}, func(l *domain.Lot) error {
		switch l.Status {
		case domain.StatusDepleted:
			return errors.Conflict("a depleted lot cannot be quarantined")
		case domain.StatusQuarantined:
			return errors.Conflict("lot is already quarantined")
		}
		l.Status = domain.StatusQuarantined
		return nil
	})
}

// ReleaseQuarantine returns a quarantined lot to its derived status
func (s *StockService) ReleaseQuarantine(ctx context.Context, lotID, reason, actorID string) (*domain.Lot, error) {
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	return s.UpdateLot(ctx, lotID, domain.EntryMeta{
		Type:   domain.TxAdjustment,
		Reason: "released from quarantine: " + reason,
		Actor:  actorID,
	}, func(l *domain.Lot) error {
		if l.Status != domain.StatusQuarantined {
			return errors.Conflict("lot is not quarantined")
		}
		l.Status = domain.StatusActive
		return nil
	})
}

// Reserve sets units of an active lot aside. Reserved units are invisible
// to the allocator. Reservations change no quantity and write no ledger entry.
func (s *StockService) Reserve(ctx context.Context, lotID string, quantity int, actorID string) (*domain.Lot, error) {
	if quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be positive"})
	}
	if err := validateActor(actorID); err != nil {
		return nil, err
	}

	lot, err := s.UpdateLot(ctx, lotID, domain.EntryMeta{}, func(l *domain.Lot) error {
		if l.Status != domain.StatusActive {
			return errors.Conflict("only active lots can be reserved")
		}
		if quantity > l.Available() {
			return errors.Validation(map[string]string{"quantity": "exceeds the unreserved quantity of the lot"})
		}
		l.ReservedQuantity += quantity
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("lot_id", lotID).Int("quantity", quantity).Str("actor", actorID).Msg("lot units reserved")
	return lot, nil
}

// ReleaseReservation returns reserved units to the allocatable pool
func (s *StockService) ReleaseReservation(ctx context.Context, lotID string, quantity int, actorID string) (*domain.Lot, error) {
	if quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be positive"})
	}
	if err := validateActor(actorID); err != nil {
		return nil, err
	}

	lot, err := s.UpdateLot(ctx, lotID, domain.EntryMeta{}, func(l *domain.Lot) error {
		if quantity > l.ReservedQuantity {
			return errors.Validation(map[string]string{"quantity": "exceeds the reserved quantity of the lot"})
		}
		l.ReservedQuantity -= quantity
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("lot_id", lotID).Int("quantity", quantity).Str("actor", actorID).Msg("lot reservation released")
	return lot, nil
}
