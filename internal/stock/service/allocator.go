package service

import (
	"context"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// FulfillInput is a request to take stock of one product
type FulfillInput struct {
	ProductID string
	Quantity  int
	// Reference is the caller's correlation id; a replay with the same
	// reference returns the original allocations
	Reference string
	Actor     string
}

// Fulfill takes quantity units of a product first-expired-first-out.
//
// The unit first checks that eligible stock covers the request and fails
// with InsufficientStock without touching anything otherwise. It then locks
// the eligible lots in FEFO order and draws from them, writing one sale
// entry per lot. Running out of lots after a passing precheck is a
// ConsistencyFault: the unit rolls back and the fault is never retried.
func (s *StockService) Fulfill(ctx context.Context, in FulfillInput) (*domain.FulfillResult, error) {
	if err := validateProductID(in.ProductID); err != nil {
		return nil, err
	}
	if in.Quantity <= 0 {
		return nil, errors.Validation(map[string]string{"quantity": "must be positive"})
	}
	if in.Reference == "" {
		return nil, errors.Validation(map[string]string{"reference": "required"})
	}
	if err := validateActor(in.Actor); err != nil {
		return nil, err
	}
	if err := s.requireProduct(ctx, in.ProductID, false); err != nil {
		return nil, err
	}

	log := s.logger.WithProduct(in.ProductID)
	var result *domain.FulfillResult

	err := s.inProduct(ctx, in.ProductID, func(u *unit) error {
		replay, err := s.replayFulfillment(u, in)
		if err != nil || replay != nil {
			result = replay
			return err
		}

		available, err := s.lots.EligibleAvailable(u.ctx, u.tx, in.ProductID, u.today)
		if err != nil {
			return err
		}
		if available < in.Quantity {
			return errors.InsufficientStock(available, in.Quantity)
		}

		lots, err := s.lots.LockEligible(u.ctx, u.tx, in.ProductID, u.today)
		if err != nil {
			return err
		}

		plan, remaining := domain.PlanAllocation(lots, in.Quantity, u.today)
		if remaining > 0 {
			log.Critical().
				Str("reference", in.Reference).
				Int("requested", in.Quantity).
				Int("available", available).
				Int("unallocated", remaining).
				Msg("eligible lots exhausted after availability precheck passed")
			return errors.ConsistencyFault("allocation precheck and apply phase disagree")
		}

		byID := make(map[string]*domain.Lot, len(lots))
		for _, l := range lots {
			byID[l.ID] = l
		}

		meta := domain.EntryMeta{
			Type:          domain.TxSale,
			ReferenceID:   in.Reference,
			ReferenceType: domain.RefFulfillment,
			Actor:         in.Actor,
		}
		for _, a := range plan {
			take := a.QuantityTaken
			if _, _, err := s.applyMutation(u, byID[a.LotID], meta, func(l *domain.Lot) error {
				l.Quantity -= take
				return nil
			}); err != nil {
				return err
			}
		}

		f := &domain.Fulfillment{
			ProductID: in.ProductID,
			Reference: in.Reference,
			Quantity:  in.Quantity,
			Actor:     in.Actor,
		}
		if err := s.fulfillments.Insert(u.ctx, u.tx, f); err != nil {
			return err
		}

		result = &domain.FulfillResult{
			FulfillmentID: f.ID,
			ProductID:     in.ProductID,
			Reference:     in.Reference,
			Quantity:      in.Quantity,
			Allocations:   plan,
		}
		u.afterCommit(func(ctx context.Context) {
			s.publisher.PublishFulfilled(ctx, result, in.Actor)
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, errors.ErrInsufficientStock) {
			log.Info().Str("reference", in.Reference).Err(err).Msg("fulfillment rejected")
		}
		return nil, mapError(err)
	}

	if result.Replayed {
		log.Info().Str("reference", in.Reference).Msg("fulfillment replayed")
	} else {
		log.Info().
			Str("reference", in.Reference).
			Int("quantity", in.Quantity).
			Int("lots", len(result.Allocations)).
			Str("actor", in.Actor).
			Msg("fulfillment committed")
	}
	return result, nil
}

// replayFulfillment answers a repeated reference from the ledger. It returns
// nil when the reference is new.
func (s *StockService) replayFulfillment(u *unit, in FulfillInput) (*domain.FulfillResult, error) {
	prior, err := s.fulfillments.Find(u.ctx, u.tx, in.ProductID, in.Reference)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if prior.Quantity != in.Quantity {
		return nil, errors.Conflict("reference was already fulfilled with a different quantity").
			WithDetails(map[string]string{"reference": in.Reference})
	}

	allocations, err := s.ledger.SaleAllocations(u.ctx, u.tx, in.ProductID, in.Reference)
	if err != nil {
		return nil, err
	}

	return &domain.FulfillResult{
		FulfillmentID: prior.ID,
		ProductID:     in.ProductID,
		Reference:     in.Reference,
		Quantity:      prior.Quantity,
		Allocations:   allocations,
		Replayed:      true,
	}, nil
}
