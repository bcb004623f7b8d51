package service

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// unit is one atomic unit of work on a single product. Everything done
// through it commits or rolls back together.
type unit struct {
	ctx       context.Context
	tx        *sqlx.Tx
	productID string
	today     time.Time
	// total is the cached aggregate as locked at the start of the unit
	total   int
	effects []func(context.Context)
}

// afterCommit queues a side effect that runs only once the unit committed
func (u *unit) afterCommit(fn func(context.Context)) {
	u.effects = append(u.effects, fn)
}

// inProduct runs fn in a transaction whose first statement locks the
// product's aggregate row. Every write to a product's lots, fulfillments or
// aggregate happens under that lock, so units on the same product execute
// one after the other: a waiter blocks until the holder commits and then
// reads its committed rows. fn may be invoked again after a deadlock; only
// the effects of the committed attempt run.
func (s *StockService) inProduct(ctx context.Context, productID string, fn func(u *unit) error) error {
	var effects []func(context.Context)
	txCtx := context.WithoutCancel(ctx)

	err := s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		u := &unit{
			ctx:       txCtx,
			tx:        tx,
			productID: productID,
			today:     s.today(),
		}

		total, err := s.aggregates.Lock(txCtx, tx, productID)
		if err != nil {
			return err
		}
		u.total = total

		if err := fn(u); err != nil {
			return err
		}
		effects = u.effects
		return nil
	})
	if err != nil {
		return err
	}

	for _, effect := range effects {
		effect(txCtx)
	}
	return nil
}

// applyMutation is the only path that changes a lot. It mutates a copy of
// the locked lot, re-derives the status, re-validates every invariant and
// then persists the lot, its ledger entry and the aggregate delta in u.
// An empty meta.Type records no ledger entry; used for reservations, which
// leave the quantity untouched.
func (s *StockService) applyMutation(u *unit, current *domain.Lot, meta domain.EntryMeta, mutate func(*domain.Lot) error) (*domain.Lot, *domain.LedgerEntry, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, nil, err
	}
	next.Refresh(u.today)

	if err := next.Validate(); err != nil {
		return nil, nil, err
	}

	if err := s.lots.Update(u.ctx, u.tx, next); err != nil {
		return nil, nil, err
	}

	var entry *domain.LedgerEntry
	if meta.Type != "" {
		entry = domain.NewEntry(current, next, meta)
		if err := s.ledger.Append(u.ctx, u.tx, entry); err != nil {
			return nil, nil, err
		}
	}

	if err := s.aggregates.ApplyDelta(u.ctx, u.tx, u.productID, next.Contribution()-current.Contribution()); err != nil {
		return nil, nil, err
	}

	return next, entry, nil
}

// mapError converts driver errors leaving a unit into AppErrors
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if mapped := database.MapPQError(err); mapped != nil {
		return mapped
	}
	return err
}
