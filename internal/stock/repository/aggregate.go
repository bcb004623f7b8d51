package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/jmoiron/sqlx"
)

// AggregateRepository maintains the per-product stock totals
type AggregateRepository struct{}

// NewAggregateRepository creates a new aggregate repository
func NewAggregateRepository() *AggregateRepository {
	return &AggregateRepository{}
}

// Lock creates the product's aggregate row if needed and locks it for the
// rest of the transaction. Units touching the same product queue here.
func (r *AggregateRepository) Lock(ctx context.Context, q sqlx.ExtContext, productID string) (int, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock_aggregates (product_id, total) VALUES ($1, 0)
		ON CONFLICT (product_id) DO NOTHING
	`, productID)
	if err != nil {
		return 0, err
	}

	var total int
	err = sqlx.GetContext(ctx, q, &total,
		`SELECT total FROM stock_aggregates WHERE product_id = $1 FOR UPDATE`, productID)
	return total, err
}

// Read returns the cached total, zero for a product without lots
func (r *AggregateRepository) Read(ctx context.Context, q sqlx.QueryerContext, productID string) (int, error) {
	var total int
	err := sqlx.GetContext(ctx, q, &total,
		`SELECT total FROM stock_aggregates WHERE product_id = $1`, productID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return total, err
}

// ApplyDelta adds delta to the cached total
func (r *AggregateRepository) ApplyDelta(ctx context.Context, q sqlx.ExecerContext, productID string, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		UPDATE stock_aggregates SET total = total + $2, updated_at = NOW()
		WHERE product_id = $1
	`, productID, delta)
	return err
}

// Set overwrites the cached total
func (r *AggregateRepository) Set(ctx context.Context, q sqlx.ExecerContext, productID string, total int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE stock_aggregates SET total = $2, updated_at = NOW()
		WHERE product_id = $1
	`, productID, total)
	return err
}
