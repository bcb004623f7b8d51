package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
)

// FulfillmentRepository records processed fulfillment references
type FulfillmentRepository struct{}

// NewFulfillmentRepository creates a new fulfillment repository
func NewFulfillmentRepository() *FulfillmentRepository {
	return &FulfillmentRepository{}
}

// Find gets the fulfillment recorded for a product and reference
func (r *FulfillmentRepository) Find(ctx context.Context, q sqlx.QueryerContext, productID, reference string) (*domain.Fulfillment, error) {
	var f domain.Fulfillment
	query := `
		SELECT id, product_id, reference, quantity, actor, created_at
		FROM fulfillments WHERE product_id = $1 AND reference = $2
	`
	if err := sqlx.GetContext(ctx, q, &f, query, productID, reference); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("fulfillment")
		}
		return nil, err
	}
	return &f, nil
}

// Insert records a fulfillment
func (r *FulfillmentRepository) Insert(ctx context.Context, q sqlx.ExtContext, f *domain.Fulfillment) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	query := `
		INSERT INTO fulfillments (id, product_id, reference, quantity, actor)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	return q.QueryRowxContext(ctx, query, f.ID, f.ProductID, f.Reference, f.Quantity, f.Actor).Scan(&f.CreatedAt)
}
