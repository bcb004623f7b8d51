package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ProductDirectory answers catalog questions about a product by reading the
// catalog's products table
type ProductDirectory struct {
	db sqlx.QueryerContext
}

// NewProductDirectory creates a new product directory
func NewProductDirectory(db sqlx.QueryerContext) *ProductDirectory {
	return &ProductDirectory{db: db}
}

// Exists reports whether the product is known to the catalog
func (d *ProductDirectory) Exists(ctx context.Context, productID string) (bool, error) {
	_, err := d.lookup(ctx, productID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// IsActive reports whether the product exists and may receive stock
func (d *ProductDirectory) IsActive(ctx context.Context, productID string) (bool, error) {
	active, err := d.lookup(ctx, productID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return active, err
}

func (d *ProductDirectory) lookup(ctx context.Context, productID string) (bool, error) {
	if _, err := uuid.Parse(productID); err != nil {
		return false, sql.ErrNoRows
	}
	var active bool
	err := sqlx.GetContext(ctx, d.db, &active, `SELECT is_active FROM products WHERE id = $1`, productID)
	return active, err
}
