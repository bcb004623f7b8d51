package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
)

const lotColumns = `id, product_id, batch_number, quantity, original_quantity, reserved_quantity,
	cost_per_unit, expiry_date, manufacture_date, supplier_id, status, created_at, updated_at`

// FEFO order; domain.SortFEFO applies the same order in memory.
const fefoOrder = `ORDER BY expiry_date ASC NULLS LAST, created_at ASC, id ASC`

// sqlDate renders a calendar day for comparison with DATE columns
func sqlDate(t time.Time) string {
	return t.Format("2006-01-02")
}

// LotFilter narrows a lot listing
type LotFilter struct {
	Status         *domain.Status
	ExpiringBefore *time.Time
	ExpiringAfter  *time.Time
	Limit          int
	Offset         int
}

// LotRepository persists lots. Every method runs on the querier it is
// given so callers can compose them inside one transaction.
type LotRepository struct{}

// NewLotRepository creates a new lot repository
func NewLotRepository() *LotRepository {
	return &LotRepository{}
}

// Insert stores a new lot
func (r *LotRepository) Insert(ctx context.Context, q sqlx.ExtContext, lot *domain.Lot) error {
	if lot.ID == "" {
		lot.ID = uuid.New().String()
	}

	query := `
		INSERT INTO lots (
			id, product_id, batch_number, quantity, original_quantity, reserved_quantity,
			cost_per_unit, expiry_date, manufacture_date, supplier_id, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	return q.QueryRowxContext(ctx, query,
		lot.ID, lot.ProductID, lot.BatchNumber, lot.Quantity, lot.OriginalQuantity,
		lot.ReservedQuantity, lot.CostPerUnit, lot.ExpiryDate, lot.ManufactureDate,
		lot.SupplierID, lot.Status,
	).Scan(&lot.CreatedAt, &lot.UpdatedAt)
}

// Get gets a lot by ID
func (r *LotRepository) Get(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Lot, error) {
	return r.get(ctx, q, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, id)
}

// GetForUpdate gets a lot by ID and locks its row until the transaction ends
func (r *LotRepository) GetForUpdate(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Lot, error) {
	return r.get(ctx, q, `SELECT `+lotColumns+` FROM lots WHERE id = $1 FOR UPDATE`, id)
}

func (r *LotRepository) get(ctx context.Context, q sqlx.QueryerContext, query, id string) (*domain.Lot, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.NotFound("lot")
	}

	var lot domain.Lot
	if err := sqlx.GetContext(ctx, q, &lot, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NotFound("lot")
		}
		return nil, err
	}
	return &lot, nil
}

// ListByProduct lists the lots of a product in FEFO order
func (r *LotRepository) ListByProduct(ctx context.Context, q sqlx.QueryerContext, productID string, filter LotFilter) ([]*domain.Lot, error) {
	where := []string{"product_id = $1"}
	args := []interface{}{productID}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ExpiringBefore != nil {
		args = append(args, sqlDate(*filter.ExpiringBefore))
		where = append(where, fmt.Sprintf("expiry_date < $%d", len(args)))
	}
	if filter.ExpiringAfter != nil {
		args = append(args, sqlDate(*filter.ExpiringAfter))
		where = append(where, fmt.Sprintf("expiry_date >= $%d", len(args)))
	}

	query := `SELECT ` + lotColumns + ` FROM lots WHERE ` + strings.Join(where, " AND ") + ` ` + fefoOrder
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	lots := []*domain.Lot{}
	if err := sqlx.SelectContext(ctx, q, &lots, query, args...); err != nil {
		return nil, err
	}
	return lots, nil
}

// Update persists the mutable fields of a lot
func (r *LotRepository) Update(ctx context.Context, q sqlx.ExtContext, lot *domain.Lot) error {
	query := `
		UPDATE lots SET
			quantity = $2, reserved_quantity = $3, status = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := q.QueryRowxContext(ctx, query,
		lot.ID, lot.Quantity, lot.ReservedQuantity, lot.Status,
	).Scan(&lot.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("lot")
	}
	return err
}

// EligibleAvailable sums quantity minus reservations over the lots the
// allocator may draw from today
func (r *LotRepository) EligibleAvailable(ctx context.Context, q sqlx.QueryerContext, productID string, today time.Time) (int, error) {
	var available int
	query := `
		SELECT COALESCE(SUM(quantity - reserved_quantity), 0)
		FROM lots
		WHERE product_id = $1 AND status = 'active'
		AND (expiry_date IS NULL OR expiry_date >= $2)
	`
	if err := sqlx.GetContext(ctx, q, &available, query, productID, sqlDate(today)); err != nil {
		return 0, err
	}
	return available, nil
}

// LockEligible selects and locks the lots the allocator may draw from today, in FEFO order
func (r *LotRepository) LockEligible(ctx context.Context, q sqlx.QueryerContext, productID string, today time.Time) ([]*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE product_id = $1 AND status = 'active'
		AND (expiry_date IS NULL OR expiry_date >= $2)
		AND quantity > reserved_quantity
		` + fefoOrder + `
		FOR UPDATE`

	lots := []*domain.Lot{}
	if err := sqlx.SelectContext(ctx, q, &lots, query, productID, sqlDate(today)); err != nil {
		return nil, err
	}
	return lots, nil
}

// ProductsWithExpiredActiveLots returns the products that still have
// active lots whose expiry date lies before today
func (r *LotRepository) ProductsWithExpiredActiveLots(ctx context.Context, q sqlx.QueryerContext, today time.Time) ([]string, error) {
	var ids []string
	query := `
		SELECT DISTINCT product_id FROM lots
		WHERE status = 'active' AND expiry_date < $1
		ORDER BY product_id
	`
	if err := sqlx.SelectContext(ctx, q, &ids, query, sqlDate(today)); err != nil {
		return nil, err
	}
	return ids, nil
}

// LockExpiredActive selects and locks a product's active lots whose expiry date lies before today
func (r *LotRepository) LockExpiredActive(ctx context.Context, q sqlx.QueryerContext, productID string, today time.Time) ([]*domain.Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots
		WHERE product_id = $1 AND status = 'active' AND expiry_date < $2
		` + fefoOrder + `
		FOR UPDATE`

	lots := []*domain.Lot{}
	if err := sqlx.SelectContext(ctx, q, &lots, query, productID, sqlDate(today)); err != nil {
		return nil, err
	}
	return lots, nil
}

// SumActive recomputes a product's aggregate from its lots
func (r *LotRepository) SumActive(ctx context.Context, q sqlx.QueryerContext, productID string) (int, error) {
	var total int
	query := `SELECT COALESCE(SUM(quantity), 0) FROM lots WHERE product_id = $1 AND status = 'active'`
	if err := sqlx.GetContext(ctx, q, &total, query, productID); err != nil {
		return 0, err
	}
	return total, nil
}

// ProductIDs lists every product that has lots or a cached aggregate
func (r *LotRepository) ProductIDs(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	var ids []string
	query := `
		SELECT product_id FROM lots
		UNION
		SELECT product_id FROM stock_aggregates
		ORDER BY product_id
	`
	if err := sqlx.SelectContext(ctx, q, &ids, query); err != nil {
		return nil, err
	}
	return ids, nil
}
