package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/stock-ledger/internal/stock/domain"
)

const ledgerColumns = `id, seq, product_id, lot_id, transaction_type, quantity_before, quantity_change,
	quantity_after, reference_id, reference_type, reason, actor, created_at`

// DefaultLedgerLimit caps ledger queries that do not set a limit
const DefaultLedgerLimit = 500

// LedgerFilter narrows a ledger query. AfterSeq is the cursor consumers
// keep to read only entries appended since their last poll.
type LedgerFilter struct {
	ProductID       string
	LotID           string
	TransactionType domain.TransactionType
	ReferenceID     string
	AfterSeq        int64
	Since           *time.Time
	Limit           int
}

func (f LedgerFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, v interface{}) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.ProductID != "" {
		add("product_id = $%d", f.ProductID)
	}
	if f.LotID != "" {
		add("lot_id = $%d", f.LotID)
	}
	if f.TransactionType != "" {
		add("transaction_type = $%d", f.TransactionType)
	}
	if f.ReferenceID != "" {
		add("reference_id = $%d", f.ReferenceID)
	}
	if f.AfterSeq > 0 {
		add("seq > $%d", f.AfterSeq)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// LedgerRepository appends and reads ledger entries. It has no update or
// delete path; the table itself rejects both.
type LedgerRepository struct{}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{}
}

// Append validates and stores an entry. The seq comes from the
// ledger_sequence row, which stays locked until q's transaction ends, so
// entries commit in seq order and an after_seq cursor never passes an entry
// that is still uncommitted.
func (r *LedgerRepository) Append(ctx context.Context, q sqlx.ExtContext, e *domain.LedgerEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	var seq int64
	if err := sqlx.GetContext(ctx, q, &seq,
		`UPDATE ledger_sequence SET last_seq = last_seq + 1 RETURNING last_seq`); err != nil {
		return err
	}

	query := `
		INSERT INTO ledger_entries (
			id, seq, product_id, lot_id, transaction_type, quantity_before, quantity_change,
			quantity_after, reference_id, reference_type, reason, actor
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq, created_at
	`

	return q.QueryRowxContext(ctx, query,
		e.ID, seq, e.ProductID, e.LotID, e.TransactionType, e.QuantityBefore, e.QuantityChange,
		e.QuantityAfter, e.ReferenceID, e.ReferenceType, e.Reason, e.Actor,
	).Scan(&e.Seq, &e.CreatedAt)
}

// Query returns matching entries in append order
func (r *LedgerRepository) Query(ctx context.Context, q sqlx.QueryerContext, filter LedgerFilter) ([]*domain.LedgerEntry, error) {
	entries := []*domain.LedgerEntry{}
	err := r.Stream(ctx, q, filter, func(e *domain.LedgerEntry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Stream calls fn for every matching entry in append order without
// materialising the result set. Returning an error from fn stops the scan.
func (r *LedgerRepository) Stream(ctx context.Context, q sqlx.QueryerContext, filter LedgerFilter, fn func(*domain.LedgerEntry) error) error {
	where, args := filter.where()

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLedgerLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM ledger_entries %s ORDER BY seq ASC LIMIT $%d`, ledgerColumns, where, len(args))

	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.StructScan(&e); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// SaleAllocations rebuilds the allocations of a recorded fulfillment from its sale entries
func (r *LedgerRepository) SaleAllocations(ctx context.Context, q sqlx.QueryerContext, productID, reference string) ([]domain.Allocation, error) {
	allocations := []domain.Allocation{}
	query := `
		SELECT e.lot_id, l.batch_number, -e.quantity_change AS quantity_taken
		FROM ledger_entries e
		JOIN lots l ON l.id = e.lot_id
		WHERE e.product_id = $1 AND e.reference_id = $2 AND e.transaction_type = $3
		ORDER BY e.seq ASC
	`
	if err := sqlx.SelectContext(ctx, q, &allocations, query, productID, reference, domain.TxSale); err != nil {
		return nil, err
	}
	return allocations, nil
}
