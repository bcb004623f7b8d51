package repository

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
)

// BatchNumberConstraint is the unique constraint a generated number can collide on
const BatchNumberConstraint = "lots_product_batch_number_key"

// MaxBatchNumberLength is the width of lots.batch_number
const MaxBatchNumberLength = 64

// maxSequenceDigits keeps the derived sequence well inside BIGINT
const maxSequenceDigits = 9

// BatchNumberGenerator derives batch numbers of the form
// PREFIX + YYYYMMDD + "-" + sequence from the lots already stored, so that
// any number of service instances agree on the next value.
type BatchNumberGenerator struct {
	prefix    string
	generated *regexp.Regexp
}

// NewBatchNumberGenerator creates a generator for the given prefix, e.g. "LOT-"
func NewBatchNumberGenerator(prefix string) *BatchNumberGenerator {
	return &BatchNumberGenerator{
		prefix:    prefix,
		generated: regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `[0-9]{8}-[0-9]+$`),
	}
}

// IsGenerated reports whether batch has the shape of a generated number.
// Such values are reserved for the generator.
func (g *BatchNumberGenerator) IsGenerated(batch string) bool {
	return g.generated.MatchString(batch)
}

// Format renders the batch number for a day and sequence
func (g *BatchNumberGenerator) Format(day time.Time, seq int64) string {
	return fmt.Sprintf("%s%04d", g.datePrefix(day), seq)
}

func (g *BatchNumberGenerator) datePrefix(day time.Time) string {
	return g.prefix + day.Format("20060102") + "-"
}

// Next returns the next free batch number of the product for day. It must run
// in the transaction that inserts the lot; a concurrent insert of the same
// number surfaces as a unique violation on BatchNumberConstraint.
func (g *BatchNumberGenerator) Next(ctx context.Context, q sqlx.QueryerContext, productID string, day time.Time) (string, error) {
	prefix := g.datePrefix(day)
	pattern := fmt.Sprintf("^%s[0-9]{1,%d}$", regexp.QuoteMeta(prefix), maxSequenceDigits)

	var next int64
	query := `
		SELECT COALESCE(MAX(CAST(SUBSTRING(batch_number FROM $2::int) AS BIGINT)), 0) + 1
		FROM lots
		WHERE product_id = $1 AND batch_number ~ $3
	`
	if err := sqlx.GetContext(ctx, q, &next, query, productID, len(prefix)+1, pattern); err != nil {
		return "", fmt.Errorf("failed to derive batch number: %w", err)
	}

	return g.Format(day, next), nil
}
