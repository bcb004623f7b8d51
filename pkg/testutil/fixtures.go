package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ProductFixture represents a catalog product row
type ProductFixture struct {
	ID       string
	Name     string
	IsActive bool
}

// FixtureFactory creates test fixtures with sensible defaults
type FixtureFactory struct {
	mu       sync.Mutex
	sequence int
}

// NewFixtureFactory creates a new fixture factory
func NewFixtureFactory() *FixtureFactory {
	return &FixtureFactory{}
}

// nextSeq returns the next sequence number for unique values
func (f *FixtureFactory) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequence++
	return f.sequence
}

// Product creates a product fixture with defaults
func (f *FixtureFactory) Product(opts ...func(*ProductFixture)) ProductFixture {
	seq := f.nextSeq()

	p := ProductFixture{
		ID:       uuid.New().String(),
		Name:     fmt.Sprintf("Test Product %d", seq),
		IsActive: true,
	}

	for _, opt := range opts {
		opt(&p)
	}

	return p
}

// Inactive marks the product as discontinued
func Inactive() func(*ProductFixture) {
	return func(p *ProductFixture) {
		p.IsActive = false
	}
}

// InsertProduct writes the fixture to the products table
func InsertProduct(ctx context.Context, db sqlx.ExecerContext, p ProductFixture) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO products (id, name, is_active) VALUES ($1, $2, $3)`,
		p.ID, p.Name, p.IsActive,
	)
	if err != nil {
		return fmt.Errorf("failed to insert product fixture: %w", err)
	}
	return nil
}

// Date returns midnight UTC of the given day
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// FixedClock returns a clock function that always reports t
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
