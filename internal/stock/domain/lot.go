// Package domain holds the lot ledger model and the pure rules that govern
// it: status derivation, invariant checks and FEFO allocation planning.
package domain

import (
	"time"

	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a lot
type Status string

const (
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusDepleted    Status = "depleted"
	StatusQuarantined Status = "quarantined"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusDepleted, StatusQuarantined:
		return true
	}
	return false
}

// Lot is one physical receipt of a product
type Lot struct {
	ID               string              `db:"id" json:"id"`
	ProductID        string              `db:"product_id" json:"product_id"`
	BatchNumber      string              `db:"batch_number" json:"batch_number"`
	Quantity         int                 `db:"quantity" json:"quantity"`
	OriginalQuantity int                 `db:"original_quantity" json:"original_quantity"`
	ReservedQuantity int                 `db:"reserved_quantity" json:"reserved_quantity"`
	CostPerUnit      decimal.NullDecimal `db:"cost_per_unit" json:"cost_per_unit"`
	ExpiryDate       *time.Time          `db:"expiry_date" json:"expiry_date,omitempty"`
	ManufactureDate  *time.Time          `db:"manufacture_date" json:"manufacture_date,omitempty"`
	SupplierID       *string             `db:"supplier_id" json:"supplier_id,omitempty"`
	Status           Status              `db:"status" json:"status"`
	CreatedAt        time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at" json:"updated_at"`
}

// DateOf returns the calendar day of t as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DeriveStatus computes the status a lot must have. Quarantine is the only
// manual state and survives as long as the lot still holds stock.
func DeriveStatus(quantity int, expiry *time.Time, current Status, today time.Time) Status {
	if quantity == 0 {
		return StatusDepleted
	}
	if current == StatusQuarantined {
		return StatusQuarantined
	}
	if expiry != nil && DateOf(*expiry).Before(DateOf(today)) {
		return StatusExpired
	}
	return StatusActive
}

// Refresh recomputes the lot's status for today
func (l *Lot) Refresh(today time.Time) {
	l.Status = DeriveStatus(l.Quantity, l.ExpiryDate, l.Status, today)
}

// Available is the quantity the allocator may take
func (l *Lot) Available() int {
	return l.Quantity - l.ReservedQuantity
}

// Contribution is what the lot adds to its product's aggregate
func (l *Lot) Contribution() int {
	if l.Status == StatusActive {
		return l.Quantity
	}
	return 0
}

// IsExpired reports whether the lot's expiry date lies before today
func (l *Lot) IsExpired(today time.Time) bool {
	return l.ExpiryDate != nil && DateOf(*l.ExpiryDate).Before(DateOf(today))
}

// IsEligible reports whether the allocator may draw from the lot today.
// It checks the expiry date itself and does not rely on a prior sweep.
func (l *Lot) IsEligible(today time.Time) bool {
	return l.Status == StatusActive && !l.IsExpired(today)
}

// Validate checks the quantity, status and date invariants of the lot
func (l *Lot) Validate() error {
	details := make(map[string]string)

	if l.OriginalQuantity <= 0 {
		details["original_quantity"] = "must be positive"
	}
	if l.Quantity < 0 || l.Quantity > l.OriginalQuantity {
		details["quantity"] = "must be between 0 and the original quantity"
	}
	if l.ReservedQuantity < 0 || l.ReservedQuantity > l.Quantity {
		details["reserved_quantity"] = "must be between 0 and the lot quantity"
	}
	if !l.Status.Valid() {
		details["status"] = "must be one of: active, expired, depleted, quarantined"
	}
	if l.CostPerUnit.Valid && l.CostPerUnit.Decimal.IsNegative() {
		details["cost_per_unit"] = "must not be negative"
	}
	if l.ExpiryDate != nil && l.ManufactureDate != nil && DateOf(*l.ExpiryDate).Before(DateOf(*l.ManufactureDate)) {
		details["expiry_date"] = "must not be before the manufacture date"
	}

	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// Clone returns a copy whose pointer fields do not alias the original
func (l *Lot) Clone() *Lot {
	cp := *l
	if l.ExpiryDate != nil {
		d := *l.ExpiryDate
		cp.ExpiryDate = &d
	}
	if l.ManufactureDate != nil {
		d := *l.ManufactureDate
		cp.ManufactureDate = &d
	}
	if l.SupplierID != nil {
		s := *l.SupplierID
		cp.SupplierID = &s
	}
	return &cp
}
