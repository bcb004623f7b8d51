package domain

import (
	"time"

	"github.com/medflow/stock-ledger/pkg/errors"
)

// TransactionType classifies a ledger entry
type TransactionType string

const (
	TxLotCreated TransactionType = "lot_created"
	TxSale       TransactionType = "sale"
	TxAdjustment TransactionType = "adjustment"
	TxTransfer   TransactionType = "transfer"
	TxExpiry     TransactionType = "expiry"
	TxReturn     TransactionType = "return"
	TxDamaged    TransactionType = "damaged"
	TxCount      TransactionType = "count"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TxLotCreated, TxSale, TxAdjustment, TxTransfer, TxExpiry, TxReturn, TxDamaged, TxCount:
		return true
	}
	return false
}

// Reference types recorded on ledger entries
const (
	RefFulfillment = "fulfillment"
	RefReturn      = "return"
)

// LedgerEntry records one quantity-affecting event on one lot
type LedgerEntry struct {
	ID              string          `db:"id" json:"id"`
	Seq             int64           `db:"seq" json:"seq"`
	ProductID       string          `db:"product_id" json:"product_id"`
	LotID           string          `db:"lot_id" json:"lot_id"`
	TransactionType TransactionType `db:"transaction_type" json:"transaction_type"`
	QuantityBefore  int             `db:"quantity_before" json:"quantity_before"`
	QuantityChange  int             `db:"quantity_change" json:"quantity_change"`
	QuantityAfter   int             `db:"quantity_after" json:"quantity_after"`
	ReferenceID     *string         `db:"reference_id" json:"reference_id,omitempty"`
	ReferenceType   *string         `db:"reference_type" json:"reference_type,omitempty"`
	Reason          *string         `db:"reason" json:"reason,omitempty"`
	Actor           string          `db:"actor" json:"actor"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Validate checks the entry before it is appended
func (e *LedgerEntry) Validate() error {
	details := make(map[string]string)

	if e.ProductID == "" {
		details["product_id"] = "required"
	}
	if e.LotID == "" {
		details["lot_id"] = "required"
	}
	if !e.TransactionType.Valid() {
		details["transaction_type"] = "unknown transaction type"
	}
	if e.Actor == "" {
		details["actor"] = "required"
	}
	if e.QuantityBefore < 0 || e.QuantityAfter < 0 {
		details["quantity_after"] = "must not be negative"
	}
	if e.QuantityAfter != e.QuantityBefore+e.QuantityChange {
		details["quantity_after"] = "must equal quantity_before plus quantity_change"
	}

	if len(details) > 0 {
		return errors.Validation(details)
	}
	return nil
}

// EntryMeta describes why a lot changed
type EntryMeta struct {
	Type          TransactionType
	ReferenceID   string
	ReferenceType string
	Reason        string
	Actor         string
}

// NewEntry builds the ledger entry for the transition of a lot from before to after
func NewEntry(before, after *Lot, meta EntryMeta) *LedgerEntry {
	e := &LedgerEntry{
		ProductID:       after.ProductID,
		LotID:           after.ID,
		TransactionType: meta.Type,
		QuantityBefore:  before.Quantity,
		QuantityChange:  after.Quantity - before.Quantity,
		QuantityAfter:   after.Quantity,
		Actor:           meta.Actor,
	}
	if meta.ReferenceID != "" {
		e.ReferenceID = &meta.ReferenceID
	}
	if meta.ReferenceType != "" {
		e.ReferenceType = &meta.ReferenceType
	}
	if meta.Reason != "" {
		e.Reason = &meta.Reason
	}
	return e
}
