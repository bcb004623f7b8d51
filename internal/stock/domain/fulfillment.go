package domain

import "time"

// Fulfillment records a processed fulfillment request so that replays with
// the same reference are answered without deducting stock twice.
type Fulfillment struct {
	ID        string    `db:"id" json:"id"`
	ProductID string    `db:"product_id" json:"product_id"`
	Reference string    `db:"reference" json:"reference"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Actor     string    `db:"actor" json:"actor"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// FulfillResult is the outcome of a successful fulfillment
type FulfillResult struct {
	FulfillmentID string       `json:"fulfillment_id"`
	ProductID     string       `json:"product_id"`
	Reference     string       `json:"reference"`
	Quantity      int          `json:"quantity"`
	Allocations   []Allocation `json:"allocations"`
	Replayed      bool         `json:"replayed"`
}
