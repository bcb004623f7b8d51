package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	// Lot events
	EventLotCreated  = "stock.lot.created"
	EventLotAdjusted = "stock.lot.adjusted"
	EventLotExpired  = "stock.lot.expired"

	// Fulfillment events
	EventFulfilled = "stock.fulfilled"

	// Integrity events
	EventAggregateDrift = "stock.aggregate.drift"
)

// Exchange names
const (
	ExchangeStockEvents = "stock.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Lot Events

// LotCreatedEvent is published when stock is received into a new lot
type LotCreatedEvent struct {
	LotID       string     `json:"lot_id"`
	ProductID   string     `json:"product_id"`
	BatchNumber string     `json:"batch_number"`
	Quantity    int        `json:"quantity"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	ReceivedBy  string     `json:"received_by"`
}

// LotAdjustedEvent is published when a lifecycle operation changed a lot
type LotAdjustedEvent struct {
	LotID           string `json:"lot_id"`
	ProductID       string `json:"product_id"`
	TransactionType string `json:"transaction_type"`
	QuantityChange  int    `json:"quantity_change"`
	NewQuantity     int    `json:"new_quantity"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	PerformedBy     string `json:"performed_by"`
	LedgerSeq       int64  `json:"ledger_seq"`
}

// LotExpiredEvent is published when the sweep moved a lot to expired
type LotExpiredEvent struct {
	LotID       string     `json:"lot_id"`
	ProductID   string     `json:"product_id"`
	BatchNumber string     `json:"batch_number"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty"`
	Quantity    int        `json:"quantity"`
}

// Fulfillment Events

// FulfilledEvent is published after a fulfillment committed
type FulfilledEvent struct {
	FulfillmentID string             `json:"fulfillment_id"`
	ProductID     string             `json:"product_id"`
	Reference     string             `json:"reference"`
	Quantity      int                `json:"quantity"`
	Allocations   []AllocationRecord `json:"allocations"`
	PerformedBy   string             `json:"performed_by"`
}

// AllocationRecord is one lot drawn from by a fulfillment
type AllocationRecord struct {
	LotID         string `json:"lot_id"`
	BatchNumber   string `json:"batch_number"`
	QuantityTaken int    `json:"quantity_taken"`
}

// Integrity Events

// AggregateDriftEvent is published when reconciliation corrected a cached total
type AggregateDriftEvent struct {
	ProductID string `json:"product_id"`
	Cached    int    `json:"cached"`
	Actual    int    `json:"actual"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return uuid.New().String()
}
