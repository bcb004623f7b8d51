package events

import (
	"context"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/messaging"
)

// Publisher is the transport the stock events go out on;
// *messaging.Publisher in production.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// StockEventPublisher publishes stock-related events
type StockEventPublisher struct {
	publisher Publisher
	logger    *logger.Logger
}

// NewStockEventPublisher creates a new stock event publisher on the stock exchange
func NewStockEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*StockEventPublisher, error) {
	publisher, err := messaging.NewPublisher(rmq, messaging.ExchangeStockEvents, "stock-service", log)
	if err != nil {
		return nil, err
	}
	return NewWithPublisher(publisher, log), nil
}

// NewWithPublisher creates a stock event publisher on an existing transport
func NewWithPublisher(publisher Publisher, log *logger.Logger) *StockEventPublisher {
	return &StockEventPublisher{
		publisher: publisher,
		logger:    log,
	}
}

// PublishLotCreated publishes a lot created event
func (p *StockEventPublisher) PublishLotCreated(ctx context.Context, lot *domain.Lot, actor string) {
	if p == nil {
		return
	}

	data := messaging.LotCreatedEvent{
		LotID:       lot.ID,
		ProductID:   lot.ProductID,
		BatchNumber: lot.BatchNumber,
		Quantity:    lot.Quantity,
		ExpiryDate:  lot.ExpiryDate,
		ReceivedBy:  actor,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotCreated, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot created event")
	}
}

// PublishFulfilled publishes a fulfillment event
func (p *StockEventPublisher) PublishFulfilled(ctx context.Context, result *domain.FulfillResult, actor string) {
	if p == nil {
		return
	}

	allocations := make([]messaging.AllocationRecord, len(result.Allocations))
	for i, a := range result.Allocations {
		allocations[i] = messaging.AllocationRecord{
			LotID:         a.LotID,
			BatchNumber:   a.BatchNumber,
			QuantityTaken: a.QuantityTaken,
		}
	}

	data := messaging.FulfilledEvent{
		FulfillmentID: result.FulfillmentID,
		ProductID:     result.ProductID,
		Reference:     result.Reference,
		Quantity:      result.Quantity,
		Allocations:   allocations,
		PerformedBy:   actor,
	}

	if err := p.publisher.Publish(ctx, messaging.EventFulfilled, data); err != nil {
		p.logger.Error().Err(err).Str("reference", result.Reference).Msg("failed to publish fulfilled event")
	}
}

// PublishLotAdjusted publishes a lot adjusted event
func (p *StockEventPublisher) PublishLotAdjusted(ctx context.Context, lot *domain.Lot, entry *domain.LedgerEntry) {
	if p == nil {
		return
	}

	reason := ""
	if entry.Reason != nil {
		reason = *entry.Reason
	}

	data := messaging.LotAdjustedEvent{
		LotID:           lot.ID,
		ProductID:       lot.ProductID,
		TransactionType: string(entry.TransactionType),
		QuantityChange:  entry.QuantityChange,
		NewQuantity:     lot.Quantity,
		Status:          string(lot.Status),
		Reason:          reason,
		PerformedBy:     entry.Actor,
		LedgerSeq:       entry.Seq,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotAdjusted, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot adjusted event")
	}
}

// PublishLotExpired publishes a lot expired event
func (p *StockEventPublisher) PublishLotExpired(ctx context.Context, lot *domain.Lot) {
	if p == nil {
		return
	}

	data := messaging.LotExpiredEvent{
		LotID:       lot.ID,
		ProductID:   lot.ProductID,
		BatchNumber: lot.BatchNumber,
		ExpiryDate:  lot.ExpiryDate,
		Quantity:    lot.Quantity,
	}

	if err := p.publisher.Publish(ctx, messaging.EventLotExpired, data); err != nil {
		p.logger.Error().Err(err).Str("lot_id", lot.ID).Msg("failed to publish lot expired event")
	}
}

// PublishAggregateDrift publishes an aggregate drift event
func (p *StockEventPublisher) PublishAggregateDrift(ctx context.Context, productID string, cached, actual int) {
	if p == nil {
		return
	}

	data := messaging.AggregateDriftEvent{
		ProductID: productID,
		Cached:    cached,
		Actual:    actual,
	}

	if err := p.publisher.Publish(ctx, messaging.EventAggregateDrift, data); err != nil {
		p.logger.Error().Err(err).Str("product_id", productID).Msg("failed to publish aggregate drift event")
	}
}
