package service

import (
	"context"
	"time"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/logger"
)

// ProductDirectory is the catalog collaborator consulted before stock is
// received or consumed
type ProductDirectory interface {
	Exists(ctx context.Context, productID string) (bool, error)
	IsActive(ctx context.Context, productID string) (bool, error)
}

// EventPublisher receives post-commit notifications. Publishing failures
// are logged by the implementation and never fail the committed operation.
type EventPublisher interface {
	PublishLotCreated(ctx context.Context, lot *domain.Lot, actor string)
	PublishFulfilled(ctx context.Context, result *domain.FulfillResult, actor string)
	PublishLotAdjusted(ctx context.Context, lot *domain.Lot, entry *domain.LedgerEntry)
	PublishLotExpired(ctx context.Context, lot *domain.Lot)
	PublishAggregateDrift(ctx context.Context, productID string, cached, actual int)
}

// Options tunes the stock service
type Options struct {
	// BatchNumberAttempts bounds retries after a generated batch number collided
	BatchNumberAttempts int
	// Clock returns the current time; today's date is derived from it
	Clock func() time.Time
}

// StockService implements the lot store, the ledger, the lifecycle
// operations, the FEFO allocator and the aggregate cache on one database.
type StockService struct {
	db           *database.DB
	lots         *repository.LotRepository
	ledger       *repository.LedgerRepository
	aggregates   *repository.AggregateRepository
	fulfillments *repository.FulfillmentRepository
	batchNumbers *repository.BatchNumberGenerator
	products     ProductDirectory
	publisher    EventPublisher
	opts         Options
	logger       *logger.Logger
}

// NewStockService creates a new stock service. publisher may be nil.
func NewStockService(
	db *database.DB,
	batchNumbers *repository.BatchNumberGenerator,
	products ProductDirectory,
	publisher EventPublisher,
	opts Options,
	log *logger.Logger,
) *StockService {
	if opts.BatchNumberAttempts < 1 {
		opts.BatchNumberAttempts = 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	return &StockService{
		db:           db,
		lots:         repository.NewLotRepository(),
		ledger:       repository.NewLedgerRepository(),
		aggregates:   repository.NewAggregateRepository(),
		fulfillments: repository.NewFulfillmentRepository(),
		batchNumbers: batchNumbers,
		products:     products,
		publisher:    publisher,
		opts:         opts,
		logger:       log.WithComponent("stock"),
	}
}

func (s *StockService) today() time.Time {
	return domain.DateOf(s.opts.Clock())
}

type nopPublisher struct{}

func (nopPublisher) PublishLotCreated(context.Context, *domain.Lot, string) {}
func (nopPublisher) PublishFulfilled(context.Context, *domain.FulfillResult, string) {}
func (nopPublisher) PublishLotAdjusted(context.Context, *domain.Lot, *domain.LedgerEntry) {}
func (nopPublisher) PublishLotExpired(context.Context, *domain.Lot) {}
func (nopPublisher) PublishAggregateDrift(context.Context, string, int, int) {}
