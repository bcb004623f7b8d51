package service_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/internal/stock/migrations"
	"github.com/medflow/stock-ledger/internal/stock/repository"
	"github.com/medflow/stock-ledger/internal/stock/service"
	"github.com/medflow/stock-ledger/pkg/database"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/logger"
	"github.com/medflow/stock-ledger/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixtures = testutil.NewFixtureFactory()

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recorder struct {
	mu        sync.Mutex
	created   []string
	fulfilled []string
	adjusted  []domain.TransactionType
	expired   []string
	drift     [][2]int
}

func (r *recorder) PublishLotCreated(_ context.Context, lot *domain.Lot, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, lot.ID)
}

func (r *recorder) PublishFulfilled(_ context.Context, result *domain.FulfillResult, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fulfilled = append(r.fulfilled, result.Reference)
}

func (r *recorder) PublishLotAdjusted(_ context.Context, _ *domain.Lot, entry *domain.LedgerEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adjusted = append(r.adjusted, entry.TransactionType)
}

func (r *recorder) PublishLotExpired(_ context.Context, lot *domain.Lot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, lot.ID)
}

func (r *recorder) PublishAggregateDrift(_ context.Context, _ string, cached, actual int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drift = append(r.drift, [2]int{cached, actual})
}

type harness struct {
	ctx     context.Context
	db      *database.DB
	svc     *service.StockService
	clock   *clock
	events  *recorder
	product string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	testutil.SkipIfShort(t)

	ctx := context.Background()
	db := suite.SetupSchema(t, ctx, migrations.FS, migrations.Dir)

	product := fixtures.Product()
	require.NoError(t, testutil.InsertProduct(ctx, db, product))

	c := &clock{now: time.Date(2024, time.December, 15, 10, 30, 0, 0, time.UTC)}
	events := &recorder{}
	svc := service.NewStockService(
		db,
		repository.NewBatchNumberGenerator("LOT-"),
		repository.NewProductDirectory(db),
		events,
		service.Options{Clock: c.Now},
		logger.Nop(),
	)

	return &harness{ctx: ctx, db: db, svc: svc, clock: c, events: events, product: product.ID}
}

func (h *harness) receive(t *testing.T, qty int, expiry *time.Time) *domain.Lot {
	t.Helper()
	lot, err := h.svc.CreateLot(h.ctx, service.CreateLotInput{
		ProductID:  h.product,
		Quantity:   qty,
		ExpiryDate: expiry,
		Actor:      "receiver-1",
	})
	require.NoError(t, err)
	return lot
}

func (h *harness) fulfill(qty int, reference string) (*domain.FulfillResult, error) {
	return h.svc.Fulfill(h.ctx, service.FulfillInput{
		ProductID: h.product,
		Quantity:  qty,
		Reference: reference,
		Actor:     "pos-1",
	})
}

func (h *harness) lot(t *testing.T, id string) *domain.Lot {
	t.Helper()
	lot, err := h.svc.GetLot(h.ctx, id)
	require.NoError(t, err)
	return lot
}

func (h *harness) aggregate(t *testing.T) int {
	t.Helper()
	total, err := h.svc.GetAggregate(h.ctx, h.product)
	require.NoError(t, err)
	return total
}

func (h *harness) entries(t *testing.T, lotID string) []*domain.LedgerEntry {
	t.Helper()
	entries, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{LotID: lotID})
	require.NoError(t, err)
	return entries
}

// assertConsistent checks that the cached aggregate equals the sum of the
// product's active lots and that reconcile finds nothing to correct.
func (h *harness) assertConsistent(t *testing.T) {
	t.Helper()
	cached := h.aggregate(t)

	lots, err := h.svc.ListLots(h.ctx, h.product, repository.LotFilter{})
	require.NoError(t, err)
	sum := 0
	for _, l := range lots {
		assert.GreaterOrEqual(t, l.Quantity, 0)
		assert.LessOrEqual(t, l.Quantity, l.OriginalQuantity)
		assert.GreaterOrEqual(t, l.ReservedQuantity, 0)
		assert.LessOrEqual(t, l.ReservedQuantity, l.Quantity)
		if l.Status == domain.StatusActive {
			sum += l.Quantity
		}
	}
	assert.Equal(t, sum, cached, "aggregate must equal the sum of active lots")

	reconciled, err := h.svc.Reconcile(h.ctx, h.product)
	require.NoError(t, err)
	assert.Equal(t, cached, reconciled)
	assert.Empty(t, h.events.drift)
}

func dateString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func TestCreateLot_RecordsLedgerAndAggregate(t *testing.T) {
	h := newHarness(t)

	lot, err := h.svc.CreateLot(h.ctx, service.CreateLotInput{
		ProductID:   h.product,
		Quantity:    100,
		CostPerUnit: decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
		ExpiryDate:  testutil.PtrTime(testutil.Date(2025, time.March, 1)),
		SupplierID:  testutil.PtrString("supplier-7"),
		Actor:       "receiver-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "LOT-20241215-0001", lot.BatchNumber)
	assert.Equal(t, domain.StatusActive, lot.Status)

	stored := h.lot(t, lot.ID)
	assert.Equal(t, 100, stored.Quantity)
	assert.Equal(t, 100, stored.OriginalQuantity)
	assert.Equal(t, "2025-03-01", dateString(stored.ExpiryDate))
	require.True(t, stored.CostPerUnit.Valid)
	assert.True(t, stored.CostPerUnit.Decimal.Equal(decimal.RequireFromString("12.5")))
	require.NotNil(t, stored.SupplierID)
	assert.Equal(t, "supplier-7", *stored.SupplierID)

	entries := h.entries(t, lot.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.TxLotCreated, entries[0].TransactionType)
	assert.Equal(t, 0, entries[0].QuantityBefore)
	assert.Equal(t, 100, entries[0].QuantityChange)
	assert.Equal(t, "receiver-1", entries[0].Actor)

	assert.Equal(t, 100, h.aggregate(t))
	assert.Equal(t, []string{lot.ID}, h.events.created)
	h.assertConsistent(t)
}

func TestCreateLot_GeneratesDailyBatchNumbers(t *testing.T) {
	h := newHarness(t)

	first := h.receive(t, 1, nil)
	second := h.receive(t, 1, nil)
	h.clock.Set(time.Date(2024, time.December, 16, 8, 0, 0, 0, time.UTC))
	nextDay := h.receive(t, 1, nil)

	assert.Equal(t, "LOT-20241215-0001", first.BatchNumber)
	assert.Equal(t, "LOT-20241215-0002", second.BatchNumber)
	assert.Equal(t, "LOT-20241216-0001", nextDay.BatchNumber)

	// Another product starts its own sequence.
	other := fixtures.Product()
	require.NoError(t, testutil.InsertProduct(h.ctx, h.db, other))
	lot, err := h.svc.CreateLot(h.ctx, service.CreateLotInput{ProductID: other.ID, Quantity: 5, Actor: "receiver-1"})
	require.NoError(t, err)
	assert.Equal(t, "LOT-20241216-0001", lot.BatchNumber)
}

func TestCreateLot_ConcurrentReceiptsGetDistinctBatchNumbers(t *testing.T) {
	h := newHarness(t)
	const n = 8

	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lot, err := h.svc.CreateLot(h.ctx, service.CreateLotInput{ProductID: h.product, Quantity: 1, Actor: "receiver-1"})
			if err != nil {
				errs <- err
				return
			}
			numbers <- lot.BatchNumber
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
	seen := make(map[string]bool)
	for bn := range numbers {
		assert.False(t, seen[bn], "duplicate batch number %s", bn)
		seen[bn] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, h.aggregate(t))
}

func TestCreateLot_DuplicateBatchNumberConflicts(t *testing.T) {
	h := newHarness(t)

	in := service.CreateLotInput{ProductID: h.product, BatchNumber: "SUP-4711", Quantity: 10, Actor: "receiver-1"}
	_, err := h.svc.CreateLot(h.ctx, in)
	require.NoError(t, err)

	_, err = h.svc.CreateLot(h.ctx, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, 10, h.aggregate(t))
}

func TestCreateLot_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t)

	inactive := fixtures.Product(testutil.Inactive())
	require.NoError(t, testutil.InsertProduct(h.ctx, h.db, inactive))
	expiry := testutil.Date(2025, time.January, 1)
	manufactured := testutil.Date(2025, time.February, 1)

	tests := []struct {
		name  string
		input service.CreateLotInput
		field string
	}{
		{"unknown product", service.CreateLotInput{ProductID: "7d1fb0a4-6c7e-4b8e-a9c5-1b3c2f1e9d00", Quantity: 1, Actor: "a"}, "product_id"},
		{"inactive product", service.CreateLotInput{ProductID: inactive.ID, Quantity: 1, Actor: "a"}, "product_id"},
		{"zero quantity", service.CreateLotInput{ProductID: h.product, Quantity: 0, Actor: "a"}, "quantity"},
		{"missing actor", service.CreateLotInput{ProductID: h.product, Quantity: 1}, "actor"},
		{"batch number too long", service.CreateLotInput{
			ProductID:   h.product,
			BatchNumber: strings.Repeat("B", 65),
			Quantity:    1,
			Actor:       "a",
		}, "batch_number"},
		{"batch number in generated format", service.CreateLotInput{
			ProductID:   h.product,
			BatchNumber: "LOT-20261016-99999999999999999999",
			Quantity:    1,
			Actor:       "a",
		}, "batch_number"},
		{"negative cost", service.CreateLotInput{
			ProductID:   h.product,
			Quantity:    1,
			CostPerUnit: decimal.NewNullDecimal(decimal.NewFromInt(-1)),
			Actor:       "a",
		}, "cost_per_unit"},
		{"expiry before manufacture", service.CreateLotInput{
			ProductID:       h.product,
			Quantity:        1,
			ExpiryDate:      &expiry,
			ManufactureDate: &manufactured,
			Actor:           "a",
		}, "expiry_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateLot(h.ctx, tt.input)

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, "VALIDATION_ERROR", appErr.Code)
			assert.Contains(t, appErr.Details, tt.field)
		})
	}

	assert.Zero(t, h.aggregate(t))
}

func TestFulfill_FEFOOrder(t *testing.T) {
	h := newHarness(t)
	today := testutil.Date(2024, time.December, 15)

	a := h.receive(t, 10, testutil.PtrTime(today.AddDate(0, 0, 5)))
	b := h.receive(t, 5, testutil.PtrTime(today.AddDate(0, 0, 2)))
	c := h.receive(t, 100, nil)

	result, err := h.fulfill(12, "order-fefo")
	require.NoError(t, err)

	require.Len(t, result.Allocations, 2)
	assert.Equal(t, b.ID, result.Allocations[0].LotID)
	assert.Equal(t, 5, result.Allocations[0].QuantityTaken)
	assert.Equal(t, a.ID, result.Allocations[1].LotID)
	assert.Equal(t, 7, result.Allocations[1].QuantityTaken)

	assert.Equal(t, domain.StatusDepleted, h.lot(t, b.ID).Status)
	assert.Equal(t, 3, h.lot(t, a.ID).Quantity)
	assert.Equal(t, 100, h.lot(t, c.ID).Quantity)
	assert.Len(t, h.entries(t, c.ID), 1)
	assert.Equal(t, 103, h.aggregate(t))
	assert.Equal(t, []string{"order-fefo"}, h.events.fulfilled)
	h.assertConsistent(t)
}

func TestFulfill_ReceiveSellAdjust(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 100, nil)

	_, err := h.fulfill(40, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 60, h.lot(t, lot.ID).Quantity)

	sales, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{LotID: lot.ID, TransactionType: domain.TxSale})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, -40, sales[0].QuantityChange)
	require.NotNil(t, sales[0].ReferenceID)
	assert.Equal(t, "order-1", *sales[0].ReferenceID)

	_, err = h.fulfill(70, "order-2")
	require.Error(t, err)
	var shortage *errors.InsufficientStockError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, 60, shortage.Available)
	assert.Equal(t, 70, shortage.Requested)
	assert.Equal(t, 60, h.lot(t, lot.ID).Quantity)
	assert.Len(t, h.entries(t, lot.ID), 2)

	adjusted, err := h.svc.AdjustQuantity(h.ctx, lot.ID, 50, "count correction", "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, 50, adjusted.Quantity)

	entries := h.entries(t, lot.ID)
	require.Len(t, entries, 3)
	last := entries[2]
	assert.Equal(t, domain.TxAdjustment, last.TransactionType)
	assert.Equal(t, 60, last.QuantityBefore)
	assert.Equal(t, -10, last.QuantityChange)
	assert.Equal(t, 50, last.QuantityAfter)
	require.NotNil(t, last.Reason)
	assert.Equal(t, "count correction", *last.Reason)
	assert.Equal(t, "auditor-1", last.Actor)

	assert.Equal(t, 50, h.aggregate(t))
	h.assertConsistent(t)
}

func TestFulfill_DepletesSoonestExpiringLot(t *testing.T) {
	h := newHarness(t)
	h.clock.Set(time.Date(2024, time.December, 1, 9, 0, 0, 0, time.UTC))
	expA := testutil.Date(2025, time.January, 1)
	expB := testutil.Date(2025, time.June, 1)

	a := h.receive(t, 3, &expA)
	b := h.receive(t, 3, &expB)

	result, err := h.fulfill(4, "order-4")
	require.NoError(t, err)
	require.Len(t, result.Allocations, 2)
	assert.Equal(t, a.ID, result.Allocations[0].LotID)
	assert.Equal(t, 3, result.Allocations[0].QuantityTaken)
	assert.Equal(t, b.ID, result.Allocations[1].LotID)
	assert.Equal(t, 1, result.Allocations[1].QuantityTaken)

	lotA := h.lot(t, a.ID)
	assert.Equal(t, 0, lotA.Quantity)
	assert.Equal(t, domain.StatusDepleted, lotA.Status)
	assert.Equal(t, 2, h.lot(t, b.ID).Quantity)
	assert.Equal(t, 2, h.aggregate(t))
	h.assertConsistent(t)
}

func TestFulfill_ExactAvailabilityBoundary(t *testing.T) {
	h := newHarness(t)
	a := h.receive(t, 3, nil)
	b := h.receive(t, 4, nil)

	_, err := h.fulfill(8, "order-over")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))
	assert.Equal(t, 3, h.lot(t, a.ID).Quantity)
	assert.Equal(t, 4, h.lot(t, b.ID).Quantity)
	assert.Len(t, h.entries(t, a.ID), 1)
	assert.Len(t, h.entries(t, b.ID), 1)
	assert.Equal(t, 7, h.aggregate(t))

	_, err = h.fulfill(7, "order-exact")
	require.NoError(t, err)
	assert.Equal(t, 0, h.aggregate(t))
	assert.Equal(t, domain.StatusDepleted, h.lot(t, a.ID).Status)
	assert.Equal(t, domain.StatusDepleted, h.lot(t, b.ID).Status)
	h.assertConsistent(t)
}

func TestFulfill_IgnoresExpiredLotsBeforeSweep(t *testing.T) {
	h := newHarness(t)
	soon := testutil.Date(2024, time.December, 16)

	stale := h.receive(t, 10, &soon)
	fresh := h.receive(t, 4, nil)

	// The stale lot expires overnight but nobody sweeps.
	h.clock.Set(time.Date(2024, time.December, 17, 7, 0, 0, 0, time.UTC))

	_, err := h.fulfill(5, "order-5")
	var shortage *errors.InsufficientStockError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, 4, shortage.Available)

	result, err := h.fulfill(4, "order-6")
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, fresh.ID, result.Allocations[0].LotID)
	assert.Equal(t, 10, h.lot(t, stale.ID).Quantity)
}

func TestFulfill_ExpiresOnItsExpiryDay(t *testing.T) {
	h := newHarness(t)
	today := testutil.Date(2024, time.December, 15)

	lot := h.receive(t, 2, &today)

	result, err := h.fulfill(2, "order-today")
	require.NoError(t, err)
	require.Len(t, result.Allocations, 1)
	assert.Equal(t, lot.ID, result.Allocations[0].LotID)
}

func TestFulfill_ReplayWithSameReference(t *testing.T) {
	h := newHarness(t)
	a := h.receive(t, 3, nil)
	h.receive(t, 10, nil)

	first, err := h.fulfill(5, "order-7")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	replay, err := h.fulfill(5, "order-7")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.FulfillmentID, replay.FulfillmentID)
	assert.Equal(t, first.Allocations, replay.Allocations)
	assert.Equal(t, a.BatchNumber, replay.Allocations[0].BatchNumber)

	assert.Equal(t, 8, h.aggregate(t))
	sales, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{ReferenceID: "order-7"})
	require.NoError(t, err)
	assert.Len(t, sales, 2)
	assert.Equal(t, []string{"order-7"}, h.events.fulfilled)

	_, err = h.fulfill(6, "order-7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.Equal(t, 8, h.aggregate(t))
	h.assertConsistent(t)
}

func TestFulfill_ConcurrentCallersNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	h.receive(t, 30, nil)
	h.receive(t, 20, nil)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.fulfill(10, fmt.Sprintf("order-c%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errors.ErrInsufficientStock):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 5, short)
	assert.Equal(t, 0, h.aggregate(t))
	h.assertConsistent(t)
}

func TestFulfill_ConcurrentCheckoutsWaitTheirTurn(t *testing.T) {
	h := newHarness(t)
	h.receive(t, 100, nil)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.fulfill(2, fmt.Sprintf("order-w%d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("checkout failed with ample stock: %v", err)
	}
	assert.Equal(t, 100-2*callers, h.aggregate(t))
	h.assertConsistent(t)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	soon := testutil.Date(2024, time.December, 20)
	later := testutil.Date(2025, time.June, 1)

	expiring := h.receive(t, 6, &soon)
	h.receive(t, 4, &later)
	undated := h.receive(t, 5, nil)
	_, err := h.svc.AdjustQuantity(h.ctx, undated.ID, 0, "broken seal", "auditor-1")
	require.NoError(t, err)

	n, err := h.svc.SweepExpired(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Set(time.Date(2024, time.December, 21, 0, 5, 0, 0, time.UTC))
	n, err = h.svc.SweepExpired(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	lot := h.lot(t, expiring.ID)
	assert.Equal(t, domain.StatusExpired, lot.Status)
	assert.Equal(t, 6, lot.Quantity)

	entries := h.entries(t, expiring.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.TxExpiry, entries[1].TransactionType)
	assert.Equal(t, 0, entries[1].QuantityChange)
	assert.Equal(t, "system", entries[1].Actor)

	assert.Equal(t, 4, h.aggregate(t))
	assert.Equal(t, []string{expiring.ID}, h.events.expired)

	n, err = h.svc.SweepExpired(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	h.assertConsistent(t)
}

func TestReconcile_CorrectsDrift(t *testing.T) {
	h := newHarness(t)
	h.receive(t, 12, nil)

	_, err := h.db.ExecContext(h.ctx, `UPDATE stock_aggregates SET total = 999 WHERE product_id = $1`, h.product)
	require.NoError(t, err)

	total, err := h.svc.Reconcile(h.ctx, h.product)
	require.NoError(t, err)
	assert.Equal(t, 12, total)
	assert.Equal(t, 12, h.aggregate(t))
	assert.Equal(t, [][2]int{{999, 12}}, h.events.drift)

	report, err := h.svc.ReconcileAll(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Products)
	assert.Zero(t, report.Drifted)
}

func TestReconcile_UnknownProduct(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Reconcile(h.ctx, "5c0a5a8e-2b0d-4d1e-8e77-3a5f2d7c9b11")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestGetAggregate_ProductWithoutLots(t *testing.T) {
	h := newHarness(t)
	assert.Zero(t, h.aggregate(t))
}

func TestQuarantine(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 10, nil)

	quarantined, err := h.svc.Quarantine(h.ctx, lot.ID, "temperature excursion", "qa-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQuarantined, quarantined.Status)
	assert.Equal(t, 10, quarantined.Quantity)
	assert.Zero(t, h.aggregate(t))

	_, err = h.fulfill(1, "order-q")
	assert.True(t, errors.Is(err, errors.ErrInsufficientStock))

	_, err = h.svc.Quarantine(h.ctx, lot.ID, "again", "qa-1")
	assert.True(t, errors.Is(err, errors.ErrConflict))

	released, err := h.svc.ReleaseQuarantine(h.ctx, lot.ID, "lab cleared", "qa-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, released.Status)
	assert.Equal(t, 10, h.aggregate(t))

	entries := h.entries(t, lot.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, 0, entries[1].QuantityChange)
	require.NotNil(t, entries[1].Reason)
	assert.Equal(t, "quarantined: temperature excursion", *entries[1].Reason)

	_, err = h.svc.ReleaseQuarantine(h.ctx, lot.ID, "twice", "qa-1")
	assert.True(t, errors.Is(err, errors.ErrConflict))
	h.assertConsistent(t)
}

func TestQuarantine_DepletedLot(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 1, nil)
	_, err := h.fulfill(1, "order-d")
	require.NoError(t, err)

	_, err = h.svc.Quarantine(h.ctx, lot.ID, "recall", "qa-1")
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestReservations(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 10, nil)

	reserved, err := h.svc.Reserve(h.ctx, lot.ID, 8, "pharmacist-1")
	require.NoError(t, err)
	assert.Equal(t, 8, reserved.ReservedQuantity)
	assert.Equal(t, 10, h.aggregate(t))
	assert.Len(t, h.entries(t, lot.ID), 1)

	_, err = h.fulfill(3, "order-r1")
	var shortage *errors.InsufficientStockError
	require.True(t, errors.As(err, &shortage))
	assert.Equal(t, 2, shortage.Available)

	_, err = h.svc.AdjustQuantity(h.ctx, lot.ID, 5, "recount", "auditor-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = h.svc.Reserve(h.ctx, lot.ID, 3, "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	_, err = h.svc.ReleaseReservation(h.ctx, lot.ID, 9, "pharmacist-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	released, err := h.svc.ReleaseReservation(h.ctx, lot.ID, 8, "pharmacist-1")
	require.NoError(t, err)
	assert.Zero(t, released.ReservedQuantity)

	_, err = h.fulfill(3, "order-r2")
	require.NoError(t, err)
	h.assertConsistent(t)
}

func TestDamagedReturnsAndCounts(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 10, nil)

	damaged, err := h.svc.WriteOffDamaged(h.ctx, lot.ID, 2, "dropped pallet", "warehouse-1")
	require.NoError(t, err)
	assert.Equal(t, 8, damaged.Quantity)

	_, err = h.svc.WriteOffDamaged(h.ctx, lot.ID, 9, "too many", "warehouse-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	returned, err := h.svc.ReturnToLot(h.ctx, lot.ID, 1, "rma-1", "pos-1")
	require.NoError(t, err)
	assert.Equal(t, 9, returned.Quantity)

	_, err = h.svc.ReturnToLot(h.ctx, lot.ID, 2, "rma-2", "pos-1")
	assert.True(t, errors.Is(err, errors.ErrValidation))

	counted, err := h.svc.RecordCount(h.ctx, lot.ID, 0, "", "auditor-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDepleted, counted.Status)
	assert.Zero(t, h.aggregate(t))

	revived, err := h.svc.ReturnToLot(h.ctx, lot.ID, 1, "rma-3", "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, revived.Status)
	assert.Equal(t, 1, h.aggregate(t))

	types := []domain.TransactionType{}
	for _, e := range h.entries(t, lot.ID) {
		types = append(types, e.TransactionType)
	}
	assert.Equal(t, []domain.TransactionType{
		domain.TxLotCreated, domain.TxDamaged, domain.TxReturn, domain.TxCount, domain.TxReturn,
	}, types)
	assert.Equal(t, []domain.TransactionType{
		domain.TxDamaged, domain.TxReturn, domain.TxCount, domain.TxReturn,
	}, h.events.adjusted)
	h.assertConsistent(t)
}

func TestAdjustQuantity_Validation(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 10, nil)

	tests := []struct {
		name     string
		quantity int
		reason   string
		actor    string
		field    string
	}{
		{"above original", 11, "recount", "auditor-1", "new_quantity"},
		{"negative", -1, "recount", "auditor-1", "new_quantity"},
		{"missing reason", 5, "", "auditor-1", "reason"},
		{"missing actor", 5, "recount", "", "actor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.AdjustQuantity(h.ctx, lot.ID, tt.quantity, tt.reason, tt.actor)

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Contains(t, appErr.Details, tt.field)
		})
	}

	_, err := h.svc.AdjustQuantity(h.ctx, "3b8d1c2e-0000-4000-8000-000000000000", 1, "recount", "auditor-1")
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	assert.Equal(t, 10, h.lot(t, lot.ID).Quantity)
	assert.Len(t, h.entries(t, lot.ID), 1)
}

func TestListLots_Filters(t *testing.T) {
	h := newHarness(t)
	jan := testutil.Date(2025, time.January, 10)
	mar := testutil.Date(2025, time.March, 10)

	a := h.receive(t, 1, &mar)
	b := h.receive(t, 1, &jan)
	c := h.receive(t, 1, nil)
	_, err := h.svc.Quarantine(h.ctx, c.ID, "recall", "qa-1")
	require.NoError(t, err)

	all, err := h.svc.ListLots(h.ctx, h.product, repository.LotFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{b.ID, a.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	status := domain.StatusQuarantined
	quarantined, err := h.svc.ListLots(h.ctx, h.product, repository.LotFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, c.ID, quarantined[0].ID)

	before := testutil.Date(2025, time.February, 1)
	expiring, err := h.svc.ListLots(h.ctx, h.product, repository.LotFilter{ExpiringBefore: &before})
	require.NoError(t, err)
	require.Len(t, expiring, 1)
	assert.Equal(t, b.ID, expiring[0].ID)

	bogus := domain.Status("sold")
	_, err = h.svc.ListLots(h.ctx, h.product, repository.LotFilter{Status: &bogus})
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestLedger_CursorAndAppendOnly(t *testing.T) {
	h := newHarness(t)
	lot := h.receive(t, 10, nil)

	first, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{ProductID: h.product})
	require.NoError(t, err)
	require.Len(t, first, 1)
	cursor := first[0].Seq

	_, err = h.fulfill(3, "order-l")
	require.NoError(t, err)

	next, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{ProductID: h.product, AfterSeq: cursor})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, domain.TxSale, next[0].TransactionType)

	streamed := 0
	err = h.svc.StreamLedger(h.ctx, repository.LedgerFilter{LotID: lot.ID}, func(*domain.LedgerEntry) error {
		streamed++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, streamed)

	_, err = h.db.ExecContext(h.ctx, `UPDATE ledger_entries SET quantity_change = 0 WHERE lot_id = $1`, lot.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = h.db.ExecContext(h.ctx, `DELETE FROM ledger_entries WHERE lot_id = $1`, lot.ID)
	require.Error(t, err)
	assert.Len(t, h.entries(t, lot.ID), 2)
}

func TestLedger_CursorNeverPassesAnOpenUnit(t *testing.T) {
	h := newHarness(t)
	held := h.receive(t, 10, nil)

	other := fixtures.Product()
	require.NoError(t, testutil.InsertProduct(h.ctx, h.db, other))

	head, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, head, 1)
	cursor := head[0].Seq

	// A unit on the first product appends and stays open.
	tx, err := h.db.BeginTxx(h.ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	pending := &domain.LedgerEntry{
		ProductID:       h.product,
		LotID:           held.ID,
		TransactionType: domain.TxCount,
		QuantityBefore:  10,
		QuantityAfter:   10,
		Actor:           "counter-1",
	}
	require.NoError(t, repository.NewLedgerRepository().Append(h.ctx, tx, pending))

	ctx, cancel := testutil.ContextWithTimeout(t, 30*time.Second)
	defer cancel()
	created := make(chan *domain.Lot, 1)
	failed := make(chan error, 1)
	go func() {
		lot, err := h.svc.CreateLot(ctx, service.CreateLotInput{ProductID: other.ID, Quantity: 5, Actor: "receiver-2"})
		if err != nil {
			failed <- err
			return
		}
		created <- lot
	}()

	// The other product's receipt cannot commit a later seq ahead of the open unit.
	assert.Never(t, func() bool { return len(created) > 0 || len(failed) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
	visible, err := h.svc.QueryLedger(h.ctx, repository.LedgerFilter{AfterSeq: cursor})
	require.NoError(t, err)
	assert.Empty(t, visible)

	require.NoError(t, tx.Commit())

	var lot *domain.Lot
	select {
	case lot = <-created:
	case err := <-failed:
		t.Fatalf("receipt failed: %v", err)
	case <-ctx.Done():
		t.Fatal("receipt did not finish after the open unit committed")
	}

	visible, err = h.svc.QueryLedger(h.ctx, repository.LedgerFilter{AfterSeq: cursor})
	require.NoError(t, err)
	require.Len(t, visible, 2)
	assert.Equal(t, pending.Seq, visible[0].Seq)
	assert.Equal(t, held.ID, visible[0].LotID)
	assert.Equal(t, lot.ID, visible[1].LotID)
	assert.Greater(t, visible[1].Seq, visible[0].Seq)
}
