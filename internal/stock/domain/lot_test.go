package domain_test

import (
	"testing"
	"time"

	"github.com/medflow/stock-ledger/internal/stock/domain"
	"github.com/medflow/stock-ledger/pkg/errors"
	"github.com/medflow/stock-ledger/pkg/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) *time.Time {
	t := testutil.Date(y, m, d)
	return &t
}

func TestDeriveStatus(t *testing.T) {
	today := testutil.Date(2024, time.December, 15)

	tests := []struct {
		name     string
		quantity int
		expiry   *time.Time
		current  domain.Status
		want     domain.Status
	}{
		{"empty lot is depleted", 0, nil, domain.StatusActive, domain.StatusDepleted},
		{"empty quarantined lot is depleted", 0, nil, domain.StatusQuarantined, domain.StatusDepleted},
		{"quarantine survives", 5, day(2020, 1, 1), domain.StatusQuarantined, domain.StatusQuarantined},
		{"past expiry", 5, day(2024, 12, 14), domain.StatusActive, domain.StatusExpired},
		{"expires today is still active", 5, day(2024, 12, 15), domain.StatusActive, domain.StatusActive},
		{"no expiry", 5, nil, domain.StatusExpired, domain.StatusActive},
		{"refilled depleted lot", 3, day(2025, 1, 1), domain.StatusDepleted, domain.StatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.DeriveStatus(tt.quantity, tt.expiry, tt.current, today)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveStatus_IgnoresTimeOfDay(t *testing.T) {
	expiry := time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)
	lateToday := time.Date(2024, 12, 15, 23, 59, 0, 0, time.UTC)

	assert.Equal(t, domain.StatusActive, domain.DeriveStatus(1, &expiry, domain.StatusActive, lateToday))
}

func TestLot_Validate(t *testing.T) {
	valid := func() *domain.Lot {
		return &domain.Lot{
			ProductID:        "p",
			Quantity:         10,
			OriginalQuantity: 10,
			Status:           domain.StatusActive,
		}
	}

	tests := []struct {
		name   string
		mutate func(*domain.Lot)
		field  string
	}{
		{"valid", func(*domain.Lot) {}, ""},
		{"zero original", func(l *domain.Lot) { l.OriginalQuantity = 0; l.Quantity = 0 }, "original_quantity"},
		{"negative quantity", func(l *domain.Lot) { l.Quantity = -1 }, "quantity"},
		{"quantity above original", func(l *domain.Lot) { l.Quantity = 11 }, "quantity"},
		{"reserved above quantity", func(l *domain.Lot) { l.ReservedQuantity = 11 }, "reserved_quantity"},
		{"negative reserved", func(l *domain.Lot) { l.ReservedQuantity = -1 }, "reserved_quantity"},
		{"unknown status", func(l *domain.Lot) { l.Status = "gone" }, "status"},
		{"negative cost", func(l *domain.Lot) { l.CostPerUnit = decimal.NewNullDecimal(decimal.NewFromInt(-1)) }, "cost_per_unit"},
		{"expiry before manufacture", func(l *domain.Lot) {
			l.ManufactureDate = day(2024, 6, 1)
			l.ExpiryDate = day(2024, 5, 1)
		}, "expiry_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := valid()
			tt.mutate(l)
			err := l.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrValidation))

			var appErr *errors.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Contains(t, appErr.Details, tt.field)
		})
	}
}

func TestLot_Contribution(t *testing.T) {
	lot := &domain.Lot{Quantity: 7, OriginalQuantity: 10, Status: domain.StatusActive}
	assert.Equal(t, 7, lot.Contribution())

	for _, s := range []domain.Status{domain.StatusExpired, domain.StatusQuarantined, domain.StatusDepleted} {
		lot.Status = s
		assert.Zero(t, lot.Contribution(), "status %s", s)
	}
}

func TestLot_IsEligible(t *testing.T) {
	today := testutil.Date(2024, time.December, 15)

	active := &domain.Lot{Status: domain.StatusActive, ExpiryDate: day(2024, 12, 15)}
	assert.True(t, active.IsEligible(today))

	stale := &domain.Lot{Status: domain.StatusActive, ExpiryDate: day(2024, 12, 14)}
	assert.False(t, stale.IsEligible(today), "expired lots are ineligible even before the sweep")

	quarantined := &domain.Lot{Status: domain.StatusQuarantined}
	assert.False(t, quarantined.IsEligible(today))
}

func TestLot_Clone(t *testing.T) {
	supplier := "SUP-1"
	orig := &domain.Lot{ExpiryDate: day(2025, 1, 1), SupplierID: &supplier}

	cp := orig.Clone()
	*cp.ExpiryDate = testutil.Date(2030, 1, 1)
	*cp.SupplierID = "SUP-2"

	assert.Equal(t, testutil.Date(2025, 1, 1), *orig.ExpiryDate)
	assert.Equal(t, "SUP-1", *orig.SupplierID)
}
