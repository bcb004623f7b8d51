package domain

import (
	"sort"
	"time"
)

// Allocation is the quantity taken from one lot by a fulfillment
type Allocation struct {
	LotID         string `db:"lot_id" json:"lot_id"`
	BatchNumber   string `db:"batch_number" json:"batch_number"`
	QuantityTaken int    `db:"quantity_taken" json:"quantity_taken"`
}

// SortFEFO orders lots first-expired-first-out: dated lots by ascending
// expiry, undated lots last, ties by creation time and then id.
func SortFEFO(lots []*Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		return fefoLess(lots[i], lots[j])
	})
}

func fefoLess(a, b *Lot) bool {
	switch {
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate != nil:
		ea, eb := DateOf(*a.ExpiryDate), DateOf(*b.ExpiryDate)
		if !ea.Equal(eb) {
			return ea.Before(eb)
		}
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// AvailableQuantity sums what the allocator could take from lots today
func AvailableQuantity(lots []*Lot, today time.Time) int {
	total := 0
	for _, l := range lots {
		if l.IsEligible(today) && l.Available() > 0 {
			total += l.Available()
		}
	}
	return total
}

// PlanAllocation walks lots in FEFO order and takes what each eligible lot
// can give until needed is met. remaining is zero when the plan covers the
// request; lots are not modified.
func PlanAllocation(lots []*Lot, needed int, today time.Time) (plan []Allocation, remaining int) {
	ordered := make([]*Lot, len(lots))
	copy(ordered, lots)
	SortFEFO(ordered)

	remaining = needed
	for _, l := range ordered {
		if remaining == 0 {
			break
		}
		if !l.IsEligible(today) {
			continue
		}
		take := min(remaining, l.Available())
		if take <= 0 {
			continue
		}
		plan = append(plan, Allocation{
			LotID:         l.ID,
			BatchNumber:   l.BatchNumber,
			QuantityTaken: take,
		})
		remaining -= take
	}
	return plan, remaining
}
