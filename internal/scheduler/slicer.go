package scheduler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/LeeeWayyy/trading-platform-sub010/internal/types"
)

// SplitQuantity divides total across n slices. Every slice gets the floor
// share; the remainder units go to uniformly random distinct slice
// indices. Front-loading the remainder onto the first slices would give
// the order a predictable market-impact signature, so placement is
// randomized instead.
func SplitQuantity(total int64, n int) ([]int64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("slice count must be positive, got %d", n)
	}
	if total < int64(n) {
		return nil, fmt.Errorf("cannot split %d units across %d slices", total, n)
	}

	base := total / int64(n)
	remainder := int(total % int64(n))

	quantities := make([]int64, n)
	for i := range quantities {
		quantities[i] = base
	}
	for _, idx := range rand.Perm(n)[:remainder] {
		quantities[idx]++
	}
	return quantities, nil
}

// BuildSlices creates the slice rows for a parent order, spacing the
// schedule evenly across the window starting now. Slice client order IDs
// are deterministic so re-submission after a crash cannot duplicate
// broker-side orders.
func BuildSlices(parent *types.Order, window time.Duration) ([]types.Slice, error) {
	quantities, err := SplitQuantity(parent.Quantity, parent.SliceCount)
	if err != nil {
		return nil, err
	}

	var interval time.Duration
	if parent.SliceCount > 1 {
		interval = window / time.Duration(parent.SliceCount-1)
	}

	now := time.Now()
	slices := make([]types.Slice, parent.SliceCount)
	for i := range slices {
		slices[i] = types.Slice{
			ParentOrderID: parent.OrderID,
			SliceIndex:    i,
			ClientOrderID: types.SliceClientOrderID(parent.OrderID, i),
			Quantity:      quantities[i],
			ScheduledAt:   now.Add(time.Duration(i) * interval),
			Status:        types.SliceStatusPending,
		}
	}
	return slices, nil
}
