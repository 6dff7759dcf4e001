package ratelimit

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/BaSui01/agentflow/types"
)

// TestBucket_NeverGrantsMoreThanLimitWithinWindow is the property-based
// counterpart to TestBucket_GrantsUpToLimit: for any limit and any
// number of TryAcquire calls made without the window elapsing, the
// number of grants never exceeds the configured limit.
func TestBucket_NeverGrantsMoreThanLimitWithinWindow(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(rt, "limit")
		calls := rapid.IntRange(0, 200).Draw(rt, "calls")

		b := New(types.RateLimitConfig{Limit: limit, Window: types.WindowHour})

		granted := 0
		for i := 0; i < calls; i++ {
			if b.TryAcquire() == Granted {
				granted++
			}
		}
		if granted > limit {
			rt.Fatalf("granted %d permits against a limit of %d", granted, limit)
		}
		if calls <= limit && granted != calls {
			rt.Fatalf("expected every call to be granted when calls (%d) <= limit (%d), got %d grants", calls, limit, granted)
		}
	})
}
