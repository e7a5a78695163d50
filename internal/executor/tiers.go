package executor

// Tier is a capability level name. Tiers are totally ordered by TierOrder,
// most capable first; demotion only ever moves later in that order.
type Tier string

// TierOrder lists tiers from most capable (index 0, costliest) to least
// capable (cheapest). A worker implementation's set of supported tiers
// must be a subset of this order.
var TierOrder = []Tier{"tier0", "tier1", "tier2", "tier3"}

func tierIndex(t Tier) int {
	for i, x := range TierOrder {
		if x == t {
			return i
		}
	}
	return -1
}

// NextDown returns the next less-capable tier after t, or "" if t is
// already the least capable tier in TierOrder.
func NextDown(t Tier) Tier {
	i := tierIndex(t)
	if i < 0 || i+1 >= len(TierOrder) {
		return ""
	}
	return TierOrder[i+1]
}

// atLeastAsCapable reports whether a is at least as capable as b (a's
// index is the same as or earlier than b's).
func atLeastAsCapable(a, b Tier) bool {
	ai, bi := tierIndex(a), tierIndex(b)
	if ai < 0 || bi < 0 {
		return false
	}
	return ai <= bi
}
