package model

// CentsPerPoint is the monetary value of one loyalty point.
const CentsPerPoint = 100

// PointsCap returns the maximum number of points redeemable on a cart:
// 20% of its value, floor(total / 500).
func PointsCap(cartTotalCents int64) int64 {
	if cartTotalCents <= 0 {
		return 0
	}
	return cartTotalCents / 500
}

// ClampPoints bounds a requested amount by the available balance and by
// the cap derived from the cart total.  The result is never negative.
func ClampPoints(requested, available, cartTotalCents int64) int64 {
	n := requested
	if available < n {
		n = available
	}
	if c := PointsCap(cartTotalCents); c < n {
		n = c
	}
	if n < 0 {
		return 0
	}
	return n
}

// EarnedPoints returns the points granted on confirmation: 10% of the
// post-discount total, floor(total / 1000).
func EarnedPoints(finalTotalCents int64) int64 {
	if finalTotalCents <= 0 {
		return 0
	}
	return finalTotalCents / 1000
}

// DiscountCents converts points to their monetary value.
func DiscountCents(points int64) int64 {
	return points * CentsPerPoint
}
