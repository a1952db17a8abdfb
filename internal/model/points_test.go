package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPointsCap(t *testing.T) {
	assert.Equal(t, int64(20), PointsCap(10000))
	assert.Equal(t, int64(0), PointsCap(499))
	assert.Equal(t, int64(1), PointsCap(500))
	assert.Equal(t, int64(0), PointsCap(-100))
}

func TestClampPoints(t *testing.T) {
	cases := []struct {
		name                         string
		requested, available, totalC int64
		want                         int64
	}{
		{"capped by cart", 50, 50, 10000, 20},
		{"capped by balance", 50, 7, 10000, 7},
		{"request below both", 3, 50, 10000, 3},
		{"negative request", -5, 50, 10000, 0},
		{"empty cart", 10, 10, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClampPoints(tc.requested, tc.available, tc.totalC))
		})
	}
}

func TestEarnAfterDiscount(t *testing.T) {
	// 10,000 cents with 50 points available: 20 reserved, 8,000 due, 8 earned.
	reserved := ClampPoints(50, 50, 10000)
	final := int64(10000) - DiscountCents(reserved)

	assert.Equal(t, int64(20), reserved)
	assert.Equal(t, int64(8000), final)
	assert.Equal(t, int64(8), EarnedPoints(final))
	assert.Equal(t, int64(0), EarnedPoints(999))
}

func TestCartTotal(t *testing.T) {
	cart := Cart{
		{TripID: 1, Qty: 2, UnitPriceCents: 2500},
		{TripID: 2, Qty: 1, UnitPriceCents: 5000},
	}
	assert.Equal(t, int64(10000), cart.TotalCents())
}
