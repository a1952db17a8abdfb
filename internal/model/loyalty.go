package model

import "time"

// LoyaltyTxType is the kind of a ledger row.
type LoyaltyTxType string

const (
	LoyaltyEarn  LoyaltyTxType = "EARN"
	LoyaltySpend LoyaltyTxType = "SPEND"
)

// LoyaltyAccount holds the cached balance of a user.  PointsBalance is a
// display cache; decisions use the ledger sum.
type LoyaltyAccount struct {
	ID            uint64    // loyalty_accounts.id
	UserID        uint64    // loyalty_accounts.user_id
	PointsBalance int64     // loyalty_accounts.points_balance
	UpdatedAt     time.Time // loyalty_accounts.updated_at
}

// LoyaltyTransaction is one append-only ledger row.  Points carry the sign
// of the type: EARN rows are positive, SPEND rows negative.  At most one
// row per (OrderID, Type) exists.
type LoyaltyTransaction struct {
	ID        uint64        // loyalty_transactions.id
	AccountID uint64        // loyalty_transactions.account_id
	Type      LoyaltyTxType // loyalty_transactions.type
	Points    int64         // loyalty_transactions.points
	OrderID   *uint64       // loyalty_transactions.order_id (nullable)
	ExpiresAt *time.Time    // loyalty_transactions.expires_at (EARN only)
	Note      string        // loyalty_transactions.note
	CreatedAt time.Time     // loyalty_transactions.created_at
}
