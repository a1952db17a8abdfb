// Package store declares the transactional persistence contract used by
// the checkout services.  The MySQL implementation lives in
// internal/repository; tests use an in-memory implementation.
//
// Every multi-entity mutation runs inside Store.WithTx.  Methods whose
// name ends in ForUpdate take a row lock that is held until the
// transaction finishes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a unique index.
var ErrDuplicate = errors.New("duplicate")

// Store opens transactions.  WithTx commits when fn returns nil and rolls
// back otherwise; fn's error is returned unchanged.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	TripTx
	SessionTx
	MagicLinkTx
	UserTx
	LedgerTx
	OrderTx
	PaymentTx
}

// TripTx covers trips and their departure points.  ClaimSeats and
// ReleaseSeats are the only writers of seats_left.
type TripTx interface {
	GetTrip(ctx context.Context, id uint64) (model.Trip, error)
	DeparturePointExists(ctx context.Context, tripID, pointID uint64) (bool, error)
	// ClaimSeats decrements seats_left when at least qty seats remain and
	// the trip is OPEN.  It reports whether the row was updated.
	ClaimSeats(ctx context.Context, tripID uint64, qty int) (bool, error)
	ReleaseSeats(ctx context.Context, tripID uint64, qty int) error
}

type SessionTx interface {
	CreateSession(ctx context.Context, s model.CheckoutSession) error
	GetSessionForUpdate(ctx context.Context, id string) (model.CheckoutSession, error)
	// UpdateSession persists cart, bound user, reserved points and status.
	UpdateSession(ctx context.Context, s model.CheckoutSession) error
	ListExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type MagicLinkTx interface {
	CreateMagicLink(ctx context.Context, t *model.MagicLinkToken) error
	// FindActiveMagicLink returns an unused, unexpired token for the pair.
	FindActiveMagicLink(ctx context.Context, sessionID string, userID uint64, now time.Time) (model.MagicLinkToken, error)
	GetMagicLinkForUpdate(ctx context.Context, tokenHash string) (model.MagicLinkToken, error)
	// MarkMagicLinkUsed sets used_at only if it is still NULL and reports
	// whether this call did so.
	MarkMagicLinkUsed(ctx context.Context, id uint64, now time.Time) (bool, error)
	InvalidateSessionMagicLinks(ctx context.Context, sessionID string, now time.Time) (int64, error)
	// InvalidateOrphanMagicLinks marks unused tokens that are expired or
	// whose session is no longer PENDING.
	InvalidateOrphanMagicLinks(ctx context.Context, now time.Time, limit int) (int64, error)
}

type UserTx interface {
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
}

// LedgerTx is the loyalty ledger storage.  AdjustPointsBalance and
// SetPointsBalance are the only writers of points_balance.
type LedgerTx interface {
	GetAccountByUser(ctx context.Context, userID uint64) (model.LoyaltyAccount, error)
	// EnsureAccount returns the user's account, creating an empty one.
	EnsureAccount(ctx context.Context, userID uint64) (model.LoyaltyAccount, error)
	LockAccount(ctx context.Context, accountID uint64) (model.LoyaltyAccount, error)
	LedgerEntryExists(ctx context.Context, orderID uint64, typ model.LoyaltyTxType) (bool, error)
	GetLedgerEntry(ctx context.Context, orderID uint64, typ model.LoyaltyTxType) (model.LoyaltyTransaction, error)
	InsertLedgerEntry(ctx context.Context, e *model.LoyaltyTransaction) error
	AdjustPointsBalance(ctx context.Context, accountID uint64, delta int64) error
	SetPointsBalance(ctx context.Context, accountID uint64, balance int64) error
	// SumAvailablePoints adds all SPEND rows and the EARN rows that have
	// not expired at now.  The result may be negative.
	SumAvailablePoints(ctx context.Context, accountID uint64, now time.Time) (int64, error)
	// SumAvailablePointsLocked is SumAvailablePoints as a locking read: it
	// sees rows committed after the transaction's snapshot.  Call it with
	// the account locked.
	SumAvailablePointsLocked(ctx context.Context, accountID uint64, now time.Time) (int64, error)
	// ListAccountsWithLapsedPoints returns accounts holding EARN rows that
	// expired in (from, to].
	ListAccountsWithLapsedPoints(ctx context.Context, from, to time.Time, limit int) ([]uint64, error)
}

type OrderTx interface {
	// InsertOrder writes the order and its items and sets the ids.
	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrderForUpdate(ctx context.Context, id uint64) (model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (model.Order, error)
	SetOrderStatus(ctx context.Context, id uint64, status model.OrderStatus, now time.Time) error
	// ListStaleOrderIDs returns SUBMITTED orders without a PAID or manual
	// attempt whose latest gateway attempt, or creation when there is
	// none, is before cutoff.
	ListStaleOrderIDs(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error)
	// ListAbandonedOrderIDs returns SUBMITTED orders with no payment
	// attempt at all whose checkout session deadline is not after now.
	ListAbandonedOrderIDs(ctx context.Context, now time.Time, limit int) ([]uint64, error)
}

type PaymentTx interface {
	InsertPayment(ctx context.Context, p *model.Payment) error
	GetPaymentByExternalID(ctx context.Context, externalID string) (model.Payment, error)
	ListPayments(ctx context.Context, orderID uint64) ([]model.Payment, error)
	SetPaymentStatus(ctx context.Context, id uint64, status model.PaymentStatus, providerRef *string, paidAt *time.Time) error
	// CancelPendingPayments cancels every PENDING attempt of the order
	// except keepID (0 keeps none).
	CancelPendingPayments(ctx context.Context, orderID, keepID uint64, now time.Time) error
	ListOverdueTransfers(ctx context.Context, cutoff time.Time) ([]model.OverdueTransfer, error)
}
