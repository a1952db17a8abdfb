package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
)

// Ledger is the append-only loyalty log.  The sum of its rows is the
// balance; loyalty_accounts.points_balance is a display cache.
type Ledger struct {
	pointsTTL time.Duration
}

// Spend records a SPEND of points for an order.  A second call for the
// same order is a no-op.  The balance is re-read under the account lock
// and a SPEND larger than it fails with an insufficient_points Conflict.
func (l *Ledger) Spend(ctx context.Context, tx store.Tx, accountID uint64, points int64, orderID uint64, note string, now time.Time) error {
	if points <= 0 {
		return nil
	}
	return l.append(ctx, tx, accountID, model.LoyaltySpend, -points, orderID, note, nil, now)
}

// Earn records an EARN for an order.  expiresAt nil means the points
// never lapse.
func (l *Ledger) Earn(ctx context.Context, tx store.Tx, accountID uint64, points int64, orderID uint64, note string, expiresAt *time.Time) error {
	if points <= 0 {
		return nil
	}
	return l.append(ctx, tx, accountID, model.LoyaltyEarn, points, orderID, note, expiresAt, time.Time{})
}

// EarnExpiry is the expiry of points earned at now, or nil when earned
// points never lapse.
func (l *Ledger) EarnExpiry(now time.Time) *time.Time {
	if l.pointsTTL <= 0 {
		return nil
	}
	t := now.Add(l.pointsTTL)
	return &t
}

func (l *Ledger) append(ctx context.Context, tx store.Tx, accountID uint64, typ model.LoyaltyTxType, signed int64, orderID uint64, note string, expiresAt *time.Time, now time.Time) error {
	if _, err := tx.LockAccount(ctx, accountID); err != nil {
		return fmt.Errorf("lock loyalty account %d: %w", accountID, err)
	}
	exists, err := tx.LedgerEntryExists(ctx, orderID, typ)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if typ == model.LoyaltySpend {
		avail, err := l.lockedBalance(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		if avail < -signed {
			return Conflict("insufficient_points", fmt.Sprintf("%d points available, %d requested", avail, -signed))
		}
	}
	oid := orderID
	entry := &model.LoyaltyTransaction{
		AccountID: accountID,
		Type:      typ,
		Points:    signed,
		OrderID:   &oid,
		ExpiresAt: expiresAt,
		Note:      note,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("insert %s for order %d: %w", typ, orderID, err)
	}
	return tx.AdjustPointsBalance(ctx, accountID, signed)
}

// AvailableBalance sums the ledger at now, floored at zero.  It reads the
// transaction snapshot and is only good for display; anything that spends
// uses SpendableForUser.
func (l *Ledger) AvailableBalance(ctx context.Context, tx store.Tx, accountID uint64, now time.Time) (int64, error) {
	sum, err := tx.SumAvailablePoints(ctx, accountID, now)
	return floorZero(sum), err
}

// lockedBalance expects the account row to be locked already.
func (l *Ledger) lockedBalance(ctx context.Context, tx store.Tx, accountID uint64, now time.Time) (int64, error) {
	sum, err := tx.SumAvailablePointsLocked(ctx, accountID, now)
	return floorZero(sum), err
}

func floorZero(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// AvailableForUser is AvailableBalance for the account of a user; users
// without an account have nothing to spend.
func (l *Ledger) AvailableForUser(ctx context.Context, tx store.Tx, userID uint64, now time.Time) (model.LoyaltyAccount, int64, error) {
	acct, err := tx.GetAccountByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.LoyaltyAccount{}, 0, nil
	}
	if err != nil {
		return acct, 0, err
	}
	avail, err := l.AvailableBalance(ctx, tx, acct.ID, now)
	return acct, avail, err
}

// SpendableForUser locks the user's account and sums the ledger with a
// locking read.  Two orders for the same user serialise here, and the
// second sees the first one's SPEND.
func (l *Ledger) SpendableForUser(ctx context.Context, tx store.Tx, userID uint64, now time.Time) (model.LoyaltyAccount, int64, error) {
	acct, err := tx.GetAccountByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return model.LoyaltyAccount{}, 0, nil
	}
	if err != nil {
		return acct, 0, err
	}
	locked, err := tx.LockAccount(ctx, acct.ID)
	if err != nil {
		return acct, 0, fmt.Errorf("lock loyalty account %d: %w", acct.ID, err)
	}
	avail, err := l.lockedBalance(ctx, tx, locked.ID, now)
	return locked, avail, err
}

// RefreshBalance rewrites the cached balance from the ledger.
func (l *Ledger) RefreshBalance(ctx context.Context, tx store.Tx, accountID uint64, now time.Time) (int64, error) {
	if _, err := tx.LockAccount(ctx, accountID); err != nil {
		return 0, err
	}
	avail, err := l.lockedBalance(ctx, tx, accountID, now)
	if err != nil {
		return 0, err
	}
	return avail, tx.SetPointsBalance(ctx, accountID, avail)
}
