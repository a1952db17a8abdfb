package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
)

func (t *sqlTx) GetAccountByUser(ctx context.Context, userID uint64) (model.LoyaltyAccount, error) {
	var a model.LoyaltyAccount
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, points_balance, updated_at FROM loyalty_accounts WHERE user_id = ? LIMIT 1`,
		userID,
	).Scan(&a.ID, &a.UserID, &a.PointsBalance, &a.UpdatedAt)
	return a, translate(err)
}

// LockAccount serializes ledger writers of one account for the rest of
// the transaction.
func (t *sqlTx) LockAccount(ctx context.Context, accountID uint64) (model.LoyaltyAccount, error) {
	var a model.LoyaltyAccount
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, points_balance, updated_at FROM loyalty_accounts WHERE id = ? FOR UPDATE`,
		accountID,
	).Scan(&a.ID, &a.UserID, &a.PointsBalance, &a.UpdatedAt)
	return a, translate(err)
}

func (t *sqlTx) LedgerEntryExists(ctx context.Context, orderID uint64, typ model.LoyaltyTxType) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM loyalty_transactions WHERE order_id = ? AND type = ?)`,
		orderID, typ,
	).Scan(&exists)
	return exists, err
}

func (t *sqlTx) GetLedgerEntry(ctx context.Context, orderID uint64, typ model.LoyaltyTxType) (model.LoyaltyTransaction, error) {
	var (
		e       model.LoyaltyTransaction
		order   sql.NullInt64
		expires sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, account_id, type, points, order_id, expires_at, note, created_at
		   FROM loyalty_transactions WHERE order_id = ? AND type = ? LIMIT 1`,
		orderID, typ,
	).Scan(&e.ID, &e.AccountID, &e.Type, &e.Points, &order, &expires, &e.Note, &e.CreatedAt)
	if err != nil {
		return e, translate(err)
	}
	e.OrderID = uintPtr(order)
	e.ExpiresAt = timePtr(expires)
	return e, nil
}

func (t *sqlTx) InsertLedgerEntry(ctx context.Context, e *model.LoyaltyTransaction) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO loyalty_transactions (account_id, type, points, order_id, expires_at, note)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.AccountID, e.Type, e.Points, nullUint(e.OrderID), nullTime(e.ExpiresAt), e.Note,
	)
	if err != nil {
		return translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = uint64(id)
	return nil
}

// AdjustPointsBalance moves the cached balance by delta, flooring at zero.
func (t *sqlTx) AdjustPointsBalance(ctx context.Context, accountID uint64, delta int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE loyalty_accounts SET points_balance = GREATEST(0, points_balance + ?) WHERE id = ?`,
		delta, accountID,
	)
	return err
}

func (t *sqlTx) SetPointsBalance(ctx context.Context, accountID uint64, balance int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE loyalty_accounts SET points_balance = ? WHERE id = ?`,
		balance, accountID,
	)
	return err
}

const sumAvailableSQL = `SELECT COALESCE(SUM(points), 0) FROM loyalty_transactions
  WHERE account_id = ?
    AND (type = 'SPEND' OR expires_at IS NULL OR expires_at > ?)`

func (t *sqlTx) SumAvailablePoints(ctx context.Context, accountID uint64, now time.Time) (int64, error) {
	var sum int64
	err := t.tx.QueryRowContext(ctx, sumAvailableSQL, accountID, now.UTC()).Scan(&sum)
	return sum, err
}

// SumAvailablePointsLocked reads the newest committed ledger rows rather
// than the REPEATABLE READ snapshot, so a SPEND committed by another
// order while this one waited for the account lock is counted.
func (t *sqlTx) SumAvailablePointsLocked(ctx context.Context, accountID uint64, now time.Time) (int64, error) {
	var sum int64
	err := t.tx.QueryRowContext(ctx, sumAvailableSQL+" LOCK IN SHARE MODE", accountID, now.UTC()).Scan(&sum)
	return sum, err
}

func (t *sqlTx) EnsureAccount(ctx context.Context, userID uint64) (model.LoyaltyAccount, error) {
	if _, err := t.tx.ExecContext(ctx,
		`INSERT IGNORE INTO loyalty_accounts (user_id, points_balance) VALUES (?, 0)`, userID,
	); err != nil {
		return model.LoyaltyAccount{}, err
	}
	return t.GetAccountByUser(ctx, userID)
}

func (t *sqlTx) ListAccountsWithLapsedPoints(ctx context.Context, from, to time.Time, limit int) ([]uint64, error) {
	return t.queryIDs(ctx,
		`SELECT DISTINCT account_id FROM loyalty_transactions
		  WHERE type = 'EARN' AND expires_at > ? AND expires_at <= ?
		  ORDER BY account_id LIMIT ?`,
		from.UTC(), to.UTC(), limit,
	)
}
