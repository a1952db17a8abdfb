package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/trip-checkout/internal/model"
	"github.com/iliyamo/trip-checkout/internal/store"
)

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewStore(db), mock
}

func sqlText(s string) string { return regexp.QuoteMeta(s) }

func TestClaimSeatsUsesAffectedRows(t *testing.T) {
	st, mock := newMockStore(t)
	claim := sqlText("SET seats_left = seats_left - ?, availability = IF(seats_left = 0, 'CLOSED', availability)") +
		".*" + sqlText("WHERE id = ? AND seats_left >= ? AND availability = 'OPEN'")

	mock.ExpectBegin()
	mock.ExpectExec(claim).WithArgs(2, 5, 2).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs(3, 5, 3).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var first, second bool
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		if first, err = tx.ClaimSeats(context.Background(), 5, 2); err != nil {
			return err
		}
		second, err = tx.ClaimSeats(context.Background(), 5, 3)
		return err
	})

	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second, "no matching row means the claim lost")
}

func TestReleaseSeatsNeverExceedsCapacity(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(sqlText("SET seats_left = LEAST(capacity, seats_left + ?)") + ".*" +
		sqlText("IF(availability = 'CLOSED' AND manually_closed = 0 AND seats_left > 0, 'OPEN', availability)")).
		WithArgs(2, 5).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.ReleaseSeats(context.Background(), 5, 2)
	})
	require.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec(sqlText("UPDATE trips")).WillReturnError(boom)
	mock.ExpectRollback()

	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.ClaimSeats(context.Background(), 5, 1)
		return err
	})
	assert.ErrorIs(t, err, boom)
}

func TestDriverErrorsBecomeSentinels(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(sqlText("FROM trips WHERE id = ? LIMIT 1")).WithArgs(9).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(sqlText("INSERT INTO magic_link_tokens")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	var notFound, duplicate error
	_ = st.WithTx(context.Background(), func(tx store.Tx) error {
		_, notFound = tx.GetTrip(context.Background(), 9)
		duplicate = tx.CreateMagicLink(context.Background(), &model.MagicLinkToken{
			TokenHash: "h", SessionID: "s", UserID: 7, ExpiresAt: sweepNow,
		})
		return duplicate
	})

	assert.ErrorIs(t, notFound, store.ErrNotFound)
	assert.ErrorIs(t, duplicate, store.ErrDuplicate)
}

func TestMarkMagicLinkUsedOnlyOnce(t *testing.T) {
	st, mock := newMockStore(t)
	mark := sqlText("UPDATE magic_link_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL")
	mock.ExpectBegin()
	mock.ExpectExec(mark).WithArgs(sweepNow, 4).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(mark).WithArgs(sweepNow, 4).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var won, lost bool
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		if won, err = tx.MarkMagicLinkUsed(context.Background(), 4, sweepNow); err != nil {
			return err
		}
		lost, err = tx.MarkMagicLinkUsed(context.Background(), 4, sweepNow)
		return err
	})

	require.NoError(t, err)
	assert.True(t, won)
	assert.False(t, lost)
}

func TestInvalidateOrphanMagicLinks(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(sqlText("WHERE m.used_at IS NULL AND (m.expires_at <= ? OR s.status <> 'PENDING' OR s.expires_at <= ?)") +
		".*" + sqlText("ORDER BY m.id LIMIT ?) picked)")).
		WithArgs(sweepNow, sweepNow, sweepNow, 50).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	var n int64
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		n, err = tx.InvalidateOrphanMagicLinks(context.Background(), sweepNow, 50)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSweepListings(t *testing.T) {
	st, mock := newMockStore(t)
	cutoff := sweepNow.Add(-time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(sqlText("(p.status = 'PAID' OR p.provider = 'MANUAL_TRANSFER')") + ".*" +
		sqlText("WHERE p.order_id = o.id AND p.provider = 'GATEWAY'), o.created_at) < ?")).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4).AddRow(9))
	mock.ExpectQuery(sqlText("JOIN checkout_sessions s ON s.id = o.checkout_session_id") + ".*" +
		sqlText("WHERE o.status = 'SUBMITTED' AND s.expires_at <= ?") + ".*" +
		sqlText("NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.id)")).
		WithArgs(sweepNow, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectCommit()

	var stale, abandoned []uint64
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		if stale, err = tx.ListStaleOrderIDs(context.Background(), cutoff, 100); err != nil {
			return err
		}
		abandoned, err = tx.ListAbandonedOrderIDs(context.Background(), sweepNow, 100)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 9}, stale)
	assert.Equal(t, []uint64{11}, abandoned)
}

func TestSpendableSumIsLockingRead(t *testing.T) {
	st, mock := newMockStore(t)
	sum := sqlText("SELECT COALESCE(SUM(points), 0) FROM loyalty_transactions")
	mock.ExpectBegin()
	mock.ExpectQuery(sum + ".*" + sqlText("expires_at > ?)") + "$").
		WithArgs(3, sweepNow).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(20))
	mock.ExpectQuery(sum + ".*" + sqlText("LOCK IN SHARE MODE")).
		WithArgs(3, sweepNow).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(0))
	mock.ExpectCommit()

	var snapshot, locked int64
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		if snapshot, err = tx.SumAvailablePoints(context.Background(), 3, sweepNow); err != nil {
			return err
		}
		locked, err = tx.SumAvailablePointsLocked(context.Background(), 3, sweepNow)
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, int64(20), snapshot)
	assert.Zero(t, locked)
}

func TestAdjustPointsBalanceFloorsAtZero(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(sqlText("GREATEST(")).WithArgs(-15, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.AdjustPointsBalance(context.Background(), 3, -15)
	})
	require.NoError(t, err)
}
