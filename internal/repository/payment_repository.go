package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
)

const paymentColumns = `id, order_id, provider, status, amount_cents, external_id, provider_ref, paid_at, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanPayment(r rowScanner) (model.Payment, error) {
	var (
		p    model.Payment
		ref  sql.NullString
		paid sql.NullTime
	)
	if err := r.Scan(&p.ID, &p.OrderID, &p.Provider, &p.Status, &p.AmountCents, &p.ExternalID,
		&ref, &paid, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, translate(err)
	}
	if ref.Valid {
		p.ProviderRef = &ref.String
	}
	p.PaidAt = timePtr(paid)
	return p, nil
}

func (t *sqlTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO payments (order_id, provider, status, amount_cents, external_id) VALUES (?, ?, ?, ?, ?)`,
		p.OrderID, p.Provider, p.Status, p.AmountCents, p.ExternalID,
	)
	if err != nil {
		return translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

func (t *sqlTx) GetPaymentByExternalID(ctx context.Context, externalID string) (model.Payment, error) {
	return scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE external_id = ? LIMIT 1`, externalID))
}

// ListPayments returns the attempts of an order, newest first.
func (t *sqlTx) ListPayments(ctx context.Context, orderID uint64) ([]model.Payment, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = ? ORDER BY created_at DESC, id DESC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *sqlTx) SetPaymentStatus(ctx context.Context, id uint64, status model.PaymentStatus, providerRef *string, paidAt *time.Time) error {
	var ref sql.NullString
	if providerRef != nil {
		ref = sql.NullString{String: *providerRef, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE payments
		    SET status = ?, provider_ref = COALESCE(?, provider_ref), paid_at = COALESCE(?, paid_at)
		  WHERE id = ?`,
		status, ref, nullTime(paidAt), id,
	)
	return err
}

func (t *sqlTx) CancelPendingPayments(ctx context.Context, orderID, keepID uint64, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE payments SET status = 'CANCELLED', updated_at = ?
		  WHERE order_id = ? AND status = 'PENDING' AND id <> ?`,
		now.UTC(), orderID, keepID,
	)
	return err
}

// ListOverdueTransfers reports SUBMITTED orders whose pending manual
// transfer was requested before cutoff.
func (t *sqlTx) ListOverdueTransfers(ctx context.Context, cutoff time.Time) ([]model.OverdueTransfer, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT o.id, o.order_number, o.email, p.amount_cents, p.id, p.created_at
		   FROM payments p
		   JOIN orders o ON o.id = p.order_id
		  WHERE p.provider = 'MANUAL_TRANSFER' AND p.status = 'PENDING'
		    AND o.status = 'SUBMITTED' AND p.created_at < ?
		  ORDER BY p.created_at`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.OverdueTransfer
	for rows.Next() {
		var o model.OverdueTransfer
		if err := rows.Scan(&o.OrderID, &o.OrderNumber, &o.Email, &o.AmountCents, &o.PaymentID, &o.RequestedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
