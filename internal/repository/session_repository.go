package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
)

func (t *sqlTx) CreateSession(ctx context.Context, s model.CheckoutSession) error {
	cart, err := json.Marshal(s.Cart)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO checkout_sessions (id, customer_email, cart_json, bound_user_id, points_reserved, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CustomerEmail, cart, nullUint(s.BoundUserID), s.PointsReserved, s.ExpiresAt.UTC(), s.Status,
	)
	return translate(err)
}

func (t *sqlTx) GetSessionForUpdate(ctx context.Context, id string) (model.CheckoutSession, error) {
	var (
		s     model.CheckoutSession
		cart  []byte
		bound sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, customer_email, cart_json, bound_user_id, points_reserved, expires_at, status, created_at, updated_at
		   FROM checkout_sessions WHERE id = ? FOR UPDATE`, id,
	).Scan(&s.ID, &s.CustomerEmail, &cart, &bound, &s.PointsReserved, &s.ExpiresAt, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, translate(err)
	}
	if err := json.Unmarshal(cart, &s.Cart); err != nil {
		return s, fmt.Errorf("decode cart of session %s: %w", id, err)
	}
	s.BoundUserID = uintPtr(bound)
	return s, nil
}

func (t *sqlTx) UpdateSession(ctx context.Context, s model.CheckoutSession) error {
	cart, err := json.Marshal(s.Cart)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`UPDATE checkout_sessions
		    SET cart_json = ?, bound_user_id = ?, points_reserved = ?, status = ?
		  WHERE id = ?`,
		cart, nullUint(s.BoundUserID), s.PointsReserved, s.Status, s.ID,
	)
	return err
}

// ListExpiredSessionIDs returns PENDING sessions past their deadline,
// oldest first.
func (t *sqlTx) ListExpiredSessionIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM checkout_sessions
		  WHERE status = 'PENDING' AND expires_at <= ?
		  ORDER BY expires_at LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
