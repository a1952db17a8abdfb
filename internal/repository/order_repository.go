package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
)

const orderColumns = `id, order_number, status, subtotal_cents, points_used, total_cents, checkout_session_id,
	user_id, email, first_name, last_name, phone, created_at, updated_at, cancelled_at`

// InsertOrder writes the order row followed by one row per item.
func (t *sqlTx) InsertOrder(ctx context.Context, o *model.Order) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO orders (order_number, status, subtotal_cents, points_used, total_cents, checkout_session_id,
		                     user_id, email, first_name, last_name, phone)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OrderNumber, o.Status, o.SubtotalCents, o.PointsUsed, o.TotalCents, o.CheckoutSessionID,
		nullUint(o.UserID), o.Email, o.FirstName, o.LastName, o.Phone,
	)
	if err != nil {
		return translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = uint64(id)

	for i := range o.Items {
		it := &o.Items[i]
		it.OrderID = o.ID
		passengers, err := json.Marshal(it.Passengers)
		if err != nil {
			return fmt.Errorf("encode passengers: %w", err)
		}
		res, err := t.tx.ExecContext(ctx,
			`INSERT INTO order_items (order_id, trip_id, departure_point_id, qty, unit_price_cents, passengers_json)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			o.ID, it.TripID, nullUint(it.DeparturePointID), it.Qty, it.UnitPriceCents, passengers,
		)
		if err != nil {
			return translate(err)
		}
		itemID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		it.ID = uint64(itemID)
	}
	return nil
}

func (t *sqlTx) scanOrder(ctx context.Context, where string, arg any) (model.Order, error) {
	var (
		o         model.Order
		user      sql.NullInt64
		cancelled sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg).Scan(
		&o.ID, &o.OrderNumber, &o.Status, &o.SubtotalCents, &o.PointsUsed, &o.TotalCents, &o.CheckoutSessionID,
		&user, &o.Email, &o.FirstName, &o.LastName, &o.Phone, &o.CreatedAt, &o.UpdatedAt, &cancelled,
	)
	if err != nil {
		return o, translate(err)
	}
	o.UserID = uintPtr(user)
	o.CancelledAt = timePtr(cancelled)
	o.Items, err = t.orderItems(ctx, o.ID)
	return o, err
}

func (t *sqlTx) orderItems(ctx context.Context, orderID uint64) ([]model.OrderItem, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, order_id, trip_id, departure_point_id, qty, unit_price_cents, passengers_json
		   FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []model.OrderItem
	for rows.Next() {
		var (
			it         model.OrderItem
			point      sql.NullInt64
			passengers []byte
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.TripID, &point, &it.Qty, &it.UnitPriceCents, &passengers); err != nil {
			return nil, err
		}
		it.DeparturePointID = uintPtr(point)
		if len(passengers) > 0 {
			if err := json.Unmarshal(passengers, &it.Passengers); err != nil {
				return nil, fmt.Errorf("decode passengers of item %d: %w", it.ID, err)
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (t *sqlTx) GetOrderForUpdate(ctx context.Context, id uint64) (model.Order, error) {
	return t.scanOrder(ctx, `id = ? FOR UPDATE`, id)
}

func (t *sqlTx) GetOrderByNumber(ctx context.Context, number string) (model.Order, error) {
	return t.scanOrder(ctx, `order_number = ? LIMIT 1`, number)
}

func (t *sqlTx) SetOrderStatus(ctx context.Context, id uint64, status model.OrderStatus, now time.Time) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE orders
		    SET status = ?, cancelled_at = IF(? = 'CANCELLED', ?, cancelled_at)
		  WHERE id = ?`,
		status, status, now.UTC(), id,
	)
	return err
}

func (t *sqlTx) ListStaleOrderIDs(ctx context.Context, cutoff time.Time, limit int) ([]uint64, error) {
	return t.queryIDs(ctx,
		`SELECT o.id FROM orders o
		  WHERE o.status = 'SUBMITTED'
		    AND NOT EXISTS (SELECT 1 FROM payments p
		                     WHERE p.order_id = o.id AND (p.status = 'PAID' OR p.provider = 'MANUAL_TRANSFER'))
		    AND COALESCE((SELECT MAX(p.created_at) FROM payments p
		                   WHERE p.order_id = o.id AND p.provider = 'GATEWAY'), o.created_at) < ?
		  ORDER BY o.id LIMIT ?`,
		cutoff.UTC(), limit,
	)
}

func (t *sqlTx) ListAbandonedOrderIDs(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	return t.queryIDs(ctx,
		`SELECT o.id FROM orders o
		   JOIN checkout_sessions s ON s.id = o.checkout_session_id
		  WHERE o.status = 'SUBMITTED' AND s.expires_at <= ?
		    AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.order_id = o.id)
		  ORDER BY o.id LIMIT ?`,
		now.UTC(), limit,
	)
}

// queryIDs runs a single-column id query.
func (t *sqlTx) queryIDs(ctx context.Context, query string, args ...any) ([]uint64, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
