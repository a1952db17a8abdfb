package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/trip-checkout/internal/model"
)

const magicLinkColumns = `id, token_hash, session_id, user_id, expires_at, used_at, created_at`

func scanMagicLink(row *sql.Row) (model.MagicLinkToken, error) {
	var (
		m    model.MagicLinkToken
		used sql.NullTime
	)
	err := row.Scan(&m.ID, &m.TokenHash, &m.SessionID, &m.UserID, &m.ExpiresAt, &used, &m.CreatedAt)
	if err != nil {
		return m, translate(err)
	}
	m.UsedAt = timePtr(used)
	return m, nil
}

func (t *sqlTx) CreateMagicLink(ctx context.Context, m *model.MagicLinkToken) error {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO magic_link_tokens (token_hash, session_id, user_id, expires_at) VALUES (?, ?, ?, ?)`,
		m.TokenHash, m.SessionID, m.UserID, m.ExpiresAt.UTC(),
	)
	if err != nil {
		return translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = uint64(id)
	return nil
}

func (t *sqlTx) FindActiveMagicLink(ctx context.Context, sessionID string, userID uint64, now time.Time) (model.MagicLinkToken, error) {
	return scanMagicLink(t.tx.QueryRowContext(ctx,
		`SELECT `+magicLinkColumns+` FROM magic_link_tokens
		  WHERE session_id = ? AND user_id = ? AND used_at IS NULL AND expires_at > ?
		  ORDER BY id DESC LIMIT 1`,
		sessionID, userID, now.UTC(),
	))
}

func (t *sqlTx) GetMagicLinkForUpdate(ctx context.Context, tokenHash string) (model.MagicLinkToken, error) {
	return scanMagicLink(t.tx.QueryRowContext(ctx,
		`SELECT `+magicLinkColumns+` FROM magic_link_tokens WHERE token_hash = ? FOR UPDATE`,
		tokenHash,
	))
}

func (t *sqlTx) MarkMagicLinkUsed(ctx context.Context, id uint64, now time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE magic_link_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		now.UTC(), id,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (t *sqlTx) InvalidateSessionMagicLinks(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE magic_link_tokens SET used_at = ? WHERE session_id = ? AND used_at IS NULL`,
		now.UTC(), sessionID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqlTx) InvalidateOrphanMagicLinks(ctx context.Context, now time.Time, limit int) (int64, error) {
	// MySQL rejects LIMIT on multi-table UPDATE, so the candidate ids are
	// picked through a derived table.
	res, err := t.tx.ExecContext(ctx,
		`UPDATE magic_link_tokens SET used_at = ?
		  WHERE id IN (
		        SELECT id FROM (
		               SELECT m.id FROM magic_link_tokens m
		                 JOIN checkout_sessions s ON s.id = m.session_id
		                WHERE m.used_at IS NULL
		                  AND (m.expires_at <= ? OR s.status <> 'PENDING' OR s.expires_at <= ?)
		                ORDER BY m.id LIMIT ?) picked)`,
		now.UTC(), now.UTC(), now.UTC(), limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
