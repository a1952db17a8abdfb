package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/trip-checkout/internal/store"
)

// Store is the MySQL-backed store.Store.
type Store struct{ DB *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// WithTx runs fn inside a transaction.  The transaction is rolled back
// unless fn returns nil and the commit succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// sqlTx implements store.Tx; its methods are spread over the per-table
// files of this package.
type sqlTx struct{ tx *sql.Tx }

var _ store.Tx = (*sqlTx)(nil)
