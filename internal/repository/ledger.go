package repository

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bibliotecavirtual/reservation-service/internal/errs"
)

// The inventory ledger. Every mutation of books.available_count in this
// service goes through reserveCopy/releaseCopies, always under the book
// row's lock so competing callers serialize per book.

type inventoryRow struct {
	Available int `db:"available_count"`
	Total     int `db:"total_count"`
}

func (r *repository) lockInventoryTx(ctx context.Context, tx *sqlx.Tx, bookID int) (inventoryRow, error) {
	const q = `select available_count, total_count from books where id = $1 for update`
	var inv inventoryRow
	if err := tx.GetContext(ctx, &inv, q, bookID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return inventoryRow{}, errs.ErrBookNotFound
		}
		return inventoryRow{}, err
	}
	return inv, nil
}

// reserveCopy takes one copy off the shelf, failing with ErrNoCopies when
// none are left. The row lock makes the read-check-decrement atomic.
func (r *repository) reserveCopy(ctx context.Context, tx *sqlx.Tx, bookID int) error {
	inv, err := r.lockInventoryTx(ctx, tx, bookID)
	if err != nil {
		return err
	}
	if inv.Available <= 0 {
		return errs.ErrNoCopies
	}
	const q = `update books set available_count = available_count - 1 where id = $1`
	_, err = tx.ExecContext(ctx, q, bookID)
	return err
}

// releaseCopies puts count copies back, clamped to total_count. Exceeding
// the total means a double release somewhere upstream, so it is logged.
func (r *repository) releaseCopies(ctx context.Context, tx *sqlx.Tx, bookID, count int) error {
	inv, err := r.lockInventoryTx(ctx, tx, bookID)
	if err != nil {
		return err
	}
	next := inv.Available + count
	if next > inv.Total {
		r.log.Warn("release clamped to total",
			zap.Int("book_id", bookID),
			zap.Int("available", inv.Available),
			zap.Int("count", count),
			zap.Int("total", inv.Total))
		next = inv.Total
	}
	const q = `update books set available_count = $2 where id = $1`
	_, err = tx.ExecContext(ctx, q, bookID, next)
	return err
}
