package repository

import (
	"context"
	"database/sql"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bibliotecavirtual/reservation-service/internal/errs"
	"github.com/bibliotecavirtual/reservation-service/internal/model"
)

type Repository interface {
	PlaceHold(ctx context.Context, userID, bookID int, now time.Time, window time.Duration) (model.Hold, error)
	CancelHold(ctx context.Context, userID, bookID int) (model.Hold, error)
	PickupHold(ctx context.Context, userID, bookID int, now time.Time) (model.Hold, error)
	ReturnHold(ctx context.Context, userID, bookID int, now time.Time) (model.Hold, error)
	PickupHoldByID(ctx context.Context, id int, now time.Time) (model.Hold, error)
	ReturnHoldByID(ctx context.Context, id int, now time.Time) (model.Hold, error)
	LatestHold(ctx context.Context, userID, bookID int) (model.Hold, error)
	ExpireHold(ctx context.Context, id int, now time.Time) (model.Hold, error)
	HoldsByUser(ctx context.Context, userID int) ([]model.UserHold, error)
	ListHolds(ctx context.Context, status model.Status) ([]model.Hold, error)
	GetHold(ctx context.Context, id int) (model.Hold, error)
	SweepExpired(ctx context.Context, now time.Time) (int, error)

	CreateBook(ctx context.Context, req model.CreateBookRequest) (model.Book, error)
	GetBook(ctx context.Context, id int) (model.Book, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
}

type repository struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewRepository(db *sqlx.DB, log *zap.Logger) (*repository, error) {
	return &repository{
		db:  db,
		log: log.Named("repo"),
	}, nil
}

const (
	booksTableName        = `books`
	reservationsTableName = `reservations`
)

var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var holdColumns = []string{
	"id", "reservation_uid", "user_id", "book_id", "status",
	"requested_at", "pickup_deadline", "picked_up_at", "returned_at",
}

// withTx runs fn inside a transaction, rolling back on error.
func (r *repository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func (r *repository) PlaceHold(ctx context.Context, userID, bookID int, now time.Time, window time.Duration) (model.Hold, error) {
	var hold model.Hold
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		// A stale waiting hold past its deadline does not count as active:
		// expire it here so the patron can immediately re-reserve.
		if err := r.expirePairTx(ctx, tx, userID, bookID, now); err != nil {
			return err
		}

		var exists bool
		q := `select exists (
			select 1 from reservations
			where user_id = $1 and book_id = $2 and status in ('aguardando', 'retirado'))`
		if err := tx.GetContext(ctx, &exists, q, userID, bookID); err != nil {
			return err
		}
		if exists {
			return errs.ErrDuplicateHold
		}

		if err := r.reserveCopy(ctx, tx, bookID); err != nil {
			return err
		}

		query, args, err := qb.Insert(reservationsTableName).
			Columns("reservation_uid", "user_id", "book_id", "status", "requested_at", "pickup_deadline").
			Values(uuid.New(), userID, bookID, model.StatusWaiting, now, now.Add(window)).
			Suffix("returning *").
			ToSql()
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &hold, query, args...); err != nil {
			// Lost a race against a concurrent placeHold for the same pair:
			// the partial unique index rejects the second insert and the
			// rollback undoes our decrement.
			if isUniqueViolation(err) {
				return errs.ErrDuplicateHold
			}
			r.log.Error("PlaceHold insert", zap.String("q", query), zap.Any("args", args))
			return err
		}
		return nil
	})
	if err != nil {
		return model.Hold{}, err
	}
	return hold, nil
}

func (r *repository) CancelHold(ctx context.Context, userID, bookID int) (model.Hold, error) {
	return r.transitionPair(ctx, userID, bookID, model.StatusCanceled, time.Time{})
}

func (r *repository) PickupHold(ctx context.Context, userID, bookID int, now time.Time) (model.Hold, error) {
	return r.transitionPair(ctx, userID, bookID, model.StatusPickedUp, now)
}

func (r *repository) ReturnHold(ctx context.Context, userID, bookID int, now time.Time) (model.Hold, error) {
	return r.transitionPair(ctx, userID, bookID, model.StatusReturned, now)
}

func (r *repository) PickupHoldByID(ctx context.Context, id int, now time.Time) (model.Hold, error) {
	return r.transitionByID(ctx, id, model.StatusPickedUp, now)
}

func (r *repository) ReturnHoldByID(ctx context.Context, id int, now time.Time) (model.Hold, error) {
	return r.transitionByID(ctx, id, model.StatusReturned, now)
}

// transitionPair applies a transition to the latest hold of a (user, book)
// pair, locking the hold row first and the book row second.
func (r *repository) transitionPair(ctx context.Context, userID, bookID int, to model.Status, now time.Time) (model.Hold, error) {
	var hold model.Hold
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := qb.Select(holdColumns...).
			From(reservationsTableName).
			Where(sq.Eq{"user_id": userID, "book_id": bookID}).
			OrderBy("requested_at desc").
			Limit(1).
			Suffix("for update").
			ToSql()
		if err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &hold, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		return r.transitionTx(ctx, tx, &hold, to, now)
	})
	if err != nil {
		return model.Hold{}, err
	}
	return hold, nil
}

func (r *repository) transitionByID(ctx context.Context, id int, to model.Status, now time.Time) (model.Hold, error) {
	var hold model.Hold
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.getHoldForUpdateTx(ctx, tx, id, &hold); err != nil {
			return err
		}
		return r.transitionTx(ctx, tx, &hold, to, now)
	})
	if err != nil {
		return model.Hold{}, err
	}
	return hold, nil
}

func (r *repository) getHoldForUpdateTx(ctx context.Context, tx *sqlx.Tx, id int, hold *model.Hold) error {
	query, args, err := qb.Select(holdColumns...).
		From(reservationsTableName).
		Where(sq.Eq{"id": id}).
		Suffix("for update").
		ToSql()
	if err != nil {
		return err
	}
	if err := tx.GetContext(ctx, hold, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	return nil
}

// transitionTx moves a locked hold to the target status, stamping the
// matching timestamp and releasing the copy on cancel/return. The caller
// must hold the row lock on the reservation.
func (r *repository) transitionTx(ctx context.Context, tx *sqlx.Tx, hold *model.Hold, to model.Status, now time.Time) error {
	if to == model.StatusPickedUp && hold.Expired(now) {
		// Deadline is over: the hold can only expire now. The sweeper or the
		// next checkStatus call releases the copy.
		return errs.ErrInvalidTransition
	}
	if !model.CanTransition(hold.Status, to) {
		return errs.ErrInvalidTransition
	}

	b := qb.Update(reservationsTableName).
		Set("status", to).
		Where(sq.Eq{"id": hold.ID})
	switch to {
	case model.StatusPickedUp:
		b = b.Set("picked_up_at", now)
	case model.StatusReturned:
		b = b.Set("returned_at", now)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if hold.Status.Active() && to.Terminal() {
		if err := r.releaseCopies(ctx, tx, hold.BookID, 1); err != nil {
			return err
		}
	}

	hold.Status = to
	switch to {
	case model.StatusPickedUp:
		hold.PickedUpAt = &now
	case model.StatusReturned:
		hold.ReturnedAt = &now
	}
	return nil
}

// expireTx cancels a locked waiting hold and releases its copy.
func (r *repository) expireTx(ctx context.Context, tx *sqlx.Tx, hold *model.Hold) error {
	query, args, err := qb.Update(reservationsTableName).
		Set("status", model.StatusCanceled).
		Where(sq.Eq{"id": hold.ID, "status": model.StatusWaiting}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// already transitioned by a concurrent caller
		return nil
	}
	if err := r.releaseCopies(ctx, tx, hold.BookID, 1); err != nil {
		return err
	}
	hold.Status = model.StatusCanceled
	return nil
}

// expirePairTx expires a stale waiting hold for the pair, if any.
func (r *repository) expirePairTx(ctx context.Context, tx *sqlx.Tx, userID, bookID int, now time.Time) error {
	var hold model.Hold
	query, args, err := qb.Select(holdColumns...).
		From(reservationsTableName).
		Where(sq.Eq{"user_id": userID, "book_id": bookID, "status": model.StatusWaiting}).
		Where(sq.Lt{"pickup_deadline": now}).
		Suffix("for update").
		ToSql()
	if err != nil {
		return err
	}
	if err := tx.GetContext(ctx, &hold, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	return r.expireTx(ctx, tx, &hold)
}

// ExpireHold applies the expiry transition to a single hold if it is still
// waiting past its deadline. Safe to call on holds in any state.
func (r *repository) ExpireHold(ctx context.Context, id int, now time.Time) (model.Hold, error) {
	var hold model.Hold
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.getHoldForUpdateTx(ctx, tx, id, &hold); err != nil {
			return err
		}
		if !hold.Expired(now) {
			return nil
		}
		return r.expireTx(ctx, tx, &hold)
	})
	if err != nil {
		return model.Hold{}, err
	}
	return hold, nil
}

func (r *repository) LatestHold(ctx context.Context, userID, bookID int) (model.Hold, error) {
	query, args, err := qb.Select(holdColumns...).
		From(reservationsTableName).
		Where(sq.Eq{"user_id": userID, "book_id": bookID}).
		OrderBy("requested_at desc").
		Limit(1).
		ToSql()
	if err != nil {
		return model.Hold{}, err
	}
	var hold model.Hold
	if err := r.db.GetContext(ctx, &hold, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Hold{}, errs.ErrNotFound
		}
		return model.Hold{}, err
	}
	return hold, nil
}

func (r *repository) GetHold(ctx context.Context, id int) (model.Hold, error) {
	query, args, err := qb.Select(holdColumns...).
		From(reservationsTableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return model.Hold{}, err
	}
	var hold model.Hold
	if err := r.db.GetContext(ctx, &hold, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Hold{}, errs.ErrNotFound
		}
		return model.Hold{}, err
	}
	return hold, nil
}

func (r *repository) HoldsByUser(ctx context.Context, userID int) ([]model.UserHold, error) {
	query, args, err := qb.Select(
		"r.id", "r.reservation_uid", "r.user_id", "r.book_id", "r.status",
		"r.requested_at", "r.pickup_deadline", "r.picked_up_at", "r.returned_at",
		"b.title", "b.author", "b.genre", "b.total_count", "b.available_count").
		From(reservationsTableName + " r").
		Join(booksTableName + " b on b.id = r.book_id").
		Where(sq.Eq{"r.user_id": userID}).
		OrderBy(
			"case r.status when 'aguardando' then 0 when 'retirado' then 1 else 2 end",
			"r.requested_at desc").
		ToSql()
	if err != nil {
		return nil, err
	}
	var items []model.UserHold
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ListHolds(ctx context.Context, status model.Status) ([]model.Hold, error) {
	b := qb.Select(holdColumns...).
		From(reservationsTableName).
		OrderBy("requested_at desc")
	if status != "" {
		b = b.Where(sq.Eq{"status": status})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	var items []model.Hold
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, err
	}
	return items, nil
}

type expiredRow struct {
	ID     int `db:"id"`
	BookID int `db:"book_id"`
}

// SweepExpired cancels every waiting hold past its deadline and releases the
// copies, grouped per book, all in one transaction. Re-running is a no-op:
// only rows still in 'aguardando' are selected.
func (r *repository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var swept int
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := qb.Select("id", "book_id").
			From(reservationsTableName).
			Where(sq.Eq{"status": model.StatusWaiting}).
			Where(sq.Lt{"pickup_deadline": now}).
			OrderBy("id").
			Suffix("for update").
			ToSql()
		if err != nil {
			return err
		}
		var expired []expiredRow
		if err := tx.SelectContext(ctx, &expired, query, args...); err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		counts := make(map[int]int, len(expired))
		ids := make([]int, 0, len(expired))
		for _, row := range expired {
			counts[row.BookID]++
			ids = append(ids, row.ID)
		}
		// stable book order keeps lock acquisition deadlock-free
		bookIDs := make([]int, 0, len(counts))
		for bookID := range counts {
			bookIDs = append(bookIDs, bookID)
		}
		sort.Ints(bookIDs)
		for _, bookID := range bookIDs {
			if err := r.releaseCopies(ctx, tx, bookID, counts[bookID]); err != nil {
				return err
			}
		}

		query, args, err = qb.Update(reservationsTableName).
			Set("status", model.StatusCanceled).
			Where(sq.Eq{"id": ids}).
			ToSql()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		swept = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return swept, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
