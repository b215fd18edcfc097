package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bibliotecavirtual/reservation-service/internal/errs"
	"github.com/bibliotecavirtual/reservation-service/internal/model"
	"github.com/bibliotecavirtual/reservation-service/internal/repository"
)

var (
	testNow      = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	testDeadline = testNow.Add(24 * time.Hour)
)

func newTestRepo(t *testing.T) (repository.Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	repo, err := repository.NewRepository(db, zap.NewNop())
	require.NoError(t, err)
	return repo, mock
}

func holdColumns() []string {
	return []string{"id", "reservation_uid", "user_id", "book_id", "status",
		"requested_at", "pickup_deadline", "picked_up_at", "returned_at"}
}

func inventoryRows(available, total int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"available_count", "total_count"}).AddRow(available, total)
}

const testUID = "83575e12-7ce0-48ee-9931-51919ff3c9ee"

func TestRepository_PlaceHold(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	// no stale waiting hold to expire
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()))
	mock.ExpectQuery("select exists").
		WithArgs(3, 7).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(1, 2))
	mock.ExpectExec("update books set available_count = available_count - 1").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO reservations").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(1, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectCommit()

	hold, err := repo.PlaceHold(context.Background(), 3, 7, testNow, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, hold.ID)
	require.Equal(t, model.StatusWaiting, hold.Status)
	require.Equal(t, testDeadline, hold.PickupDeadline.UTC())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PlaceHold_Duplicate(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()))
	mock.ExpectQuery("select exists").
		WithArgs(3, 7).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := repo.PlaceHold(context.Background(), 3, 7, testNow, 24*time.Hour)
	require.ErrorIs(t, err, errs.ErrDuplicateHold)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PlaceHold_LosesInsertRace(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()))
	// the pre-check sees no active hold yet
	mock.ExpectQuery("select exists").
		WithArgs(3, 7).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(1, 2))
	mock.ExpectExec("update books set available_count = available_count - 1").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// a concurrent placeHold committed first: the partial unique index on
	// active (user_id, book_id) rejects this insert, rolling back the decrement
	mock.ExpectQuery("INSERT INTO reservations").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
	mock.ExpectRollback()

	_, err := repo.PlaceHold(context.Background(), 3, 7, testNow, 24*time.Hour)
	require.ErrorIs(t, err, errs.ErrDuplicateHold)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PlaceHold_NoCopies(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()))
	mock.ExpectQuery("select exists").
		WithArgs(3, 7).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(0, 2))
	mock.ExpectRollback()

	_, err := repo.PlaceHold(context.Background(), 3, 7, testNow, 24*time.Hour)
	require.ErrorIs(t, err, errs.ErrNoCopies)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PlaceHold_BookNotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()))
	mock.ExpectQuery("select exists").
		WithArgs(3, 99).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"available_count", "total_count"}))
	mock.ExpectRollback()

	_, err := repo.PlaceHold(context.Background(), 3, 99, testNow, 24*time.Hour)
	require.ErrorIs(t, err, errs.ErrBookNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CancelHold(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectExec("UPDATE reservations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(0, 2))
	mock.ExpectExec("update books set available_count").
		WithArgs(7, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hold, err := repo.CancelHold(context.Background(), 3, 7)
	require.NoError(t, err)
	require.Equal(t, model.StatusCanceled, hold.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CancelHold_ReleaseClamped(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectExec("UPDATE reservations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// available already equals total: the release must clamp, not overflow
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(2, 2))
	mock.ExpectExec("update books set available_count").
		WithArgs(7, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := repo.CancelHold(context.Background(), 3, 7)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CancelHold_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()))
	mock.ExpectRollback()

	_, err := repo.CancelHold(context.Background(), 3, 7)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CancelHold_AlreadyReturned(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "devolvido", testNow, testDeadline, testNow, testNow))
	mock.ExpectRollback()

	_, err := repo.CancelHold(context.Background(), 3, 7)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PickupHold(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectExec("UPDATE reservations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// no inventory change on pickup: the copy stays out
	mock.ExpectCommit()

	hold, err := repo.PickupHold(context.Background(), 3, 7, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, model.StatusPickedUp, hold.Status)
	require.NotNil(t, hold.PickedUpAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_PickupHold_PastDeadline(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectRollback()

	_, err := repo.PickupHold(context.Background(), 3, 7, testDeadline.Add(time.Minute))
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReturnHold(t *testing.T) {
	repo, mock := newTestRepo(t)

	pickedAt := testNow.Add(time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "retirado", testNow, testDeadline, pickedAt, nil))
	mock.ExpectExec("UPDATE reservations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(1, 2))
	mock.ExpectExec("update books set available_count").
		WithArgs(7, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hold, err := repo.ReturnHold(context.Background(), 3, 7, testNow.Add(48*time.Hour))
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, hold.Status)
	require.NotNil(t, hold.ReturnedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReturnHold_NotPickedUp(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectRollback()

	_, err := repo.ReturnHold(context.Background(), 3, 7, testNow)
	require.ErrorIs(t, err, errs.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ExpireHold(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectExec("UPDATE reservations SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(0, 2))
	mock.ExpectExec("update books set available_count").
		WithArgs(7, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hold, err := repo.ExpireHold(context.Background(), 11, testDeadline.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, model.StatusCanceled, hold.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ExpireHold_NotExpired(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM reservations WHERE").
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows(holdColumns()).
			AddRow(11, testUID, 3, 7, "aguardando", testNow, testDeadline, nil, nil))
	mock.ExpectCommit()

	hold, err := repo.ExpireHold(context.Background(), 11, testNow)
	require.NoError(t, err)
	require.Equal(t, model.StatusWaiting, hold.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_HoldsByUser_Ordering(t *testing.T) {
	repo, mock := newTestRepo(t)

	cols := append(holdColumns(),
		"title", "author", "genre", "total_count", "available_count")
	// waiting sorts before picked up before terminal, newest first per group
	mock.ExpectQuery("ORDER BY case r.status when 'aguardando' then 0 when 'retirado' then 1 else 2 end, r.requested_at desc").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(2, testUID, 3, 9, "aguardando", testNow, testDeadline, nil, nil,
				"Dom Casmurro", "Machado de Assis", "Romance", 3, 2).
			AddRow(1, testUID, 3, 7, "devolvido", testNow.Add(-time.Hour), testDeadline, testNow, testNow,
				"Quincas Borba", "Machado de Assis", "Romance", 2, 2))

	holds, err := repo.HoldsByUser(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	require.Equal(t, model.StatusWaiting, holds[0].Status)
	require.Equal(t, "Dom Casmurro", holds[0].Title)
	require.Equal(t, model.StatusReturned, holds[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SweepExpired(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, book_id FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "book_id"}).
			AddRow(1, 7).
			AddRow(2, 7).
			AddRow(3, 9))
	// releases are grouped per book
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(7).
		WillReturnRows(inventoryRows(0, 3))
	mock.ExpectExec("update books set available_count").
		WithArgs(7, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select available_count, total_count from books").
		WithArgs(9).
		WillReturnRows(inventoryRows(1, 2))
	mock.ExpectExec("update books set available_count").
		WithArgs(9, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE reservations SET status").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	swept, err := repo.SweepExpired(context.Background(), testNow)
	require.NoError(t, err)
	require.Equal(t, 3, swept)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SweepExpired_Nothing(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, book_id FROM reservations WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "book_id"}))
	mock.ExpectCommit()

	swept, err := repo.SweepExpired(context.Background(), testNow)
	require.NoError(t, err)
	require.Equal(t, 0, swept)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreateBook(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery("INSERT INTO books").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author", "genre", "publisher", "total_count", "available_count", "created_at"}).
			AddRow(7, "Dom Casmurro", "Machado de Assis", "Romance", "Garnier", 3, 3, testNow))

	book, err := repo.CreateBook(context.Background(), model.CreateBookRequest{
		Title: "Dom Casmurro", Author: "Machado de Assis", Genre: "Romance", Publisher: "Garnier", TotalCount: 3,
	})
	require.NoError(t, err)
	require.Equal(t, 7, book.ID)
	require.Equal(t, 3, book.AvailableCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetBook_NotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery("SELECT (.+) FROM books WHERE").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author", "genre", "publisher", "total_count", "available_count", "created_at"}))

	_, err := repo.GetBook(context.Background(), 42)
	require.ErrorIs(t, err, errs.ErrBookNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
