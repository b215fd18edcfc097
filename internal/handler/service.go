package handler

import (
	"context"

	"github.com/bibliotecavirtual/reservation-service/internal/model"
	"github.com/bibliotecavirtual/reservation-service/internal/service"
)

//go:generate go run github.com/golang/mock/mockgen -source=service.go -destination=mocks/mock.go

type ReservationService interface {
	PlaceHold(ctx context.Context, userID, bookID int) (model.Hold, error)
	CancelHold(ctx context.Context, userID, bookID int) error
	MarkPickedUp(ctx context.Context, userID, bookID int) error
	MarkReturned(ctx context.Context, userID, bookID int) error
	PickupByID(ctx context.Context, id int) (model.Hold, error)
	ReturnByID(ctx context.Context, id int) (model.Hold, error)
	CheckStatus(ctx context.Context, userID, bookID int) (model.CheckStatusResponse, error)
	ListByUser(ctx context.Context, userID int) ([]model.UserHold, error)
	ListHolds(ctx context.Context, status model.Status) ([]model.Hold, error)
	GetHold(ctx context.Context, id int) (model.Hold, error)
	CreateBook(ctx context.Context, req model.CreateBookRequest) (model.Book, error)
	GetBook(ctx context.Context, id int) (model.Book, error)
	ListBooks(ctx context.Context) ([]model.Book, error)
}

var _ ReservationService = (*service.Service)(nil)
