package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/bibliotecavirtual/reservation-service/internal/errs"
	"github.com/bibliotecavirtual/reservation-service/internal/model"
	"github.com/bibliotecavirtual/reservation-service/internal/repository"
)

const defaultHoldWindow = 24 * time.Hour

type Service struct {
	log        *zap.Logger
	repo       repository.Repository
	publisher  Publisher
	holdWindow time.Duration
	now        func() time.Time
}

type Option func(*Service)

// WithHoldWindow overrides the pickup window for new holds.
func WithHoldWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.holdWindow = d
		}
	}
}

// WithNow overrides the clock (tests).
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(repo repository.Repository, publisher Publisher, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		log:        log,
		repo:       repo,
		publisher:  publisher,
		holdWindow: defaultHoldWindow,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) PlaceHold(ctx context.Context, userID, bookID int) (model.Hold, error) {
	hold, err := s.repo.PlaceHold(ctx, userID, bookID, s.now(), s.holdWindow)
	if err != nil {
		return model.Hold{}, err
	}
	s.publish(model.EventPlaced, hold)
	return hold, nil
}

func (s *Service) CancelHold(ctx context.Context, userID, bookID int) error {
	hold, err := s.repo.CancelHold(ctx, userID, bookID)
	if err != nil {
		return err
	}
	s.publish(model.EventCanceled, hold)
	return nil
}

func (s *Service) MarkPickedUp(ctx context.Context, userID, bookID int) error {
	hold, err := s.repo.PickupHold(ctx, userID, bookID, s.now())
	if err != nil {
		return err
	}
	s.publish(model.EventPickedUp, hold)
	return nil
}

func (s *Service) MarkReturned(ctx context.Context, userID, bookID int) error {
	hold, err := s.repo.ReturnHold(ctx, userID, bookID, s.now())
	if err != nil {
		return err
	}
	s.publish(model.EventReturned, hold)
	return nil
}

func (s *Service) PickupByID(ctx context.Context, id int) (model.Hold, error) {
	hold, err := s.repo.PickupHoldByID(ctx, id, s.now())
	if err != nil {
		return model.Hold{}, err
	}
	s.publish(model.EventPickedUp, hold)
	return hold, nil
}

func (s *Service) ReturnByID(ctx context.Context, id int) (model.Hold, error) {
	hold, err := s.repo.ReturnHoldByID(ctx, id, s.now())
	if err != nil {
		return model.Hold{}, err
	}
	s.publish(model.EventReturned, hold)
	return hold, nil
}

// CheckStatus reports the latest hold for the pair. A waiting hold past its
// deadline is expired right here, so polling clients never see a stale
// 'aguardando' between sweeps.
func (s *Service) CheckStatus(ctx context.Context, userID, bookID int) (model.CheckStatusResponse, error) {
	hold, err := s.repo.LatestHold(ctx, userID, bookID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return model.CheckStatusResponse{Exists: false}, nil
		}
		return model.CheckStatusResponse{}, err
	}

	now := s.now()
	if hold.Expired(now) {
		expired, err := s.repo.ExpireHold(ctx, hold.ID, now)
		if err != nil {
			return model.CheckStatusResponse{}, err
		}
		hold = expired
		// ExpireHold re-reads under the row lock; a concurrent caller may
		// have transitioned the hold first, and that is not an expiry.
		if hold.Status == model.StatusCanceled {
			s.publish(model.EventExpired, hold)
		}
	}

	resp := model.CheckStatusResponse{
		Exists: true,
		Status: hold.Status,
	}
	if hold.Status == model.StatusWaiting {
		deadline := hold.PickupDeadline
		resp.PickupDeadline = &deadline
	}
	return resp, nil
}

func (s *Service) ListByUser(ctx context.Context, userID int) ([]model.UserHold, error) {
	return s.repo.HoldsByUser(ctx, userID)
}

func (s *Service) ListHolds(ctx context.Context, status model.Status) ([]model.Hold, error) {
	return s.repo.ListHolds(ctx, status)
}

func (s *Service) GetHold(ctx context.Context, id int) (model.Hold, error) {
	return s.repo.GetHold(ctx, id)
}

// SweepExpired is the sweeper entrypoint; it returns how many holds expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.repo.SweepExpired(ctx, s.now())
}

func (s *Service) CreateBook(ctx context.Context, req model.CreateBookRequest) (model.Book, error) {
	return s.repo.CreateBook(ctx, req)
}

func (s *Service) GetBook(ctx context.Context, id int) (model.Book, error) {
	return s.repo.GetBook(ctx, id)
}

func (s *Service) ListBooks(ctx context.Context) ([]model.Book, error) {
	return s.repo.ListBooks(ctx)
}

// publish emits a lifecycle event; failures are logged and never surfaced.
func (s *Service) publish(eventType string, hold model.Hold) {
	event := model.HoldEvent{
		Type:           eventType,
		HoldID:         hold.ID,
		ReservationUid: hold.ReservationUid,
		UserID:         hold.UserID,
		BookID:         hold.BookID,
		Status:         hold.Status,
		At:             s.now(),
	}
	if err := s.publisher.Publish(event); err != nil {
		s.log.Error("publish hold event",
			zap.String("type", eventType),
			zap.Int("hold_id", hold.ID),
			zap.Error(err))
	}
}
