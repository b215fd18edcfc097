package model

import (
	"time"
)

// Status is the lifecycle state of a hold. Values are stored as-is and
// match the statuses the clients already know.
type Status string

const (
	StatusWaiting  Status = "aguardando"
	StatusPickedUp Status = "retirado"
	StatusReturned Status = "devolvido"
	StatusCanceled Status = "cancelada"
)

// transitions is the single source of truth for the hold state machine:
// aguardando -> retirado | cancelada, retirado -> devolvido.
var transitions = map[Status][]Status{
	StatusWaiting:  {StatusPickedUp, StatusCanceled},
	StatusPickedUp: {StatusReturned},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the status holds a copy (decremented, not yet released).
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusPickedUp
}

func (s Status) Terminal() bool {
	return s == StatusReturned || s == StatusCanceled
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusPickedUp, StatusReturned, StatusCanceled:
		return true
	}
	return false
}

type Book struct {
	ID             int       `json:"id" db:"id"`
	Title          string    `json:"title" db:"title"`
	Author         string    `json:"author" db:"author"`
	Genre          string    `json:"genre" db:"genre"`
	Publisher      string    `json:"publisher" db:"publisher"`
	TotalCount     int       `json:"totalCount" db:"total_count"`
	AvailableCount int       `json:"availableCount" db:"available_count"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

type Hold struct {
	ID             int        `json:"holdId" db:"id"`
	ReservationUid string     `json:"reservationUid" db:"reservation_uid"`
	UserID         int        `json:"userId" db:"user_id"`
	BookID         int        `json:"bookId" db:"book_id"`
	Status         Status     `json:"status" db:"status"`
	RequestedAt    time.Time  `json:"requestedAt" db:"requested_at"`
	PickupDeadline time.Time  `json:"pickupDeadline" db:"pickup_deadline"`
	PickedUpAt     *time.Time `json:"pickedUpAt,omitempty" db:"picked_up_at"`
	ReturnedAt     *time.Time `json:"returnedAt,omitempty" db:"returned_at"`
}

// Expired reports whether the pickup window is over. The deadline itself
// still counts as on time.
func (h Hold) Expired(now time.Time) bool {
	return h.Status == StatusWaiting && now.After(h.PickupDeadline)
}

// UserHold is a hold joined with its book for the patron's reservations list.
type UserHold struct {
	Hold
	Title          string `json:"title" db:"title"`
	Author         string `json:"author" db:"author"`
	Genre          string `json:"genre" db:"genre"`
	TotalCount     int    `json:"totalCount" db:"total_count"`
	AvailableCount int    `json:"availableCount" db:"available_count"`
}

type HoldRequest struct {
	UserID int `json:"userId" validate:"required,gt=0"`
	BookID int `json:"bookId" validate:"required,gt=0"`
}

type PlaceHoldResponse struct {
	HoldID         int       `json:"holdId"`
	ReservationUid string    `json:"reservationUid"`
	PickupDeadline time.Time `json:"pickupDeadline"`
}

type CheckStatusResponse struct {
	Exists         bool       `json:"exists"`
	Status         Status     `json:"status,omitempty"`
	PickupDeadline *time.Time `json:"pickupDeadline,omitempty"`
}

type CreateBookRequest struct {
	Title      string `json:"title" validate:"required"`
	Author     string `json:"author"`
	Genre      string `json:"genre"`
	Publisher  string `json:"publisher"`
	TotalCount int    `json:"totalCount" validate:"required,gte=1"`
}

// Hold lifecycle events published to Kafka.
const (
	EventPlaced   = "placed"
	EventCanceled = "cancelled"
	EventPickedUp = "picked_up"
	EventReturned = "returned"
	EventExpired  = "expired"
)

type HoldEvent struct {
	Type           string    `json:"type"`
	HoldID         int       `json:"holdId"`
	ReservationUid string    `json:"reservationUid"`
	UserID         int       `json:"userId"`
	BookID         int       `json:"bookId"`
	Status         Status    `json:"status"`
	At             time.Time `json:"at"`
}
