package errs

import (
	"errors"
)

var (
	ErrNotFound          = errors.New("hold not found")
	ErrBookNotFound      = errors.New("book not found")
	ErrNoCopies          = errors.New("no copies available")
	ErrDuplicateHold     = errors.New("active hold already exists for this user and book")
	ErrInvalidTransition = errors.New("invalid state transition")
)
