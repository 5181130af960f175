package reservation

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRange      = errors.New("slot end must be after start")
	ErrOverlap           = errors.New("slot overlaps an existing slot")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyReserved   = errors.New("slot already reserved")
	ErrSlotConflict      = errors.New("this slot was just taken")
	ErrSlotUnavailable   = errors.New("this slot can no longer be booked")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("temporarily unavailable")
)

var (
	ErrSlotNotFound     = fmt.Errorf("slot %w", ErrNotFound)
	ErrBookingNotFound  = fmt.Errorf("booking %w", ErrNotFound)
	ErrProviderNotFound = fmt.Errorf("provider %w", ErrNotFound)
)
