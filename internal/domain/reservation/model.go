package reservation

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusConfirmed BookingStatus = "Confirmed"
	StatusCompleted BookingStatus = "Completed"
	StatusCancelled BookingStatus = "Cancelled"
)

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	switch s {
	case StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a booking in status s holds its slot.
func (s BookingStatus) Active() bool {
	return s == StatusConfirmed || s == StatusCompleted
}

// Terminal reports whether no further transition is possible from s.
func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// RebookPolicy decides whether a slot freed by a cancellation can be booked again.
type RebookPolicy string

const (
	// RebookSingle allows one booking per slot for the slot's lifetime.
	RebookSingle RebookPolicy = "single"
	// RebookReuse lets a released slot take a new booking.
	RebookReuse RebookPolicy = "reuse"
)

const (
	MinScore         = 1
	MaxScore         = 5
	MaxNoteLength    = 1000
	MaxCommentLength = 2000
)

// Slot maps to the slots table. The interval is half-open: [Start, End).
type Slot struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ProviderID uuid.UUID `db:"provider_id" json:"provider_id"`
	Start      time.Time `db:"start_time" json:"start_time"`
	End        time.Time `db:"end_time" json:"end_time"`
	Reserved   bool      `db:"reserved" json:"reserved"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Overlaps reports whether [start, end) intersects the slot.
func (s *Slot) Overlaps(start, end time.Time) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

// Stale reports whether the slot may be reclaimed at now.
func (s *Slot) Stale(now time.Time) bool {
	return !s.Reserved && !s.End.After(now)
}

// Booking maps to the bookings table. ProviderID, SlotStart and SlotEnd are
// read through the slot and never written.
type Booking struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	SlotID     uuid.UUID     `db:"slot_id" json:"slot_id"`
	ClientID   uuid.UUID     `db:"client_id" json:"client_id"`
	ProviderID uuid.UUID     `db:"provider_id" json:"provider_id"`
	SlotStart  time.Time     `db:"start_time" json:"slot_start"`
	SlotEnd    time.Time     `db:"end_time" json:"slot_end"`
	Note       *string       `db:"note" json:"note,omitempty"`
	Status     BookingStatus `db:"status" json:"status"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// Rating maps to the ratings table. Ratings are immutable once written.
type Rating struct {
	ID         uuid.UUID `db:"id" json:"id"`
	BookingID  uuid.UUID `db:"booking_id" json:"booking_id"`
	ClientID   uuid.UUID `db:"client_id" json:"client_id"`
	ProviderID uuid.UUID `db:"provider_id" json:"provider_id"`
	Score      int       `db:"score" json:"score"`
	Comment    *string   `db:"comment" json:"comment,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProviderScore is the derived rating summary stored on the provider row.
type ProviderScore struct {
	ProviderID  uuid.UUID `db:"id" json:"provider_id"`
	MeanScore   float64   `db:"mean_score" json:"mean_score"`
	RatingCount int       `db:"rating_count" json:"rating_count"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Cursor is a keyset position: the ordering timestamp plus id as tiebreaker.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

func slotCursor(s *Slot) Cursor       { return Cursor{At: s.Start, ID: s.ID} }
func bookingCursor(b *Booking) Cursor { return Cursor{At: b.CreatedAt, ID: b.ID} }
func ratingCursor(r *Rating) Cursor   { return Cursor{At: r.CreatedAt, ID: r.ID} }
