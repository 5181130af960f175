package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Transactor runs fn in one database transaction; repositories called with
// the ctx passed to fn take part in it.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SlotFilter narrows a provider's slot listing.
type SlotFilter struct {
	From     time.Time
	OnlyFree bool
	// NeverBooked also drops slots that have carried any booking, cancelled
	// ones included.
	NeverBooked bool
}

type SlotRepository interface {
	// LockProvider serializes slot creation for one provider until the
	// surrounding transaction ends.
	LockProvider(ctx context.Context, providerID uuid.UUID) error
	HasOverlap(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error)
	Create(ctx context.Context, s *Slot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ListByProvider returns slots with Start >= f.From ordered by (Start, ID),
	// strictly after the cursor when one is given.
	ListByProvider(ctx context.Context, providerID uuid.UUID, f SlotFilter, after *Cursor, limit int) ([]*Slot, error)
	// Claim flips reserved to true only if it is false.
	Claim(ctx context.Context, id uuid.UUID) error
	Release(ctx context.Context, id uuid.UUID) error
	DeleteIfStale(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	DeleteUnreserved(ctx context.Context, id, providerID uuid.UUID) error
	ListStale(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type BookingRepository interface {
	// Create inserts b and fills in the fields read through its slot.
	Create(ctx context.Context, b *Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	LockForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error)
	LockForShare(ctx context.Context, id uuid.UUID) (*Booking, error)
	SetStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (time.Time, error)
	ExistsForSlot(ctx context.Context, slotID uuid.UUID) (bool, error)
	// List methods order by (CreatedAt, ID) descending, strictly before the cursor.
	ListByClient(ctx context.Context, clientID uuid.UUID, after *Cursor, limit int) ([]*Booking, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, after *Cursor, limit int) ([]*Booking, error)
}

type RatingRepository interface {
	Create(ctx context.Context, r *Rating) error
	ExistsForBooking(ctx context.Context, bookingID uuid.UUID) (bool, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, after *Cursor, limit int) ([]*Rating, error)
}

type ProviderRepository interface {
	Ensure(ctx context.Context, id uuid.UUID) error
	LockForUpdate(ctx context.Context, id uuid.UUID) error
	GetScore(ctx context.Context, id uuid.UUID) (*ProviderScore, error)
	// RecomputeMean stores the mean and count of the provider's ratings.
	RecomputeMean(ctx context.Context, id uuid.UUID) (*ProviderScore, error)
}
