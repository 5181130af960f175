package reservation

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/medbook/medbook/internal/platform/auth"
)

// Service is the entry point for callers acting as an authenticated
// principal. It checks role preconditions and maps the principal to the
// provider or client id the components expect.
type Service struct {
	slots    *SlotStore
	bookings *BookingManager
	ratings  *RatingAggregator
	events   *Events
}

func NewService(slots *SlotStore, bookings *BookingManager, ratings *RatingAggregator) *Service {
	return &Service{slots: slots, bookings: bookings, ratings: ratings}
}

// SetEvents publishes availability changes through ev once they commit.
func (s *Service) SetEvents(ev *Events) {
	s.events = ev
}

func requireRole(p auth.Principal, role auth.Role) error {
	if p.Role != role || p.ID == uuid.Nil {
		return fmt.Errorf("%w: %s role required", ErrForbidden, role)
	}
	return nil
}

// -- Slots --

func (s *Service) CreateSlot(ctx context.Context, p auth.Principal, start, end time.Time) (*Slot, error) {
	if err := requireRole(p, auth.RoleProvider); err != nil {
		return nil, err
	}
	slot, err := s.slots.CreateSlot(ctx, p.ID, start, end)
	if err != nil {
		return nil, err
	}
	s.events.slotCreated(ctx, slot)
	return slot, nil
}

func (s *Service) ListSlots(ctx context.Context, providerID uuid.UUID, from time.Time, onlyFree bool) iter.Seq2[*Slot, error] {
	return s.slots.ListSlots(ctx, providerID, from, onlyFree)
}

func (s *Service) CancelSlot(ctx context.Context, p auth.Principal, slotID uuid.UUID) error {
	if err := requireRole(p, auth.RoleProvider); err != nil {
		return err
	}
	if err := s.slots.CancelSlot(ctx, p.ID, slotID); err != nil {
		return err
	}
	s.events.slotDeleted(ctx, p.ID, slotID)
	return nil
}

// -- Bookings --

func (s *Service) BookSlot(ctx context.Context, p auth.Principal, slotID uuid.UUID, note *string) (*Booking, error) {
	if err := requireRole(p, auth.RoleClient); err != nil {
		return nil, err
	}
	b, err := s.bookings.Create(ctx, slotID, p.ID, note)
	if err != nil {
		return nil, err
	}
	s.events.slotReserved(ctx, b)
	return b, nil
}

func (s *Service) TransitionBooking(ctx context.Context, p auth.Principal, bookingID uuid.UUID, to BookingStatus) (*Booking, error) {
	if !p.Role.Valid() {
		return nil, ErrForbidden
	}
	b, err := s.bookings.Transition(ctx, p, bookingID, to)
	if err != nil {
		return nil, err
	}
	// Under the single policy a released slot cannot be booked again, so
	// watchers only hear about it when it is reusable.
	if to == StatusCancelled && s.bookings.policy == RebookReuse {
		s.events.slotReleased(ctx, b)
	}
	return b, nil
}

// GetBooking returns the booking if p is its client or the provider owning
// its slot.
func (s *Service) GetBooking(ctx context.Context, p auth.Principal, id uuid.UUID) (*Booking, error) {
	b, err := s.bookings.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorOf(b, p) == 0 {
		return nil, fmt.Errorf("%w: booking %s is not yours", ErrForbidden, id)
	}
	return b, nil
}

// MyBookings lists the principal's bookings: by client for clients, by slot
// owner for providers.
func (s *Service) MyBookings(ctx context.Context, p auth.Principal) (iter.Seq2[*Booking, error], error) {
	switch p.Role {
	case auth.RoleClient:
		return s.bookings.ListForClient(ctx, p.ID), nil
	case auth.RoleProvider:
		return s.bookings.ListForProvider(ctx, p.ID), nil
	}
	return nil, ErrForbidden
}

// -- Ratings --

func (s *Service) SubmitRating(ctx context.Context, p auth.Principal, bookingID uuid.UUID, score int, comment *string) (*Rating, *ProviderScore, error) {
	if err := requireRole(p, auth.RoleClient); err != nil {
		return nil, nil, err
	}
	r, ps, err := s.ratings.Submit(ctx, bookingID, p.ID, score, comment)
	if err != nil {
		return nil, nil, err
	}
	s.events.providerRated(ctx, ps)
	return r, ps, nil
}

func (s *Service) ListRatings(ctx context.Context, providerID uuid.UUID) iter.Seq2[*Rating, error] {
	return s.ratings.ListForProvider(ctx, providerID)
}

func (s *Service) ProviderScore(ctx context.Context, providerID uuid.UUID) (*ProviderScore, error) {
	return s.ratings.Score(ctx, providerID)
}
