package reservation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/internal/platform/metrics"
)

// actor is the relation between a principal and a booking.
type actor uint8

const (
	actorProvider actor = 1 << iota
	actorClient
)

type transition struct {
	from   BookingStatus
	actors actor
}

// transitions is keyed by target status. Confirmed is only ever entered by
// creation, and terminal states have no outgoing rows.
var transitions = map[BookingStatus]transition{
	StatusCompleted: {from: StatusConfirmed, actors: actorProvider},
	StatusCancelled: {from: StatusConfirmed, actors: actorProvider | actorClient},
}

func actorOf(b *Booking, p auth.Principal) actor {
	switch {
	case p.Role == auth.RoleProvider && p.ID == b.ProviderID:
		return actorProvider
	case p.Role == auth.RoleClient && p.ID == b.ClientID:
		return actorClient
	}
	return 0
}

// checkTransition is the single guard for status changes: the target must be
// reachable, the principal must be allowed to move there, and the booking must
// be in the source state.
func checkTransition(b *Booking, p auth.Principal, to BookingStatus) error {
	rule, ok := transitions[to]
	if !ok {
		return fmt.Errorf("%w: cannot move a booking to %q", ErrInvalidTransition, to)
	}
	if actorOf(b, p)&rule.actors == 0 {
		return fmt.Errorf("%w: %s may not set booking %s to %s", ErrForbidden, p.Role, b.ID, to)
	}
	if b.Status != rule.from {
		return fmt.Errorf("%w: booking is %s, expected %s", ErrInvalidTransition, b.Status, rule.from)
	}
	return nil
}

// BookingManager owns bookings and their lifecycle.
type BookingManager struct {
	tx       Transactor
	slots    *SlotStore
	bookings BookingRepository
	policy   RebookPolicy
	metrics  *metrics.ReservationMetrics
	logger   zerolog.Logger
	pageSize int
}

func NewBookingManager(tx Transactor, slots *SlotStore, bookings BookingRepository, policy RebookPolicy, m *metrics.ReservationMetrics, logger zerolog.Logger) *BookingManager {
	if policy == "" {
		policy = RebookSingle
	}
	return &BookingManager{
		tx:       tx,
		slots:    slots,
		bookings: bookings,
		policy:   policy,
		metrics:  m,
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

// Create claims the slot and records a Confirmed booking in one transaction.
// Losing the claim race yields ErrSlotConflict. Under RebookSingle a slot that
// already carried a booking yields ErrSlotUnavailable.
func (m *BookingManager) Create(ctx context.Context, slotID, clientID uuid.UUID, note *string) (*Booking, error) {
	if clientID == uuid.Nil {
		return nil, fmt.Errorf("client id is required: %w", ErrInvalidInput)
	}
	if note != nil && utf8.RuneCountInString(*note) > MaxNoteLength {
		return nil, fmt.Errorf("note exceeds %d characters: %w", MaxNoteLength, ErrInvalidInput)
	}

	b := &Booking{SlotID: slotID, ClientID: clientID, Note: note, Status: StatusConfirmed}
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := m.slots.Claim(ctx, slotID); err != nil {
			if errors.Is(err, ErrAlreadyReserved) {
				return ErrSlotConflict
			}
			return err
		}
		if m.policy == RebookSingle {
			used, err := m.bookings.ExistsForSlot(ctx, slotID)
			if err != nil {
				return fmt.Errorf("check slot history: %w", err)
			}
			if used {
				return ErrSlotUnavailable
			}
		}
		return m.bookings.Create(ctx, b)
	})

	switch {
	case err == nil:
		m.metrics.ObserveBooking(metrics.OutcomeOK)
		return b, nil
	case errors.Is(err, ErrSlotConflict):
		m.metrics.ObserveBooking(metrics.OutcomeConflict)
		m.logger.Debug().Str("slot_id", slotID.String()).Str("client_id", clientID.String()).Msg("booking lost slot race")
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrSlotUnavailable):
		m.metrics.ObserveBooking(metrics.OutcomeRejected)
	default:
		m.metrics.ObserveBooking(metrics.OutcomeError)
	}
	return nil, err
}

// Transition moves a booking to status to on behalf of p. Cancelling releases
// the slot in the same transaction.
func (m *BookingManager) Transition(ctx context.Context, p auth.Principal, bookingID uuid.UUID, to BookingStatus) (*Booking, error) {
	if _, ok := transitions[to]; !ok {
		m.metrics.ObserveTransition(metrics.StatusInvalid, metrics.OutcomeRejected)
		return nil, fmt.Errorf("%w: cannot move a booking to %q", ErrInvalidTransition, to)
	}

	var b *Booking
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		b, err = m.bookings.LockForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := checkTransition(b, p, to); err != nil {
			return err
		}
		updatedAt, err := m.bookings.SetStatus(ctx, b.ID, to)
		if err != nil {
			return fmt.Errorf("update booking status: %w", err)
		}
		b.Status = to
		b.UpdatedAt = updatedAt
		if to == StatusCancelled {
			if err := m.slots.Release(ctx, b.SlotID); err != nil {
				return fmt.Errorf("release slot: %w", err)
			}
		}
		return nil
	})

	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	m.metrics.ObserveTransition(string(to), outcome)
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("booking_id", b.ID.String()).
		Str("status", string(to)).
		Str("principal", p.String()).
		Msg("booking status changed")
	return b, nil
}

func (m *BookingManager) Get(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return m.bookings.GetByID(ctx, id)
}

// ListForClient returns the client's bookings, newest first.
func (m *BookingManager) ListForClient(ctx context.Context, clientID uuid.UUID) iter.Seq2[*Booking, error] {
	fetch := func(ctx context.Context, after *Cursor, limit int) ([]*Booking, error) {
		return m.bookings.ListByClient(ctx, clientID, after, limit)
	}
	return paginate(ctx, m.pageSize, fetch, bookingCursor)
}

// ListForProvider returns bookings on the provider's slots, newest first.
func (m *BookingManager) ListForProvider(ctx context.Context, providerID uuid.UUID) iter.Seq2[*Booking, error] {
	fetch := func(ctx context.Context, after *Cursor, limit int) ([]*Booking, error) {
		return m.bookings.ListByProvider(ctx, providerID, after, limit)
	}
	return paginate(ctx, m.pageSize, fetch, bookingCursor)
}
