package reservation

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

// SlotStore owns availability slots. It is the only writer of Slot.Reserved.
type SlotStore struct {
	tx        Transactor
	slots     SlotRepository
	providers ProviderRepository
	policy    RebookPolicy
	pageSize  int
}

// NewSlotStore builds the store. policy decides whether a released slot that
// already carried a booking is still listed as free.
func NewSlotStore(tx Transactor, slots SlotRepository, providers ProviderRepository, policy RebookPolicy) *SlotStore {
	if policy == "" {
		policy = RebookSingle
	}
	return &SlotStore{tx: tx, slots: slots, providers: providers, policy: policy, pageSize: defaultPageSize}
}

// CreateSlot publishes [start, end) for providerID. Slots of one provider are
// pairwise disjoint; creation is serialized per provider so two concurrent
// overlapping requests cannot both pass the check.
func (s *SlotStore) CreateSlot(ctx context.Context, providerID uuid.UUID, start, end time.Time) (*Slot, error) {
	if providerID == uuid.Nil {
		return nil, fmt.Errorf("provider id is required: %w", ErrInvalidInput)
	}
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("start and end are required: %w", ErrInvalidInput)
	}
	if !end.After(start) {
		return nil, ErrInvalidRange
	}

	slot := &Slot{ProviderID: providerID, Start: start.UTC(), End: end.UTC()}
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.providers.Ensure(ctx, providerID); err != nil {
			return fmt.Errorf("ensure provider: %w", err)
		}
		if err := s.slots.LockProvider(ctx, providerID); err != nil {
			return fmt.Errorf("lock provider slots: %w", err)
		}
		overlap, err := s.slots.HasOverlap(ctx, providerID, slot.Start, slot.End)
		if err != nil {
			return fmt.Errorf("check overlap: %w", err)
		}
		if overlap {
			return ErrOverlap
		}
		if err := s.slots.Create(ctx, slot); err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (s *SlotStore) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetByID(ctx, id)
}

// ListSlots returns the provider's slots starting at or after from, ordered by
// start. With onlyFree, only bookable slots are listed: reserved slots are
// skipped, and under RebookSingle so are slots with a cancelled booking.
func (s *SlotStore) ListSlots(ctx context.Context, providerID uuid.UUID, from time.Time, onlyFree bool) iter.Seq2[*Slot, error] {
	f := SlotFilter{From: from, OnlyFree: onlyFree, NeverBooked: onlyFree && s.policy == RebookSingle}
	fetch := func(ctx context.Context, after *Cursor, limit int) ([]*Slot, error) {
		return s.slots.ListByProvider(ctx, providerID, f, after, limit)
	}
	return paginate(ctx, s.pageSize, fetch, slotCursor)
}

// Claim marks the slot reserved. Of any number of concurrent claims on a free
// slot exactly one succeeds; the others get ErrAlreadyReserved.
func (s *SlotStore) Claim(ctx context.Context, id uuid.UUID) error {
	return s.slots.Claim(ctx, id)
}

// Release marks the slot free. It is idempotent.
func (s *SlotStore) Release(ctx context.Context, id uuid.UUID) error {
	return s.slots.Release(ctx, id)
}

// DeleteIfStale removes the slot only if it is unreserved and ended at or
// before now. It reports whether a row was deleted.
func (s *SlotStore) DeleteIfStale(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return s.slots.DeleteIfStale(ctx, id, now)
}

// CancelSlot withdraws an unreserved slot owned by providerID.
func (s *SlotStore) CancelSlot(ctx context.Context, providerID, slotID uuid.UUID) error {
	return s.slots.DeleteUnreserved(ctx, slotID, providerID)
}

func (s *SlotStore) listStale(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.slots.ListStale(ctx, now, limit)
}
