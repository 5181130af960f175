package reservation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/platform/websocket"
)

// Availability event types. Each is published on the owning provider's topic.
const (
	EventSlotCreated   = "slot.created"
	EventSlotDeleted   = "slot.deleted"
	EventSlotReserved  = "slot.reserved"
	EventSlotReleased  = "slot.released"
	EventProviderRated = "provider.rated"
)

// ProviderTopic is the topic carrying a provider's availability events.
func ProviderTopic(providerID uuid.UUID) string {
	return "provider:" + providerID.String()
}

// Events publishes committed changes. Delivery is best effort: a failed
// publish is logged and never fails the operation. A nil *Events is a no-op.
type Events struct {
	pub    websocket.EventPublisher
	logger zerolog.Logger
	now    func() time.Time
}

func NewEvents(pub websocket.EventPublisher, logger zerolog.Logger) *Events {
	return &Events{
		pub:    pub,
		logger: logger.With().Str("component", "events").Logger(),
		now:    time.Now,
	}
}

func (e *Events) publish(ctx context.Context, typ string, providerID, subject uuid.UUID, data interface{}) {
	if e == nil || e.pub == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			e.logger.Error().Err(err).Str("type", typ).Msg("marshal event")
			return
		}
		raw = b
	}
	evt := websocket.Event{
		Type:      typ,
		Topic:     ProviderTopic(providerID),
		SubjectID: subject.String(),
		Timestamp: e.now().UTC(),
		Data:      raw,
	}
	if err := e.pub.Publish(ctx, evt); err != nil {
		e.logger.Warn().Err(err).Str("type", typ).Str("subject_id", evt.SubjectID).Msg("publish event")
	}
}

func (e *Events) slotCreated(ctx context.Context, s *Slot) {
	e.publish(ctx, EventSlotCreated, s.ProviderID, s.ID, s)
}

func (e *Events) slotDeleted(ctx context.Context, providerID, slotID uuid.UUID) {
	e.publish(ctx, EventSlotDeleted, providerID, slotID, nil)
}

func (e *Events) slotReserved(ctx context.Context, b *Booking) {
	e.publish(ctx, EventSlotReserved, b.ProviderID, b.SlotID, nil)
}

func (e *Events) slotReleased(ctx context.Context, b *Booking) {
	e.publish(ctx, EventSlotReleased, b.ProviderID, b.SlotID, nil)
}

func (e *Events) providerRated(ctx context.Context, s *ProviderScore) {
	e.publish(ctx, EventProviderRated, s.ProviderID, s.ProviderID, s)
}
