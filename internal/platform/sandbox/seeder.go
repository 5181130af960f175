// Package sandbox generates reproducible demo schedules for development and
// UI work: providers publish slots, clients book some of them, and a share of
// those bookings are completed and rated.
package sandbox

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	ProviderCount   int
	ClientCount     int
	Days            int
	SlotsPerDay     int
	SlotMinutes     int
	DayStartHour    int
	BookPercent     int
	CompletePercent int
	Start           time.Time
	Seed            int64
}

// DefaultSeedConfig returns a small working week starting tomorrow.
func DefaultSeedConfig() SeedConfig {
	tomorrow := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return SeedConfig{
		ProviderCount:   3,
		ClientCount:     10,
		Days:            5,
		SlotsPerDay:     8,
		SlotMinutes:     30,
		DayStartHour:    9,
		BookPercent:     40,
		CompletePercent: 50,
		Start:           tomorrow,
	}
}

// Validate rejects configs that cannot produce a schedule.
func (c SeedConfig) Validate() error {
	switch {
	case c.ProviderCount < 1:
		return fmt.Errorf("providers must be at least 1")
	case c.Days < 1 || c.SlotsPerDay < 1:
		return fmt.Errorf("days and slots_per_day must be at least 1")
	case c.SlotMinutes < 1:
		return fmt.Errorf("slot_minutes must be at least 1")
	case c.DayStartHour < 0 || c.DayStartHour > 23:
		return fmt.Errorf("day_start_hour must be between 0 and 23")
	case c.SlotsPerDay*c.SlotMinutes > (24-c.DayStartHour)*60:
		return fmt.Errorf("slots do not fit in one day")
	case c.BookPercent < 0 || c.BookPercent > 100 || c.CompletePercent < 0 || c.CompletePercent > 100:
		return fmt.Errorf("percentages must be between 0 and 100")
	case c.BookPercent > 0 && c.ClientCount < 1:
		return fmt.Errorf("clients must be at least 1 when booking")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Target
// ---------------------------------------------------------------------------

// Target receives the generated actions. Each call acts as the given
// provider or client.
type Target interface {
	PublishSlot(ctx context.Context, providerID uuid.UUID, start, end time.Time) (uuid.UUID, error)
	Book(ctx context.Context, clientID, slotID uuid.UUID, note *string) (uuid.UUID, error)
	Complete(ctx context.Context, providerID, bookingID uuid.UUID) error
	Rate(ctx context.Context, clientID, bookingID uuid.UUID, score int, comment *string) error
}

// SeedResult summarizes the output of a seed operation.
type SeedResult struct {
	Providers []uuid.UUID   `json:"providers"`
	Clients   []uuid.UUID   `json:"clients"`
	Slots     int           `json:"slots"`
	Bookings  int           `json:"bookings"`
	Completed int           `json:"completed"`
	Ratings   int           `json:"ratings"`
	Duration  time.Duration `json:"duration"`
}

// ---------------------------------------------------------------------------
// Text pools
// ---------------------------------------------------------------------------

var notes = []string{
	"Follow-up visit",
	"First consultation",
	"Prescription renewal",
	"Lab results review",
	"Annual check-up",
}

var comments = []string{
	"Very thorough.",
	"On time and friendly.",
	"Explained everything clearly.",
	"Waited a bit, but good visit.",
	"Would book again.",
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder drives a Target with a schedule derived from its config. The same
// seed always yields the same ids and choices.
type Seeder struct {
	config SeedConfig
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewSeeder creates a new Seeder with the given config. If the seed is 0 a
// time-based seed is chosen.
func NewSeeder(config SeedConfig, logger zerolog.Logger) *Seeder {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Seeder{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger.With().Str("component", "sandbox").Logger(),
	}
}

func (s *Seeder) newID() uuid.UUID {
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		// math/rand never fails to read.
		panic(err)
	}
	return id
}

func (s *Seeder) pick(pool []string) *string {
	v := pool[s.rng.Intn(len(pool))]
	return &v
}

func (s *Seeder) chance(percent int) bool {
	return s.rng.Intn(100) < percent
}

// Run publishes every slot, then books, completes and rates a share of them.
// It stops at the first error and returns the counts reached so far.
func (s *Seeder) Run(ctx context.Context, target Target) (*SeedResult, error) {
	start := time.Now()
	if err := s.config.Validate(); err != nil {
		return nil, err
	}

	res := &SeedResult{}
	for i := 0; i < s.config.ProviderCount; i++ {
		res.Providers = append(res.Providers, s.newID())
	}
	for i := 0; i < s.config.ClientCount; i++ {
		res.Clients = append(res.Clients, s.newID())
	}

	length := time.Duration(s.config.SlotMinutes) * time.Minute
	day0 := s.config.Start.UTC().Truncate(24 * time.Hour)

	for d := 0; d < s.config.Days; d++ {
		dayStart := day0.AddDate(0, 0, d).Add(time.Duration(s.config.DayStartHour) * time.Hour)
		for _, provider := range res.Providers {
			for k := 0; k < s.config.SlotsPerDay; k++ {
				if err := ctx.Err(); err != nil {
					res.Duration = time.Since(start)
					return res, err
				}
				slotStart := dayStart.Add(time.Duration(k) * length)
				if err := s.seedSlot(ctx, target, res, provider, slotStart, slotStart.Add(length)); err != nil {
					res.Duration = time.Since(start)
					return res, err
				}
			}
		}
	}

	res.Duration = time.Since(start)
	s.logger.Info().
		Int("providers", len(res.Providers)).
		Int("slots", res.Slots).
		Int("bookings", res.Bookings).
		Int("ratings", res.Ratings).
		Dur("duration", res.Duration).
		Msg("sandbox seeded")
	return res, nil
}

func (s *Seeder) seedSlot(ctx context.Context, target Target, res *SeedResult, provider uuid.UUID, start, end time.Time) error {
	slotID, err := target.PublishSlot(ctx, provider, start, end)
	if err != nil {
		return fmt.Errorf("publish slot: %w", err)
	}
	res.Slots++

	if !s.chance(s.config.BookPercent) {
		return nil
	}
	client := res.Clients[s.rng.Intn(len(res.Clients))]
	bookingID, err := target.Book(ctx, client, slotID, s.pick(notes))
	if err != nil {
		return fmt.Errorf("book slot %s: %w", slotID, err)
	}
	res.Bookings++

	if !s.chance(s.config.CompletePercent) {
		return nil
	}
	if err := target.Complete(ctx, provider, bookingID); err != nil {
		return fmt.Errorf("complete booking %s: %w", bookingID, err)
	}
	res.Completed++

	score := 3 + s.rng.Intn(3)
	if err := target.Rate(ctx, client, bookingID, score, s.pick(comments)); err != nil {
		return fmt.Errorf("rate booking %s: %w", bookingID, err)
	}
	res.Ratings++
	return nil
}
