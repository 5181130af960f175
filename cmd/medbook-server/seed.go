package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/medbook/medbook/internal/domain/reservation"
	"github.com/medbook/medbook/internal/platform/auth"
	"github.com/medbook/medbook/internal/platform/metrics"
	"github.com/medbook/medbook/internal/platform/sandbox"
)

// seedService is the part of reservation.Service the seeder drives.
type seedService interface {
	CreateSlot(ctx context.Context, p auth.Principal, start, end time.Time) (*reservation.Slot, error)
	BookSlot(ctx context.Context, p auth.Principal, slotID uuid.UUID, note *string) (*reservation.Booking, error)
	TransitionBooking(ctx context.Context, p auth.Principal, bookingID uuid.UUID, to reservation.BookingStatus) (*reservation.Booking, error)
	SubmitRating(ctx context.Context, p auth.Principal, bookingID uuid.UUID, score int, comment *string) (*reservation.Rating, *reservation.ProviderScore, error)
}

// serviceTarget replays seeder actions through the service so every
// invariant applies to demo data too.
type serviceTarget struct {
	svc seedService
}

func (t serviceTarget) PublishSlot(ctx context.Context, providerID uuid.UUID, start, end time.Time) (uuid.UUID, error) {
	s, err := t.svc.CreateSlot(ctx, auth.Principal{ID: providerID, Role: auth.RoleProvider}, start, end)
	if err != nil {
		return uuid.Nil, err
	}
	return s.ID, nil
}

func (t serviceTarget) Book(ctx context.Context, clientID, slotID uuid.UUID, note *string) (uuid.UUID, error) {
	b, err := t.svc.BookSlot(ctx, auth.Principal{ID: clientID, Role: auth.RoleClient}, slotID, note)
	if err != nil {
		return uuid.Nil, err
	}
	return b.ID, nil
}

func (t serviceTarget) Complete(ctx context.Context, providerID, bookingID uuid.UUID) error {
	_, err := t.svc.TransitionBooking(ctx, auth.Principal{ID: providerID, Role: auth.RoleProvider}, bookingID, reservation.StatusCompleted)
	return err
}

func (t serviceTarget) Rate(ctx context.Context, clientID, bookingID uuid.UUID, score int, comment *string) error {
	_, _, err := t.svc.SubmitRating(ctx, auth.Principal{ID: clientID, Role: auth.RoleClient}, bookingID, score, comment)
	return err
}

func seedCmd() *cobra.Command {
	def := sandbox.DefaultSeedConfig()
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the database with a reproducible demo schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return fmt.Errorf("seed is disabled in production")
			}
			seedCfg, err := seedConfigFromFlags(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			app := newApp(cfg, pool, metrics.NewReservationMetrics(prometheus.NewRegistry()), logger)
			res, err := sandbox.NewSeeder(seedCfg, logger).Run(ctx, serviceTarget{svc: app.svc})
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d slot(s), %d booking(s), %d rating(s) for %d provider(s).\n",
					res.Slots, res.Bookings, res.Ratings, len(res.Providers))
				for _, id := range res.Providers {
					fmt.Fprintf(cmd.OutOrStdout(), "  provider %s\n", id)
				}
			}
			if err != nil {
				return fmt.Errorf("seed: %w", err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int("providers", def.ProviderCount, "number of providers")
	f.Int("clients", def.ClientCount, "number of clients")
	f.Int("days", def.Days, "days of schedule")
	f.Int("slots-per-day", def.SlotsPerDay, "slots per provider per day")
	f.Int("slot-minutes", def.SlotMinutes, "slot length in minutes")
	f.Int("day-start-hour", def.DayStartHour, "first slot hour (UTC)")
	f.Int("book-percent", def.BookPercent, "share of slots that get booked")
	f.Int("complete-percent", def.CompletePercent, "share of bookings that get completed and rated")
	f.String("start", def.Start.Format(time.DateOnly), "first day of the schedule (YYYY-MM-DD)")
	f.Int64("seed", 0, "random seed, 0 picks one from the clock")
	return cmd
}

func seedConfigFromFlags(cmd *cobra.Command) (sandbox.SeedConfig, error) {
	f := cmd.Flags()
	var c sandbox.SeedConfig
	c.ProviderCount, _ = f.GetInt("providers")
	c.ClientCount, _ = f.GetInt("clients")
	c.Days, _ = f.GetInt("days")
	c.SlotsPerDay, _ = f.GetInt("slots-per-day")
	c.SlotMinutes, _ = f.GetInt("slot-minutes")
	c.DayStartHour, _ = f.GetInt("day-start-hour")
	c.BookPercent, _ = f.GetInt("book-percent")
	c.CompletePercent, _ = f.GetInt("complete-percent")
	c.Seed, _ = f.GetInt64("seed")

	start, _ := f.GetString("start")
	day, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return c, fmt.Errorf("invalid --start %q: %w", start, err)
	}
	c.Start = day
	return c, c.Validate()
}
