package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/platform/metrics"
)

const defaultReclaimBatch = 500

// ReclaimResult summarizes one reclaimer run.
type ReclaimResult struct {
	Scanned  int           `json:"scanned"`
	Deleted  int           `json:"deleted"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Reclaimer deletes expired slots that were never reserved. Every delete
// re-checks the guard, so concurrent runs and bookings are safe.
type Reclaimer struct {
	slots     *SlotStore
	batchSize int
	metrics   *metrics.ReservationMetrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewReclaimer(slots *SlotStore, batchSize int, m *metrics.ReservationMetrics, logger zerolog.Logger) *Reclaimer {
	if batchSize <= 0 {
		batchSize = defaultReclaimBatch
	}
	return &Reclaimer{
		slots:     slots,
		batchSize: batchSize,
		metrics:   m,
		logger:    logger.With().Str("component", "reclaimer").Logger(),
		now:       time.Now,
	}
}

// Run performs one sweep. On cancellation it returns what was done so far
// together with the context error; the next run picks up the rest.
func (r *Reclaimer) Run(ctx context.Context) (ReclaimResult, error) {
	start := time.Now()
	now := r.now().UTC()
	var res ReclaimResult

	err := r.sweep(ctx, now, &res)
	res.Duration = time.Since(start)
	r.metrics.ObserveReclaim(res.Deleted, res.Duration)

	evt := r.logger.Info()
	if err != nil {
		evt = r.logger.Warn().Err(err)
	}
	evt.
		Int("scanned", res.Scanned).
		Int("deleted", res.Deleted).
		Int("skipped", res.Skipped).
		Dur("duration", res.Duration).
		Msg("stale slot sweep finished")
	return res, err
}

func (r *Reclaimer) sweep(ctx context.Context, now time.Time, res *ReclaimResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := r.slots.listStale(ctx, now, r.batchSize)
		if err != nil {
			return fmt.Errorf("list stale slots: %w", err)
		}

		deleted := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			res.Scanned++
			ok, err := r.slots.DeleteIfStale(ctx, id, now)
			if err != nil {
				return fmt.Errorf("delete slot %s: %w", id, err)
			}
			if ok {
				deleted++
				res.Deleted++
			} else {
				res.Skipped++
			}
		}

		// A short batch means the backlog is drained. A batch where nothing
		// could be deleted would come back unchanged.
		if len(ids) < r.batchSize || deleted == 0 {
			return nil
		}
	}
}

// Start schedules Run on spec (standard cron syntax or descriptors such as
// "@daily"). Overlapping runs are skipped. The scheduler stops when ctx is
// cancelled; the returned cron can also be stopped directly.
func (r *Reclaimer) Start(ctx context.Context, spec string) (*cron.Cron, error) {
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(spec, func() { _, _ = r.Run(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule reclaimer %q: %w", spec, err)
	}
	c.Start()

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
