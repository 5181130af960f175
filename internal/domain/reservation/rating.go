package reservation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medbook/medbook/internal/platform/db"
	"github.com/medbook/medbook/internal/platform/metrics"
)

const maxRatingAttempts = 3

// RatingAggregator owns ratings and keeps each provider's mean score in step
// with them.
type RatingAggregator struct {
	tx        Transactor
	bookings  BookingRepository
	ratings   RatingRepository
	providers ProviderRepository
	metrics   *metrics.ReservationMetrics
	logger    zerolog.Logger
	pageSize  int
}

func NewRatingAggregator(tx Transactor, bookings BookingRepository, ratings RatingRepository, providers ProviderRepository, m *metrics.ReservationMetrics, logger zerolog.Logger) *RatingAggregator {
	return &RatingAggregator{
		tx:        tx,
		bookings:  bookings,
		ratings:   ratings,
		providers: providers,
		metrics:   m,
		logger:    logger,
		pageSize:  defaultPageSize,
	}
}

// Submit records clientID's rating of a completed booking and recomputes the
// provider's mean in the same transaction. Serialization failures are retried
// up to maxRatingAttempts times before ErrUnavailable is returned.
func (a *RatingAggregator) Submit(ctx context.Context, bookingID, clientID uuid.UUID, score int, comment *string) (*Rating, *ProviderScore, error) {
	var (
		rating  *Rating
		summary *ProviderScore
		err     error
	)
	for attempt := 1; attempt <= maxRatingAttempts; attempt++ {
		rating, summary, err = a.submitOnce(ctx, bookingID, clientID, score, comment)
		if err == nil || !db.IsRetryable(err) {
			break
		}
		a.logger.Warn().Err(err).Int("attempt", attempt).Str("booking_id", bookingID.String()).Msg("rating transaction aborted, retrying")
		if ctx.Err() != nil {
			break
		}
	}

	switch {
	case err == nil:
		a.metrics.ObserveRating(metrics.OutcomeOK)
		return rating, summary, nil
	case db.IsRetryable(err):
		a.metrics.ObserveRating(metrics.OutcomeError)
		return nil, nil, fmt.Errorf("%w: rating not recorded after %d attempts: %v", ErrUnavailable, maxRatingAttempts, err)
	case errors.Is(err, ErrConflict):
		a.metrics.ObserveRating(metrics.OutcomeConflict)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidState), errors.Is(err, ErrInvalidInput):
		a.metrics.ObserveRating(metrics.OutcomeRejected)
	default:
		a.metrics.ObserveRating(metrics.OutcomeError)
	}
	return nil, nil, err
}

func (a *RatingAggregator) submitOnce(ctx context.Context, bookingID, clientID uuid.UUID, score int, comment *string) (*Rating, *ProviderScore, error) {
	var (
		rating  *Rating
		summary *ProviderScore
	)
	err := a.tx.WithTx(ctx, func(ctx context.Context) error {
		b, err := a.bookings.LockForShare(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.ClientID != clientID {
			return fmt.Errorf("%w: booking %s belongs to another client", ErrForbidden, b.ID)
		}
		if b.Status != StatusCompleted {
			return fmt.Errorf("%w: booking is %s, only Completed bookings can be rated", ErrInvalidState, b.Status)
		}
		rated, err := a.ratings.ExistsForBooking(ctx, b.ID)
		if err != nil {
			return fmt.Errorf("check existing rating: %w", err)
		}
		if rated {
			return fmt.Errorf("%w: booking %s is already rated", ErrConflict, b.ID)
		}
		if score < MinScore || score > MaxScore {
			return fmt.Errorf("%w: score must be between %d and %d", ErrInvalidInput, MinScore, MaxScore)
		}
		if comment != nil && utf8.RuneCountInString(*comment) > MaxCommentLength {
			return fmt.Errorf("%w: comment exceeds %d characters", ErrInvalidInput, MaxCommentLength)
		}

		if err := a.providers.LockForUpdate(ctx, b.ProviderID); err != nil {
			return err
		}
		r := &Rating{
			BookingID:  b.ID,
			ClientID:   clientID,
			ProviderID: b.ProviderID,
			Score:      score,
			Comment:    comment,
		}
		if err := a.ratings.Create(ctx, r); err != nil {
			return err
		}
		s, err := a.providers.RecomputeMean(ctx, b.ProviderID)
		if err != nil {
			return fmt.Errorf("recompute provider mean: %w", err)
		}
		rating, summary = r, s
		return nil
	})
	return rating, summary, err
}

// ListForProvider returns the provider's ratings, newest first.
func (a *RatingAggregator) ListForProvider(ctx context.Context, providerID uuid.UUID) iter.Seq2[*Rating, error] {
	fetch := func(ctx context.Context, after *Cursor, limit int) ([]*Rating, error) {
		return a.ratings.ListByProvider(ctx, providerID, after, limit)
	}
	return paginate(ctx, a.pageSize, fetch, ratingCursor)
}

func (a *RatingAggregator) Score(ctx context.Context, providerID uuid.UUID) (*ProviderScore, error) {
	return a.providers.GetScore(ctx, providerID)
}
