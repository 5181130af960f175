package reservation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/medbook/medbook/internal/platform/db"
)

const (
	constraintActiveBooking = "bookings_active_slot_uq"
	constraintRatingBooking = "ratings_booking_uq"
)

// =========== Slot Repository ===========

type slotRepoPG struct{ pool db.Querier }

func NewSlotRepoPG(pool db.Querier) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const slotCols = `id, provider_id, start_time, end_time, reserved, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.ProviderID, &s.Start, &s.End, &s.Reserved, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	return &s, err
}

func (r *slotRepoPG) LockProvider(ctx context.Context, providerID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, providerID)
	return err
}

func (r *slotRepoPG) HasOverlap(ctx context.Context, providerID uuid.UUID, start, end time.Time) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slots
			WHERE provider_id = $1 AND start_time < $3 AND end_time > $2
		)`, providerID, start, end).Scan(&exists)
	return exists, err
}

func (r *slotRepoPG) Create(ctx context.Context, s *Slot) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO slots (id, provider_id, start_time, end_time)
		VALUES ($1, $2, $3, $4)
		RETURNING reserved, created_at, updated_at`,
		s.ID, s.ProviderID, s.Start, s.End).Scan(&s.Reserved, &s.CreatedAt, &s.UpdatedAt)
	switch {
	case db.IsForeignKeyViolation(err):
		return ErrProviderNotFound
	case db.IsCheckViolation(err):
		return ErrInvalidRange
	}
	return err
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE id = $1`, id))
}

func (r *slotRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, f SlotFilter, after *Cursor, limit int) ([]*Slot, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + slotCols + ` FROM slots WHERE provider_id = $1 AND start_time >= $2`)
	args := []interface{}{providerID, f.From}
	if f.OnlyFree {
		b.WriteString(` AND reserved = FALSE`)
	}
	if f.NeverBooked {
		b.WriteString(` AND NOT EXISTS (SELECT 1 FROM bookings bk WHERE bk.slot_id = slots.id)`)
	}
	if after != nil {
		args = append(args, after.At, after.ID)
		fmt.Fprintf(&b, ` AND (start_time, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, ` ORDER BY start_time, id LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Slot, error) { return scanSlot(row) })
}

func (r *slotRepoPG) Claim(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE slots SET reserved = TRUE, updated_at = NOW() WHERE id = $1 AND reserved = FALSE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSlotNotFound
	}
	return ErrAlreadyReserved
}

func (r *slotRepoPG) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM slots WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (r *slotRepoPG) Release(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE slots SET reserved = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (r *slotRepoPG) DeleteIfStale(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM slots WHERE id = $1 AND reserved = FALSE AND end_time <= $2`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *slotRepoPG) DeleteUnreserved(ctx context.Context, id, providerID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM slots WHERE id = $1 AND provider_id = $2 AND reserved = FALSE`, id, providerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner uuid.UUID
	var reserved bool
	err = r.conn(ctx).QueryRow(ctx, `SELECT provider_id, reserved FROM slots WHERE id = $1`, id).Scan(&owner, &reserved)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrSlotNotFound
	case err != nil:
		return err
	case owner != providerID:
		return fmt.Errorf("%w: slot %s belongs to another provider", ErrForbidden, id)
	case reserved:
		return ErrAlreadyReserved
	}
	// Released between the delete and the lookup.
	return fmt.Errorf("%w: slot %s changed concurrently", ErrConflict, id)
}

func (r *slotRepoPG) ListStale(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM slots
		WHERE reserved = FALSE AND end_time <= $1
		ORDER BY end_time, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// =========== Booking Repository ===========

type bookingRepoPG struct{ pool db.Querier }

func NewBookingRepoPG(pool db.Querier) BookingRepository { return &bookingRepoPG{pool: pool} }

func (r *bookingRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const bookingSelect = `SELECT b.id, b.slot_id, b.client_id, s.provider_id, s.start_time, s.end_time,
	b.note, b.status, b.created_at, b.updated_at
	FROM bookings b JOIN slots s ON s.id = b.slot_id`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var status string
	err := row.Scan(&b.ID, &b.SlotID, &b.ClientID, &b.ProviderID, &b.SlotStart, &b.SlotEnd,
		&b.Note, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = BookingStatus(status)
	return &b, nil
}

func (r *bookingRepoPG) Create(ctx context.Context, b *Booking) error {
	b.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO bookings (id, slot_id, client_id, note, status)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING slot_id, created_at, updated_at
		)
		SELECT s.provider_id, s.start_time, s.end_time, ins.created_at, ins.updated_at
		FROM ins JOIN slots s ON s.id = ins.slot_id`,
		b.ID, b.SlotID, b.ClientID, b.Note, string(b.Status)).
		Scan(&b.ProviderID, &b.SlotStart, &b.SlotEnd, &b.CreatedAt, &b.UpdatedAt)
	switch {
	case db.IsUniqueViolation(err, constraintActiveBooking):
		return ErrSlotConflict
	case db.IsForeignKeyViolation(err):
		return ErrSlotNotFound
	case db.IsCheckViolation(err):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

func (r *bookingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.conn(ctx).QueryRow(ctx, bookingSelect+` WHERE b.id = $1`, id))
}

func (r *bookingRepoPG) LockForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.conn(ctx).QueryRow(ctx, bookingSelect+` WHERE b.id = $1 FOR UPDATE OF b`, id))
}

func (r *bookingRepoPG) LockForShare(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return scanBooking(r.conn(ctx).QueryRow(ctx, bookingSelect+` WHERE b.id = $1 FOR SHARE OF b`, id))
}

func (r *bookingRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status BookingStatus) (time.Time, error) {
	var updatedAt time.Time
	err := r.conn(ctx).QueryRow(ctx,
		`UPDATE bookings SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING updated_at`,
		id, string(status)).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrBookingNotFound
	}
	return updatedAt, err
}

func (r *bookingRepoPG) ExistsForSlot(ctx context.Context, slotID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE slot_id = $1)`, slotID).Scan(&exists)
	return exists, err
}

func (r *bookingRepoPG) ListByClient(ctx context.Context, clientID uuid.UUID, after *Cursor, limit int) ([]*Booking, error) {
	return r.list(ctx, `b.client_id = $1`, clientID, after, limit)
}

func (r *bookingRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, after *Cursor, limit int) ([]*Booking, error) {
	return r.list(ctx, `s.provider_id = $1`, providerID, after, limit)
}

func (r *bookingRepoPG) list(ctx context.Context, where string, owner uuid.UUID, after *Cursor, limit int) ([]*Booking, error) {
	query, args := keysetDesc(bookingSelect+` WHERE `+where, "b.", owner, after, limit)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Booking, error) { return scanBooking(row) })
}

// keysetDesc appends a newest-first keyset page to base, whose first
// placeholder $1 is bound to owner.
func keysetDesc(base, alias string, owner uuid.UUID, after *Cursor, limit int) (string, []interface{}) {
	args := []interface{}{owner}
	query := base
	if after != nil {
		args = append(args, after.At, after.ID)
		query += fmt.Sprintf(` AND (%screated_at, %sid) < ($2, $3)`, alias, alias)
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY %screated_at DESC, %sid DESC LIMIT $%d`, alias, alias, len(args))
	return query, args
}

// =========== Rating Repository ===========

type ratingRepoPG struct{ pool db.Querier }

func NewRatingRepoPG(pool db.Querier) RatingRepository { return &ratingRepoPG{pool: pool} }

func (r *ratingRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const ratingCols = `id, booking_id, client_id, provider_id, score, comment, created_at`

func scanRating(row pgx.Row) (*Rating, error) {
	var rt Rating
	err := row.Scan(&rt.ID, &rt.BookingID, &rt.ClientID, &rt.ProviderID, &rt.Score, &rt.Comment, &rt.CreatedAt)
	return &rt, err
}

func (r *ratingRepoPG) Create(ctx context.Context, rt *Rating) error {
	rt.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ratings (id, booking_id, client_id, provider_id, score, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		rt.ID, rt.BookingID, rt.ClientID, rt.ProviderID, rt.Score, rt.Comment).Scan(&rt.CreatedAt)
	switch {
	case db.IsUniqueViolation(err, constraintRatingBooking):
		return fmt.Errorf("%w: booking %s is already rated", ErrConflict, rt.BookingID)
	case db.IsCheckViolation(err):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("rating references a missing record: %w", ErrNotFound)
	}
	return err
}

func (r *ratingRepoPG) ExistsForBooking(ctx context.Context, bookingID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ratings WHERE booking_id = $1)`, bookingID).Scan(&exists)
	return exists, err
}

func (r *ratingRepoPG) ListByProvider(ctx context.Context, providerID uuid.UUID, after *Cursor, limit int) ([]*Rating, error) {
	query, args := keysetDesc(`SELECT `+ratingCols+` FROM ratings WHERE provider_id = $1`, "", providerID, after, limit)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Rating, error) { return scanRating(row) })
}

// =========== Provider Repository ===========

type providerRepoPG struct{ pool db.Querier }

func NewProviderRepoPG(pool db.Querier) ProviderRepository { return &providerRepoPG{pool: pool} }

func (r *providerRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

func scanScore(row pgx.Row) (*ProviderScore, error) {
	var s ProviderScore
	err := row.Scan(&s.ProviderID, &s.MeanScore, &s.RatingCount, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProviderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *providerRepoPG) Ensure(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `INSERT INTO providers (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	return err
}

func (r *providerRepoPG) LockForUpdate(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT id FROM providers WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrProviderNotFound
	}
	return err
}

func (r *providerRepoPG) GetScore(ctx context.Context, id uuid.UUID) (*ProviderScore, error) {
	return scanScore(r.conn(ctx).QueryRow(ctx,
		`SELECT id, mean_score, rating_count, updated_at FROM providers WHERE id = $1`, id))
}

func (r *providerRepoPG) RecomputeMean(ctx context.Context, id uuid.UUID) (*ProviderScore, error) {
	return scanScore(r.conn(ctx).QueryRow(ctx, `
		UPDATE providers p
		SET mean_score = agg.mean, rating_count = agg.n, updated_at = NOW()
		FROM (
			SELECT COALESCE(ROUND(AVG(score)::numeric, 2), 0)::float8 AS mean, COUNT(*)::int AS n
			FROM ratings WHERE provider_id = $1
		) agg
		WHERE p.id = $1
		RETURNING p.id, p.mean_score, p.rating_count, p.updated_at`, id))
}
