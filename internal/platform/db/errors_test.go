package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert booking: %w", &pgconn.PgError{Code: "23505", ConstraintName: "bookings_active_slot_uq"})

	if !IsUniqueViolation(err, "") {
		t.Error("expected unique violation for any constraint")
	}
	if !IsUniqueViolation(err, "bookings_active_slot_uq") {
		t.Error("expected match on constraint name")
	}
	if IsUniqueViolation(err, "ratings_booking_uq") {
		t.Error("expected no match on a different constraint")
	}
	if IsUniqueViolation(errors.New("plain"), "") {
		t.Error("plain error is not a unique violation")
	}
}

func TestErrorClassifiers(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		fk        bool
		check     bool
		retryable bool
	}{
		{"foreign key", "23503", true, false, false},
		{"check", "23514", false, true, false},
		{"serialization", "40001", false, false, true},
		{"deadlock", "40P01", false, false, true},
		{"syntax", "42601", false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &pgconn.PgError{Code: tt.code}
			if got := IsForeignKeyViolation(err); got != tt.fk {
				t.Errorf("IsForeignKeyViolation = %v, want %v", got, tt.fk)
			}
			if got := IsCheckViolation(err); got != tt.check {
				t.Errorf("IsCheckViolation = %v, want %v", got, tt.check)
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}
