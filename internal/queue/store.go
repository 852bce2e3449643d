package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists appointments and queue summaries. Each method is one atomic
// unit: implementations serialize writes per (clinic, date) partition and
// never expose a half-applied booking or completion.
type Store interface {
	// Book issues the next queue number for the partition and inserts the
	// appointment with queue_position = queue_number and status pending.
	Book(ctx context.Context, req BookingRequest) (*Booking, error)
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateStatus writes a new status. Moving into completed decrements the
	// position of every waiting appointment behind it and advances the
	// now-serving pointer in the same unit.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Transition, error)
	// CountAhead returns the number of waiting appointments with a smaller
	// queue position. Unknown or finished appointments have nobody ahead.
	CountAhead(ctx context.Context, id uuid.UUID) (int, error)
	// Summary returns the partition counters; a missing row is all zeros.
	Summary(ctx context.Context, clinicID uuid.UUID, date time.Time) (*Summary, error)
	ListQueue(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error)
}

// CounterPolicy controls how completion treats total_patients_today.
type CounterPolicy struct {
	// TotalCountsBookings keeps total_patients_today as a bookings counter.
	// When false, completion decrements it alongside the clinic's
	// waiting_patients counter.
	TotalCountsBookings bool
}

func (p CounterPolicy) completionDecrement() int {
	if p.TotalCountsBookings {
		return 0
	}
	return 1
}
