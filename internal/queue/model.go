// Package queue implements the per-clinic daily appointment queue: ticket
// assignment on booking, position propagation on completion, and the
// "patients ahead" query shown to waiting patients.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var (
	ErrNotFound          = errors.New("queue: appointment not found")
	ErrClinicNotFound    = errors.New("queue: clinic not found")
	ErrInvalidStatus     = errors.New("queue: invalid status")
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	ErrBookingInFlight   = errors.New("queue: booking with this idempotency key is in progress")
)

// waitingStatuses are the states of a patient still in line.
var waitingStatuses = []Status{StatusPending, StatusConfirmed, StatusInProgress}

// ParseStatus validates a raw status value.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Waiting reports whether the patient still occupies a place in line.
func (s Status) Waiting() bool {
	for _, w := range waitingStatuses {
		if s == w {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is allowed. Same-state writes are
// allowed and treated as no-ops by the stores.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusConfirmed || to == StatusInProgress || to == StatusCompleted || to == StatusCancelled
	case StatusConfirmed:
		return to == StatusInProgress || to == StatusCompleted || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled
	}
	return false
}

// Patient is the opaque booking payload. Only its presence is validated; it
// plays no part in queue ordering.
type Patient struct {
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	Age            int    `json:"age"`
	Gender         string `json:"gender"`
	MedicalHistory string `json:"medical_history,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// ValidationError describes a rejected booking payload.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Message)
}

// Validate checks the required patient fields.
func (p Patient) Validate() error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return &ValidationError{Field: "name", Message: "required"}
	case strings.TrimSpace(p.Phone) == "":
		return &ValidationError{Field: "phone", Message: "required"}
	case strings.TrimSpace(p.Gender) == "":
		return &ValidationError{Field: "gender", Message: "required"}
	case p.Age <= 0 || p.Age > 150:
		return &ValidationError{Field: "age", Message: "must be between 1 and 150"}
	}
	return nil
}

// Appointment is one patient visit in a clinic's daily queue.
type Appointment struct {
	ID            uuid.UUID
	ClinicID      uuid.UUID
	Date          time.Time
	QueueNumber   int
	QueuePosition int
	Status        Status
	Patient       Patient
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Partition returns the (clinic, date) queue this appointment belongs to.
func (a *Appointment) Partition() Partition {
	return Partition{ClinicID: a.ClinicID, Date: a.Date}
}

func (a *Appointment) clone() *Appointment {
	if a == nil {
		return nil
	}
	cp := *a
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Summary is the per clinic/day queue counter row.
type Summary struct {
	ClinicID                  uuid.UUID
	Date                      time.Time
	CurrentQueueNumber        int
	TotalPatientsToday        int
	CurrentServingQueueNumber int
	LastUpdated               time.Time
	// Version increases with every write to the summary row and orders
	// snapshots pushed to the display cache.
	Version int64
}

// Partition identifies one independent queue: a clinic on a calendar day.
type Partition struct {
	ClinicID uuid.UUID
	Date     time.Time
}

// Key is the stable string form used for locks and cache keys.
func (p Partition) Key() string {
	return p.ClinicID.String() + ":" + DateKey(p.Date)
}

// DateKey formats a queue day as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// ParseDate parses YYYY-MM-DD into a midnight UTC queue day.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("queue: invalid date %q: %w", raw, err)
	}
	return d, nil
}

// Day returns the queue day containing t in loc, as midnight UTC.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// BookingRequest is the input to queue assignment. The patient payload is
// expected to be validated already.
type BookingRequest struct {
	ClinicID uuid.UUID
	Date     time.Time
	Patient  Patient
}

// Booking is the outcome of a queue assignment.
type Booking struct {
	Appointment *Appointment
	Summary     Summary
	// DisplayErr is set when the appointment committed but the display
	// counters could not be refreshed.
	DisplayErr error
	// Replayed is set when an idempotency key matched an earlier booking.
	Replayed bool
}

// Position is what a waiting patient sees. Known is false when the queue
// state could not be read and the numbers should not be shown.
type Position struct {
	Appointment *Appointment
	Ahead       int
	NowServing  int
	Known       bool
}

// Transition is the outcome of a status write.
type Transition struct {
	Appointment *Appointment
	From        Status
	To          Status
	// Changed is false for same-state writes.
	Changed bool
	// Propagated counts waiting appointments moved up one place.
	Propagated int64
	// Summary is set when the write touched the summary row.
	Summary *Summary
}

// Completed reports whether this write moved the appointment into completed.
func (t *Transition) Completed() bool {
	return t != nil && t.Changed && t.To == StatusCompleted
}
