package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/wolfman30/city-services/internal/events"
)

type recordedEvent struct {
	clinicID string
	evt      events.CanonicalEvent
	inTx     bool
}

type fakeOutbox struct {
	events []recordedEvent
}

func (f *fakeOutbox) Insert(_ context.Context, q events.Execer, clinicID string, evt events.CanonicalEvent) (uuid.UUID, error) {
	f.events = append(f.events, recordedEvent{clinicID: clinicID, evt: evt, inTx: q != nil})
	return uuid.New(), nil
}

var (
	testClinic = uuid.MustParse("3b0c6a8e-6a43-4c1f-9d6e-2f4f7f0c1a01")
	testDate   = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	fixedNow   = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
)

func newMockStore(t *testing.T, policy CounterPolicy) (pgxmock.PgxPoolIface, *PGStore, *fakeOutbox) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	t.Cleanup(mock.Close)
	outbox := &fakeOutbox{}
	store := NewPGStore(mock, policy, outbox, nil)
	store.now = func() time.Time { return fixedNow }
	return mock, store, outbox
}

func summaryRow(current, total, serving int) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"current_queue_number", "total_patients_today", "current_serving_queue_number", "last_updated", "version"}).
		AddRow(current, total, serving, fixedNow, int64(current+serving))
}

func appointmentRow(id uuid.UUID, number, position int, status Status) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "clinic_id", "appointment_date", "queue_number", "queue_position", "status",
		"patient_name", "patient_phone", "patient_age", "patient_gender",
		"patient_medical_history", "patient_notes", "created_at", "updated_at", "completed_at",
	}).AddRow(id, testClinic, testDate, number, position, string(status),
		"Mona", "+201000000000", 34, "female", nil, nil, fixedNow, fixedNow, nil)
}

func samplePatient() Patient {
	return Patient{Name: "Mona", Phone: "+201000000000", Age: 34, Gender: "female"}
}

func TestPGStoreBookIssuesNextNumber(t *testing.T) {
	mock, store, outbox := newMockStore(t, CounterPolicy{})
	part := Partition{ClinicID: testClinic, Date: testDate}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(part.Key()).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("INSERT INTO clinic_queue_summaries").WithArgs(testClinic, testDate).WillReturnRows(summaryRow(3, 2, 1))
	mock.ExpectExec("INSERT INTO appointments").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SAVEPOINT queue_display").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery("UPDATE clinic_queue_summaries").WithArgs(testClinic, testDate, fixedNow).WillReturnRows(summaryRow(3, 3, 1))
	mock.ExpectExec("UPDATE clinics SET waiting_patients").WithArgs(testClinic, fixedNow).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("RELEASE SAVEPOINT queue_display").WillReturnResult(pgxmock.NewResult("RELEASE", 0))
	mock.ExpectCommit()

	booking, err := store.Book(context.Background(), BookingRequest{ClinicID: testClinic, Date: testDate, Patient: samplePatient()})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if booking.Appointment.QueueNumber != 3 || booking.Appointment.QueuePosition != 3 {
		t.Fatalf("expected ticket 3 at position 3, got %+v", booking.Appointment)
	}
	if booking.Appointment.Status != StatusPending {
		t.Fatalf("expected pending, got %s", booking.Appointment.Status)
	}
	if booking.DisplayErr != nil {
		t.Fatalf("unexpected display error: %v", booking.DisplayErr)
	}
	if booking.Summary.TotalPatientsToday != 3 {
		t.Fatalf("expected total 3, got %d", booking.Summary.TotalPatientsToday)
	}
	if len(outbox.events) != 1 || !outbox.events[0].inTx || outbox.events[0].evt.EventType() != events.TypeAppointmentBooked {
		t.Fatalf("unexpected outbox events: %+v", outbox.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreBookKeepsTicketWhenDisplayUpdateFails(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("INSERT INTO clinic_queue_summaries").WillReturnRows(summaryRow(1, 0, 0))
	mock.ExpectExec("INSERT INTO appointments").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("SAVEPOINT queue_display").WillReturnResult(pgxmock.NewResult("SAVEPOINT", 0))
	mock.ExpectQuery("UPDATE clinic_queue_summaries").WillReturnError(errors.New("statement timeout"))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT queue_display").WillReturnResult(pgxmock.NewResult("ROLLBACK", 0))
	mock.ExpectCommit()

	booking, err := store.Book(context.Background(), BookingRequest{ClinicID: testClinic, Date: testDate, Patient: samplePatient()})
	if err != nil {
		t.Fatalf("book should survive display failure: %v", err)
	}
	if booking.Appointment.QueueNumber != 1 {
		t.Fatalf("expected ticket 1, got %d", booking.Appointment.QueueNumber)
	}
	if booking.DisplayErr == nil {
		t.Fatal("expected display error to be reported")
	}
	if booking.Summary.CurrentQueueNumber != 1 {
		t.Fatalf("expected summary from issuance, got %+v", booking.Summary)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreBookUnknownClinic(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("INSERT INTO clinic_queue_summaries").WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	_, err := store.Book(context.Background(), BookingRequest{ClinicID: testClinic, Date: testDate, Patient: samplePatient()})
	if !errors.Is(err, ErrClinicNotFound) {
		t.Fatalf("expected ErrClinicNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCompletePropagates(t *testing.T) {
	mock, store, outbox := newMockStore(t, CounterPolicy{})
	id := uuid.New()
	part := Partition{ClinicID: testClinic, Date: testDate}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT clinic_id, appointment_date FROM appointments").WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"clinic_id", "appointment_date"}).AddRow(testClinic, testDate))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(part.Key()).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FOR UPDATE").WithArgs(id).WillReturnRows(appointmentRow(id, 1, 1, StatusInProgress))
	mock.ExpectExec("UPDATE appointments\\s+SET status").WithArgs(id, "completed", fixedNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET queue_position = queue_position - 1").
		WithArgs(testClinic, testDate, id, 1, fixedNow, []string{"pending", "confirmed", "in_progress"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectQuery("INSERT INTO clinic_queue_summaries").WithArgs(testClinic, testDate, 1, fixedNow, 1).
		WillReturnRows(summaryRow(3, 2, 1))
	mock.ExpectExec("UPDATE clinics SET waiting_patients = GREATEST").WithArgs(testClinic, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tr, err := store.UpdateStatus(context.Background(), id, StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !tr.Completed() || tr.Propagated != 2 {
		t.Fatalf("unexpected transition: %+v", tr)
	}
	if tr.Summary == nil || tr.Summary.CurrentServingQueueNumber != 1 {
		t.Fatalf("expected now serving 1, got %+v", tr.Summary)
	}
	if tr.Appointment.CompletedAt == nil {
		t.Fatal("expected completed_at to be set")
	}
	if len(outbox.events) != 2 {
		t.Fatalf("expected status and advance events, got %d", len(outbox.events))
	}
	if outbox.events[1].evt.EventType() != events.TypeQueueAdvanced {
		t.Fatalf("expected queue advanced event, got %s", outbox.events[1].evt.EventType())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCompleteBookingsCounterPolicy(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{TotalCountsBookings: true})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT clinic_id, appointment_date FROM appointments").
		WillReturnRows(pgxmock.NewRows([]string{"clinic_id", "appointment_date"}).AddRow(testClinic, testDate))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(appointmentRow(id, 2, 1, StatusPending))
	mock.ExpectExec("UPDATE appointments\\s+SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("SET queue_position = queue_position - 1").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("INSERT INTO clinic_queue_summaries").WithArgs(testClinic, testDate, 2, fixedNow, 0).
		WillReturnRows(summaryRow(2, 2, 2))
	mock.ExpectExec("UPDATE clinics SET waiting_patients").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tr, err := store.UpdateStatus(context.Background(), id, StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Summary.TotalPatientsToday != 2 {
		t.Fatalf("expected bookings total untouched, got %d", tr.Summary.TotalPatientsToday)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCompleteTwiceIsNoop(t *testing.T) {
	mock, store, outbox := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT clinic_id, appointment_date FROM appointments").
		WillReturnRows(pgxmock.NewRows([]string{"clinic_id", "appointment_date"}).AddRow(testClinic, testDate))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(appointmentRow(id, 1, 1, StatusCompleted))
	mock.ExpectRollback()

	tr, err := store.UpdateStatus(context.Background(), id, StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tr.Changed || tr.Propagated != 0 {
		t.Fatalf("expected no-op transition, got %+v", tr)
	}
	if len(outbox.events) != 0 {
		t.Fatalf("expected no events, got %d", len(outbox.events))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreRejectsInvalidTransition(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT clinic_id, appointment_date FROM appointments").
		WillReturnRows(pgxmock.NewRows([]string{"clinic_id", "appointment_date"}).AddRow(testClinic, testDate))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(appointmentRow(id, 1, 1, StatusCompleted))
	mock.ExpectRollback()

	if _, err := store.UpdateStatus(context.Background(), id, StatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCancelDecrementsWaiting(t *testing.T) {
	mock, store, outbox := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT clinic_id, appointment_date FROM appointments").
		WillReturnRows(pgxmock.NewRows([]string{"clinic_id", "appointment_date"}).AddRow(testClinic, testDate))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("FOR UPDATE").WillReturnRows(appointmentRow(id, 4, 2, StatusConfirmed))
	mock.ExpectExec("UPDATE appointments\\s+SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE clinics SET waiting_patients = GREATEST").WithArgs(testClinic, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tr, err := store.UpdateStatus(context.Background(), id, StatusCancelled)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if tr.Summary != nil || tr.Propagated != 0 {
		t.Fatalf("cancel must not touch the queue: %+v", tr)
	}
	if len(outbox.events) != 1 {
		t.Fatalf("expected a single status event, got %d", len(outbox.events))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreUpdateStatusNotFound(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT clinic_id, appointment_date FROM appointments").WithArgs(id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if _, err := store.UpdateStatus(context.Background(), id, StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCountAhead(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	mock.ExpectQuery("SELECT COUNT").WithArgs(id, []string{"pending", "confirmed", "in_progress"}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))

	ahead, err := store.CountAhead(context.Background(), id)
	if err != nil {
		t.Fatalf("count ahead: %v", err)
	}
	if ahead != 1 {
		t.Fatalf("expected 1 ahead, got %d", ahead)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreCountAheadIncludesCancelledTicket(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	// Only a completed target short-circuits; a cancelled one still counts
	// the waiting tickets in front of it.
	mock.ExpectQuery(`t.status <> 'completed'\s+AND a.status = ANY\(\$2\)`).
		WithArgs(id, []string{"pending", "confirmed", "in_progress"}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	ahead, err := store.CountAhead(context.Background(), id)
	if err != nil {
		t.Fatalf("count ahead: %v", err)
	}
	if ahead != 2 {
		t.Fatalf("expected 2 ahead, got %d", ahead)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreSummaryMissingRowIsZero(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})

	mock.ExpectQuery("FROM clinic_queue_summaries").WithArgs(testClinic, testDate).WillReturnError(pgx.ErrNoRows)

	summary, err := store.Summary(context.Background(), testClinic, testDate)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.CurrentQueueNumber != 0 || summary.CurrentServingQueueNumber != 0 || summary.TotalPatientsToday != 0 {
		t.Fatalf("expected zero summary, got %+v", summary)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStoreGetAndList(t *testing.T) {
	mock, store, _ := newMockStore(t, CounterPolicy{})
	id := uuid.New()

	mock.ExpectQuery("FROM appointments WHERE id").WithArgs(id).WillReturnRows(appointmentRow(id, 2, 1, StatusPending))
	appt, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if appt.ID != id || appt.QueueNumber != 2 || appt.Patient.Name != "Mona" {
		t.Fatalf("unexpected appointment: %+v", appt)
	}

	mock.ExpectQuery("ORDER BY queue_number").WithArgs(testClinic, testDate).WillReturnRows(appointmentRow(id, 2, 1, StatusPending))
	list, err := store.ListQueue(context.Background(), testClinic, testDate)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("unexpected list: %+v", list)
	}

	missing := uuid.New()
	mock.ExpectQuery("FROM appointments WHERE id").WithArgs(missing).WillReturnError(pgx.ErrNoRows)
	if _, err := store.Get(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
