package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/wolfman30/city-services/internal/events"
	"github.com/wolfman30/city-services/pkg/logging"
)

// PgxPool is the subset of *pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// OutboxWriter records queue events inside the caller's transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, q events.Execer, clinicID string, evt events.CanonicalEvent) (uuid.UUID, error)
}

const pgForeignKeyViolation = "23503"

const appointmentColumns = `id, clinic_id, appointment_date, queue_number, queue_position, status,
		patient_name, patient_phone, patient_age, patient_gender,
		patient_medical_history, patient_notes, created_at, updated_at, completed_at`

// PGStore is the Postgres-backed Store. Every write takes a transaction
// scoped advisory lock on the (clinic, date) partition before touching the
// summary row or any appointment, so bookings and completions for one queue
// are applied strictly one at a time.
type PGStore struct {
	pool   PgxPool
	policy CounterPolicy
	outbox OutboxWriter
	logger *logging.Logger
	now    func() time.Time
}

func NewPGStore(pool PgxPool, policy CounterPolicy, outbox OutboxWriter, logger *logging.Logger) *PGStore {
	if pool == nil {
		panic("queue: pgx pool required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PGStore{
		pool:   pool,
		policy: policy,
		outbox: outbox,
		logger: logger,
		now:    time.Now,
	}
}

func lockPartition(ctx context.Context, tx pgx.Tx, p Partition) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, p.Key()); err != nil {
		return fmt.Errorf("queue: lock partition: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation
}

func (s *PGStore) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin booking: %w", err)
	}
	defer tx.Rollback(ctx)

	part := Partition{ClinicID: req.ClinicID, Date: req.Date}
	if err := lockPartition(ctx, tx, part); err != nil {
		return nil, err
	}

	var summary Summary
	summary.ClinicID = req.ClinicID
	summary.Date = req.Date
	err = tx.QueryRow(ctx, `
		INSERT INTO clinic_queue_summaries (clinic_id, queue_date, current_queue_number, version)
		VALUES ($1, $2, 1, 1)
		ON CONFLICT (clinic_id, queue_date) DO UPDATE
		SET current_queue_number = clinic_queue_summaries.current_queue_number + 1,
		    version = clinic_queue_summaries.version + 1
		RETURNING current_queue_number, total_patients_today, current_serving_queue_number, last_updated, version
	`, req.ClinicID, req.Date).Scan(
		&summary.CurrentQueueNumber, &summary.TotalPatientsToday,
		&summary.CurrentServingQueueNumber, &summary.LastUpdated, &summary.Version)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrClinicNotFound
		}
		return nil, fmt.Errorf("queue: issue queue number: %w", err)
	}

	now := s.now().UTC()
	appt := &Appointment{
		ID:            uuid.New(),
		ClinicID:      req.ClinicID,
		Date:          req.Date,
		QueueNumber:   summary.CurrentQueueNumber,
		QueuePosition: summary.CurrentQueueNumber,
		Status:        StatusPending,
		Patient:       req.Patient,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (id, clinic_id, appointment_date, queue_number, queue_position, status,
			patient_name, patient_phone, patient_age, patient_gender,
			patient_medical_history, patient_notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`, appt.ID, appt.ClinicID, appt.Date, appt.QueueNumber, appt.QueuePosition, string(appt.Status),
		appt.Patient.Name, appt.Patient.Phone, appt.Patient.Age, appt.Patient.Gender,
		nullText(appt.Patient.MedicalHistory), nullText(appt.Patient.Notes), now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrClinicNotFound
		}
		return nil, fmt.Errorf("queue: insert appointment: %w", err)
	}

	booking := &Booking{Appointment: appt}
	booking.DisplayErr = s.bumpDisplayCounters(ctx, tx, &summary, now)
	if booking.DisplayErr != nil {
		s.logger.Partition(req.ClinicID.String(), DateKey(req.Date)).Warn("queue display counters not updated",
			"error", booking.DisplayErr, "appointment_id", appt.ID, "queue_number", appt.QueueNumber)
	}
	booking.Summary = summary

	if s.outbox != nil {
		evt := events.AppointmentBookedV1{
			AppointmentID: appt.ID.String(),
			ClinicID:      appt.ClinicID.String(),
			QueueDate:     DateKey(appt.Date),
			QueueNumber:   appt.QueueNumber,
			OccurredAt:    now,
		}
		if _, err := s.outbox.Insert(ctx, tx, appt.ClinicID.String(), evt); err != nil {
			return nil, fmt.Errorf("queue: record booking event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit booking: %w", err)
	}
	return booking, nil
}

// bumpDisplayCounters refreshes total_patients_today and the clinic's waiting
// counter under a savepoint. A failure here rolls back only the counters; the
// issued ticket and the appointment row still commit.
func (s *PGStore) bumpDisplayCounters(ctx context.Context, tx pgx.Tx, summary *Summary, now time.Time) error {
	if _, err := tx.Exec(ctx, `SAVEPOINT queue_display`); err != nil {
		return fmt.Errorf("queue: savepoint: %w", err)
	}

	updated := *summary
	err := tx.QueryRow(ctx, `
		UPDATE clinic_queue_summaries
		SET total_patients_today = total_patients_today + 1, last_updated = $3, version = version + 1
		WHERE clinic_id = $1 AND queue_date = $2
		RETURNING current_queue_number, total_patients_today, current_serving_queue_number, last_updated, version
	`, summary.ClinicID, summary.Date, now).Scan(
		&updated.CurrentQueueNumber, &updated.TotalPatientsToday,
		&updated.CurrentServingQueueNumber, &updated.LastUpdated, &updated.Version)
	if err == nil {
		_, err = tx.Exec(ctx, `
			UPDATE clinics SET waiting_patients = waiting_patients + 1, updated_at = $2
			WHERE id = $1
		`, summary.ClinicID, now)
	}
	if err != nil {
		if _, rbErr := tx.Exec(ctx, `ROLLBACK TO SAVEPOINT queue_display`); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if _, err := tx.Exec(ctx, `RELEASE SAVEPOINT queue_display`); err != nil {
		return fmt.Errorf("queue: release savepoint: %w", err)
	}
	*summary = updated
	return nil
}

func nullText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a           Appointment
		status      string
		history     pgtype.Text
		notes       pgtype.Text
		completedAt pgtype.Timestamptz
	)
	err := row.Scan(&a.ID, &a.ClinicID, &a.Date, &a.QueueNumber, &a.QueuePosition, &status,
		&a.Patient.Name, &a.Patient.Phone, &a.Patient.Age, &a.Patient.Gender,
		&history, &notes, &a.CreatedAt, &a.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if history.Valid {
		a.Patient.MedicalHistory = history.String
	}
	if notes.Valid {
		a.Patient.Notes = notes.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return &a, nil
}

func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: get appointment: %w", err)
	}
	return appt, nil
}

func (s *PGStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Transition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: begin status update: %w", err)
	}
	defer tx.Rollback(ctx)

	var part Partition
	err = tx.QueryRow(ctx, `SELECT clinic_id, appointment_date FROM appointments WHERE id = $1`, id).
		Scan(&part.ClinicID, &part.Date)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: locate appointment: %w", err)
	}
	if err := lockPartition(ctx, tx, part); err != nil {
		return nil, err
	}

	appt, err := scanAppointment(tx.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("queue: load appointment: %w", err)
	}

	tr := &Transition{From: appt.Status, To: status}
	if appt.Status == status {
		tr.Appointment = appt
		return tr, nil
	}
	if !CanTransition(appt.Status, status) {
		return nil, ErrInvalidTransition
	}

	now := s.now().UTC()
	appt.Status = status
	appt.UpdatedAt = now
	tr.Changed = true

	var completedAt pgtype.Timestamptz
	if status == StatusCompleted {
		appt.CompletedAt = &now
		completedAt = pgtype.Timestamptz{Time: now, Valid: true}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = $3, completed_at = COALESCE($4, completed_at)
		WHERE id = $1
	`, id, string(status), now, completedAt); err != nil {
		return nil, fmt.Errorf("queue: update status: %w", err)
	}

	switch status {
	case StatusCompleted:
		if err := s.propagateCompletion(ctx, tx, appt, tr, now); err != nil {
			return nil, err
		}
	case StatusCancelled:
		if err := adjustWaiting(ctx, tx, appt.ClinicID, now); err != nil {
			return nil, err
		}
	}

	if s.outbox != nil {
		if err := s.recordTransition(ctx, tx, tr, appt, now); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("queue: commit status update: %w", err)
	}
	tr.Appointment = appt
	return tr, nil
}

// propagateCompletion moves every waiting appointment behind appt up by one
// and advances the now-serving pointer.
func (s *PGStore) propagateCompletion(ctx context.Context, tx pgx.Tx, appt *Appointment, tr *Transition, now time.Time) error {
	ct, err := tx.Exec(ctx, `
		UPDATE appointments
		SET queue_position = queue_position - 1, updated_at = $5
		WHERE clinic_id = $1 AND appointment_date = $2 AND id <> $3
		  AND status = ANY($6) AND queue_position > $4
	`, appt.ClinicID, appt.Date, appt.ID, appt.QueuePosition, now, waitingStatusNames())
	if err != nil {
		return fmt.Errorf("queue: propagate positions: %w", err)
	}
	tr.Propagated = ct.RowsAffected()

	summary := Summary{ClinicID: appt.ClinicID, Date: appt.Date}
	err = tx.QueryRow(ctx, `
		INSERT INTO clinic_queue_summaries (clinic_id, queue_date, current_queue_number, current_serving_queue_number, last_updated, version)
		VALUES ($1, $2, $3, $3, $4, 1)
		ON CONFLICT (clinic_id, queue_date) DO UPDATE
		SET current_serving_queue_number = EXCLUDED.current_serving_queue_number,
		    total_patients_today = GREATEST(clinic_queue_summaries.total_patients_today - $5, 0),
		    last_updated = EXCLUDED.last_updated,
		    version = clinic_queue_summaries.version + 1
		RETURNING current_queue_number, total_patients_today, current_serving_queue_number, last_updated, version
	`, appt.ClinicID, appt.Date, appt.QueueNumber, now, s.policy.completionDecrement()).Scan(
		&summary.CurrentQueueNumber, &summary.TotalPatientsToday,
		&summary.CurrentServingQueueNumber, &summary.LastUpdated, &summary.Version)
	if err != nil {
		return fmt.Errorf("queue: advance now serving: %w", err)
	}
	tr.Summary = &summary

	return adjustWaiting(ctx, tx, appt.ClinicID, now)
}

func adjustWaiting(ctx context.Context, tx pgx.Tx, clinicID uuid.UUID, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE clinics SET waiting_patients = GREATEST(waiting_patients - 1, 0), updated_at = $2
		WHERE id = $1
	`, clinicID, now); err != nil {
		return fmt.Errorf("queue: update waiting patients: %w", err)
	}
	return nil
}

func (s *PGStore) recordTransition(ctx context.Context, tx pgx.Tx, tr *Transition, appt *Appointment, now time.Time) error {
	clinicID := appt.ClinicID.String()
	changed := events.AppointmentStatusChangedV1{
		AppointmentID: appt.ID.String(),
		ClinicID:      clinicID,
		QueueDate:     DateKey(appt.Date),
		QueueNumber:   appt.QueueNumber,
		From:          string(tr.From),
		To:            string(tr.To),
		OccurredAt:    now,
	}
	if _, err := s.outbox.Insert(ctx, tx, clinicID, changed); err != nil {
		return fmt.Errorf("queue: record status event: %w", err)
	}
	if tr.Summary == nil {
		return nil
	}
	advanced := events.QueueAdvancedV1{
		ClinicID:           clinicID,
		QueueDate:          DateKey(appt.Date),
		NowServing:         tr.Summary.CurrentServingQueueNumber,
		PositionsAdvanced:  tr.Propagated,
		TotalPatientsToday: tr.Summary.TotalPatientsToday,
		OccurredAt:         now,
	}
	if _, err := s.outbox.Insert(ctx, tx, clinicID, advanced); err != nil {
		return fmt.Errorf("queue: record advance event: %w", err)
	}
	return nil
}

func waitingStatusNames() []string {
	out := make([]string, len(waitingStatuses))
	for i, st := range waitingStatuses {
		out[i] = string(st)
	}
	return out
}

func (s *PGStore) CountAhead(ctx context.Context, id uuid.UUID) (int, error) {
	var ahead int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(a.id)
		FROM appointments t
		JOIN appointments a
		  ON a.clinic_id = t.clinic_id AND a.appointment_date = t.appointment_date
		WHERE t.id = $1
		  AND t.status <> 'completed'
		  AND a.status = ANY($2)
		  AND a.queue_position < t.queue_position
	`, id, waitingStatusNames()).Scan(&ahead)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: count ahead: %w", err)
	}
	return ahead, nil
}

func (s *PGStore) Summary(ctx context.Context, clinicID uuid.UUID, date time.Time) (*Summary, error) {
	summary := &Summary{ClinicID: clinicID, Date: date}
	err := s.pool.QueryRow(ctx, `
		SELECT current_queue_number, total_patients_today, current_serving_queue_number, last_updated, version
		FROM clinic_queue_summaries
		WHERE clinic_id = $1 AND queue_date = $2
	`, clinicID, date).Scan(
		&summary.CurrentQueueNumber, &summary.TotalPatientsToday,
		&summary.CurrentServingQueueNumber, &summary.LastUpdated, &summary.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return summary, nil
		}
		return nil, fmt.Errorf("queue: get summary: %w", err)
	}
	return summary, nil
}

func (s *PGStore) ListQueue(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1 AND appointment_date = $2
		ORDER BY queue_number
	`, clinicID, date)
	if err != nil {
		return nil, fmt.Errorf("queue: list queue: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan appointment: %w", err)
		}
		out = append(out, appt)
	}
	return out, rows.Err()
}
