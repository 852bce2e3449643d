// Package clinic serves clinic reference data and daily queue statistics.
package clinic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var ErrNotFound = errors.New("clinic: not found")

// Clinic is a health-center clinic patients can queue at.
type Clinic struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	DoctorName      string    `json:"doctor_name"`
	Specialty       string    `json:"specialty"`
	Address         string    `json:"address"`
	Phone           string    `json:"phone"`
	FeeCents        int64     `json:"fee_cents"`
	Services        []string  `json:"services"`
	WaitingPatients int       `json:"waiting_patients"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Directory reads clinics over database/sql. Clinic rows are owned by the
// admin tooling; the queue only touches waiting_patients.
type Directory struct {
	db *sql.DB
}

func NewDirectory(db *sql.DB) *Directory {
	if db == nil {
		panic("clinic: sql db required")
	}
	return &Directory{db: db}
}

const clinicColumns = `id, name, doctor_name, specialty, address, phone, fee_cents, services,
		       waiting_patients, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClinic(row rowScanner) (*Clinic, error) {
	var c Clinic
	if err := row.Scan(&c.ID, &c.Name, &c.DoctorName, &c.Specialty, &c.Address, &c.Phone,
		&c.FeeCents, pq.Array(&c.Services), &c.WaitingPatients, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if c.Services == nil {
		c.Services = []string{}
	}
	return &c, nil
}

func (d *Directory) List(ctx context.Context) ([]Clinic, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("clinic: list: %w", err)
	}
	defer rows.Close()

	out := []Clinic{}
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, fmt.Errorf("clinic: scan: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (d *Directory) Get(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics WHERE id = $1`, id)
	c, err := scanClinic(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get: %w", err)
	}
	return c, nil
}

// WithQueueOn returns the clinics that issued at least one ticket on date.
func (d *Directory) WithQueueOn(ctx context.Context, date time.Time) ([]uuid.UUID, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT clinic_id FROM clinic_queue_summaries
		WHERE queue_date = $1 AND current_queue_number > 0
		ORDER BY clinic_id`, date)
	if err != nil {
		return nil, fmt.Errorf("clinic: clinics with queue: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("clinic: scan clinic id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
