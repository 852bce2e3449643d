package clinic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DailyStats summarizes one clinic's queue for one day.
type DailyStats struct {
	ClinicID           string  `json:"clinic_id"`
	QueueDate          string  `json:"queue_date"`
	Booked             int64   `json:"booked"`
	Completed          int64   `json:"completed"`
	Cancelled          int64   `json:"cancelled"`
	Waiting            int64   `json:"waiting"`
	NowServing         int     `json:"now_serving"`
	AvgMinutesToFinish float64 `json:"avg_minutes_to_finish"`
}

// statsDB defines the database interface needed by StatsRepository
type statsDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StatsRepository queries clinic queue metrics.
type StatsRepository struct {
	db statsDB
}

func NewStatsRepository(pool *pgxpool.Pool) *StatsRepository {
	if pool == nil {
		panic("clinic: pgx pool required for stats")
	}
	return &StatsRepository{db: pool}
}

// NewStatsRepositoryWithDB allows injecting a mock database for testing.
func NewStatsRepositoryWithDB(db statsDB) *StatsRepository {
	return &StatsRepository{db: db}
}

func (r *StatsRepository) Daily(ctx context.Context, clinicID uuid.UUID, date time.Time) (*DailyStats, error) {
	stats := &DailyStats{ClinicID: clinicID.String(), QueueDate: date.Format(time.DateOnly)}

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'cancelled'),
		       COUNT(*) FILTER (WHERE status IN ('pending', 'confirmed', 'in_progress')),
		       COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - created_at)) / 60, 0)::float8
		FROM appointments
		WHERE clinic_id = $1 AND appointment_date = $2
	`, clinicID, date).Scan(&stats.Booked, &stats.Completed, &stats.Cancelled, &stats.Waiting, &stats.AvgMinutesToFinish)
	if err != nil {
		return nil, fmt.Errorf("clinic stats: count appointments: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT current_serving_queue_number FROM clinic_queue_summaries
		WHERE clinic_id = $1 AND queue_date = $2
	`, clinicID, date).Scan(&stats.NowServing)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("clinic stats: now serving: %w", err)
	}
	return stats, nil
}
