package clinic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clinicCols = []string{"id", "name", "doctor_name", "specialty", "address", "phone", "fee_cents",
	"services", "waiting_patients", "created_at", "updated_at"}

func TestDirectoryList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	id := uuid.New()
	mock.ExpectQuery("FROM clinics ORDER BY name").WillReturnRows(
		sqlmock.NewRows(clinicCols).
			AddRow(id.String(), "Downtown Pediatrics", "Dr. Salma", "pediatrics", "12 Nile St", "+20221234567",
				int64(15000), "{vaccination,checkup}", 4, now, now).
			AddRow(uuid.NewString(), "Eye Care", "Dr. Omar", "ophthalmology", "", "", int64(0), nil, 0, now, now),
	)

	clinics, err := NewDirectory(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, clinics, 2)
	assert.Equal(t, id, clinics[0].ID)
	assert.Equal(t, []string{"vaccination", "checkup"}, clinics[0].Services)
	assert.Equal(t, 4, clinics[0].WaitingPatients)
	assert.Equal(t, []string{}, clinics[1].Services)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := uuid.New()
	mock.ExpectQuery("FROM clinics WHERE id").WithArgs(id).WillReturnRows(sqlmock.NewRows(clinicCols))

	_, err = NewDirectory(db).Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDirectoryGetError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM clinics WHERE id").WillReturnError(errors.New("conn refused"))
	_, err = NewDirectory(db).Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDirectoryWithQueueOn(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	a, b := uuid.New(), uuid.New()
	mock.ExpectQuery("FROM clinic_queue_summaries").WithArgs(date).
		WillReturnRows(sqlmock.NewRows([]string{"clinic_id"}).AddRow(a.String()).AddRow(b.String()))

	ids, err := NewDirectory(db).WithQueueOn(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a, b}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}
