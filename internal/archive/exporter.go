package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/city-services/internal/queue"
)

// QueueReader is the read side of queue.Store used for exports.
type QueueReader interface {
	Summary(ctx context.Context, clinicID uuid.UUID, date time.Time) (*queue.Summary, error)
	ListQueue(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*queue.Appointment, error)
}

// Exporter turns a finished clinic day into a ledger object.
type Exporter struct {
	store *Store
	queue QueueReader
	now   func() time.Time
}

func NewExporter(store *Store, q QueueReader) *Exporter {
	return &Exporter{store: store, queue: q, now: time.Now}
}

// BuildLedger snapshots a queue in ticket order.
func BuildLedger(summary *queue.Summary, appts []*queue.Appointment, exportedAt time.Time) *Ledger {
	ledger := &Ledger{
		Version:            LedgerVersion,
		ClinicID:           summary.ClinicID.String(),
		QueueDate:          queue.DateKey(summary.Date),
		ExportedAt:         exportedAt.UTC(),
		CurrentQueueNumber: summary.CurrentQueueNumber,
		TotalPatientsToday: summary.TotalPatientsToday,
		NowServing:         summary.CurrentServingQueueNumber,
		Entries:            make([]LedgerEntry, 0, len(appts)),
	}
	for _, a := range appts {
		ledger.Entries = append(ledger.Entries, LedgerEntry{
			AppointmentID: a.ID.String(),
			QueueNumber:   a.QueueNumber,
			QueuePosition: a.QueuePosition,
			Status:        string(a.Status),
			BookedAt:      a.CreatedAt,
			CompletedAt:   a.CompletedAt,
		})
	}
	return ledger
}

func (e *Exporter) Export(ctx context.Context, clinicID uuid.UUID, date time.Time) (*ManifestEntry, error) {
	summary, err := e.queue.Summary(ctx, clinicID, date)
	if err != nil {
		return nil, fmt.Errorf("archive: load summary: %w", err)
	}
	appts, err := e.queue.ListQueue(ctx, clinicID, date)
	if err != nil {
		return nil, fmt.Errorf("archive: load queue: %w", err)
	}
	return e.store.PutLedger(ctx, BuildLedger(summary, appts, e.now()), date)
}
