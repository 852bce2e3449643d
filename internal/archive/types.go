package archive

import "time"

const LedgerVersion = "1.0"

// Ledger is the end-of-day record of one clinic queue. It carries ticket
// order and outcomes only; patient details stay in the database.
type Ledger struct {
	Version            string        `json:"version"`
	ClinicID           string        `json:"clinic_id"`
	QueueDate          string        `json:"queue_date"`
	ExportedAt         time.Time     `json:"exported_at"`
	CurrentQueueNumber int           `json:"current_queue_number"`
	TotalPatientsToday int           `json:"total_patients_today"`
	NowServing         int           `json:"now_serving"`
	Entries            []LedgerEntry `json:"entries"`
}

type LedgerEntry struct {
	AppointmentID string     `json:"appointment_id"`
	QueueNumber   int        `json:"queue_number"`
	QueuePosition int        `json:"queue_position"`
	Status        string     `json:"status"`
	BookedAt      time.Time  `json:"booked_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ManifestEntry is one JSONL line in the monthly manifest.
type ManifestEntry struct {
	ClinicID   string `json:"clinic_id"`
	QueueDate  string `json:"queue_date"`
	S3Key      string `json:"s3_key"`
	Tickets    int    `json:"tickets"`
	Completed  int    `json:"completed"`
	Cancelled  int    `json:"cancelled"`
	ExportedAt string `json:"exported_at"`
}
