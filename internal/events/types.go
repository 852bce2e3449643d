package events

import "time"

// CanonicalEvent is a versioned queue event stored in the outbox.
type CanonicalEvent interface {
	EventType() string
}

const (
	TypeAppointmentBooked        = "queue.appointment.booked.v1"
	TypeAppointmentStatusChanged = "queue.appointment.status_changed.v1"
	TypeQueueAdvanced            = "queue.advanced.v1"
)

type AppointmentBookedV1 struct {
	AppointmentID string    `json:"appointment_id"`
	ClinicID      string    `json:"clinic_id"`
	QueueDate     string    `json:"queue_date"`
	QueueNumber   int       `json:"queue_number"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (AppointmentBookedV1) EventType() string { return TypeAppointmentBooked }

type AppointmentStatusChangedV1 struct {
	AppointmentID string    `json:"appointment_id"`
	ClinicID      string    `json:"clinic_id"`
	QueueDate     string    `json:"queue_date"`
	QueueNumber   int       `json:"queue_number"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (AppointmentStatusChangedV1) EventType() string { return TypeAppointmentStatusChanged }

// QueueAdvancedV1 is emitted when a completion moves the now-serving pointer.
type QueueAdvancedV1 struct {
	ClinicID           string    `json:"clinic_id"`
	QueueDate          string    `json:"queue_date"`
	NowServing         int       `json:"now_serving"`
	PositionsAdvanced  int64     `json:"positions_advanced"`
	TotalPatientsToday int       `json:"total_patients_today"`
	OccurredAt         time.Time `json:"occurred_at"`
}

func (QueueAdvancedV1) EventType() string { return TypeQueueAdvanced }
