package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/city-services/internal/observability/metrics"
	"github.com/wolfman30/city-services/pkg/logging"
)

// Service is the queue entry point used by HTTP handlers. Writes go through
// the Store; the Redis display copy and idempotency keys are best effort.
type Service struct {
	store   Store
	display *DisplayCache
	idem    *IdempotencyStore
	metrics *metrics.QueueMetrics
	logger  *logging.Logger
	tracer  trace.Tracer
	loc     *time.Location
	now     func() time.Time
}

func NewService(store Store, logger *logging.Logger) *Service {
	if store == nil {
		panic("queue: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("city.internal.queue"),
		loc:    time.UTC,
		now:    time.Now,
	}
}

func (s *Service) WithDisplay(cache *DisplayCache) *Service {
	s.display = cache
	return s
}

func (s *Service) WithIdempotency(store *IdempotencyStore) *Service {
	s.idem = store
	return s
}

func (s *Service) WithMetrics(m *metrics.QueueMetrics) *Service {
	s.metrics = m
	return s
}

// WithLocation sets the timezone that decides which calendar day "today" is.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithTracer(tracer trace.Tracer) *Service {
	if tracer != nil {
		s.tracer = tracer
	}
	return s
}

// Today returns the current queue day in the service timezone.
func (s *Service) Today() time.Time {
	return Day(s.now(), s.loc)
}

func (s *Service) observe(op string, start time.Time) {
	s.metrics.ObserveLatency(op, time.Since(start).Seconds())
}

// Book validates the patient and issues today's next ticket for the clinic.
// A non-empty idempotency key returns the earlier booking on replay.
func (s *Service) Book(ctx context.Context, clinicID uuid.UUID, patient Patient, idempotencyKey string) (*Booking, error) {
	ctx, span := s.tracer.Start(ctx, "queue.book", trace.WithAttributes(
		attribute.String("city.clinic_id", clinicID.String()),
	))
	defer span.End()
	defer s.observe("book", time.Now())

	if err := patient.Validate(); err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}

	date := s.Today()
	log := s.logger.Partition(clinicID.String(), DateKey(date))
	idempotencyKey = strings.TrimSpace(idempotencyKey)

	reserved := false
	if s.idem != nil && idempotencyKey != "" {
		existing, ok, err := s.idem.Reserve(ctx, clinicID, idempotencyKey)
		switch {
		case errors.Is(err, ErrBookingInFlight):
			s.metrics.ObserveBooking("in_flight")
			return nil, err
		case err != nil:
			log.Warn("idempotency unavailable, booking without it", "error", err)
		case !ok:
			appt, err := s.store.Get(ctx, existing)
			if err != nil {
				span.RecordError(err)
				return nil, err
			}
			s.metrics.ObserveBooking("replayed")
			return &Booking{Appointment: appt, Replayed: true}, nil
		default:
			reserved = true
		}
	}

	booking, err := s.store.Book(ctx, BookingRequest{ClinicID: clinicID, Date: date, Patient: patient})
	if err != nil {
		span.RecordError(err)
		s.metrics.ObserveBooking("error")
		if reserved {
			if relErr := s.idem.Release(ctx, clinicID, idempotencyKey); relErr != nil {
				log.Warn("failed to release idempotency key", "error", relErr)
			}
		}
		log.Error("booking failed", "error", err)
		return nil, err
	}

	if booking.DisplayErr != nil {
		s.metrics.ObserveSummaryRefreshFailure("store")
	} else {
		s.refreshDisplay(ctx, booking.Summary)
	}
	if reserved {
		if err := s.idem.Complete(ctx, clinicID, idempotencyKey, booking.Appointment.ID); err != nil {
			log.Warn("failed to record idempotency key", "error", err)
			if relErr := s.idem.Release(ctx, clinicID, idempotencyKey); relErr != nil {
				log.Warn("failed to release idempotency key", "error", relErr)
			}
		}
	}

	s.metrics.ObserveBooking("ok")
	span.SetAttributes(attribute.Int("city.queue_number", booking.Appointment.QueueNumber))
	log.Info("appointment booked",
		"appointment_id", booking.Appointment.ID,
		"queue_number", booking.Appointment.QueueNumber,
	)
	return booking, nil
}

func (s *Service) refreshDisplay(ctx context.Context, summary Summary) {
	if s.display == nil {
		return
	}
	if _, err := s.display.Store(ctx, summary); err != nil {
		s.metrics.ObserveSummaryRefreshFailure("cache")
		s.logger.Partition(summary.ClinicID.String(), DateKey(summary.Date)).
			Warn("display cache refresh failed", "error", err)
	}
}

// UpdateStatus applies a status write. Completing an appointment propagates
// positions for everyone behind it.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Transition, error) {
	ctx, span := s.tracer.Start(ctx, "queue.update_status", trace.WithAttributes(
		attribute.String("city.appointment_id", id.String()),
		attribute.String("city.status", string(status)),
	))
	defer span.End()
	defer s.observe("update_status", time.Now())

	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	tr, err := s.store.UpdateStatus(ctx, id, status)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) {
			span.RecordError(err)
			s.logger.Error("status update failed", "error", err, "appointment_id", id, "status", status)
		}
		return nil, err
	}
	if !tr.Changed {
		return tr, nil
	}

	s.metrics.ObserveStatusChange(string(tr.From), string(tr.To))
	s.metrics.ObservePropagated(tr.Propagated)
	if tr.Summary != nil {
		s.refreshDisplay(ctx, *tr.Summary)
	}

	appt := tr.Appointment
	s.logger.Partition(appt.ClinicID.String(), DateKey(appt.Date)).Info("appointment status changed",
		"appointment_id", appt.ID,
		"queue_number", appt.QueueNumber,
		"from", tr.From,
		"to", tr.To,
		"propagated", tr.Propagated,
	)
	return tr, nil
}

// Complete marks an appointment completed. Unknown ids and repeated
// completions are no-ops.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Transition, error) {
	tr, err := s.UpdateStatus(ctx, id, StatusCompleted)
	if errors.Is(err, ErrNotFound) {
		return &Transition{To: StatusCompleted}, nil
	}
	return tr, err
}

// PatientsAhead returns how many waiting patients are in front of id.
func (s *Service) PatientsAhead(ctx context.Context, id uuid.UUID) (int, error) {
	ctx, span := s.tracer.Start(ctx, "queue.patients_ahead")
	defer span.End()

	n, err := s.store.CountAhead(ctx, id)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.store.Get(ctx, id)
}

// Position combines the patient's place in line with the now-serving number.
// Failures reading either degrade to Known=false instead of an error.
func (s *Service) Position(ctx context.Context, id uuid.UUID) (*Position, error) {
	ctx, span := s.tracer.Start(ctx, "queue.position")
	defer span.End()

	appt, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	pos := &Position{Appointment: appt, Known: true}

	ahead, err := s.store.CountAhead(ctx, id)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("position unknown", "error", err, "appointment_id", id)
		pos.Known = false
	} else {
		pos.Ahead = ahead
	}

	summary, err := s.NowServing(ctx, appt.ClinicID, appt.Date)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("now serving unknown", "error", err, "appointment_id", id)
		pos.Known = false
	} else {
		pos.NowServing = summary.CurrentServingQueueNumber
	}
	return pos, nil
}

// NowServing returns the partition summary, preferring the display cache.
func (s *Service) NowServing(ctx context.Context, clinicID uuid.UUID, date time.Time) (*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "queue.now_serving", trace.WithAttributes(
		attribute.String("city.clinic_id", clinicID.String()),
	))
	defer span.End()

	if s.display != nil {
		cached, ok, err := s.display.Load(ctx, clinicID, date)
		if err != nil {
			s.logger.Warn("display cache read failed", "error", err, "clinic_id", clinicID)
		} else if ok {
			return cached, nil
		}
	}

	summary, err := s.store.Summary(ctx, clinicID, date)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if summary.CurrentQueueNumber > 0 {
		s.refreshDisplay(ctx, *summary)
	}
	return summary, nil
}

func (s *Service) Queue(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error) {
	ctx, span := s.tracer.Start(ctx, "queue.list")
	defer span.End()

	list, err := s.store.ListQueue(ctx, clinicID, date)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return list, nil
}
