package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps queues in process. Every partition has its own mutex, so
// bookings and completions for one clinic/day are serialized while other
// partitions proceed in parallel.
type MemoryStore struct {
	mu         sync.Mutex
	partitions map[string]*memPartition
	index      map[uuid.UUID]*memPartition
	waiting    map[uuid.UUID]int

	policy CounterPolicy
	now    func() time.Time
}

type memPartition struct {
	mu      sync.Mutex
	summary Summary
	appts   []*Appointment
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(policy CounterPolicy) *MemoryStore {
	return &MemoryStore{
		partitions: make(map[string]*memPartition),
		index:      make(map[uuid.UUID]*memPartition),
		waiting:    make(map[uuid.UUID]int),
		policy:     policy,
		now:        time.Now,
	}
}

// WaitingPatients returns the clinic's waiting_patients counter.
func (s *MemoryStore) WaitingPatients(clinicID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting[clinicID]
}

func (s *MemoryStore) partition(p Partition, create bool) *memPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.Key()
	part, ok := s.partitions[key]
	if !ok && create {
		part = &memPartition{summary: Summary{ClinicID: p.ClinicID, Date: p.Date}}
		s.partitions[key] = part
	}
	return part
}

func (s *MemoryStore) lookup(id uuid.UUID) *memPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[id]
}

func (s *MemoryStore) addWaiting(clinicID uuid.UUID, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.waiting[clinicID] + delta
	if n < 0 {
		n = 0
	}
	s.waiting[clinicID] = n
}

func (s *MemoryStore) Book(ctx context.Context, req BookingRequest) (*Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	part := s.partition(Partition{ClinicID: req.ClinicID, Date: req.Date}, true)
	part.mu.Lock()
	defer part.mu.Unlock()

	now := s.now().UTC()
	next := part.summary.CurrentQueueNumber + 1
	appt := &Appointment{
		ID:            uuid.New(),
		ClinicID:      req.ClinicID,
		Date:          req.Date,
		QueueNumber:   next,
		QueuePosition: next,
		Status:        StatusPending,
		Patient:       req.Patient,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	part.appts = append(part.appts, appt)
	part.summary.CurrentQueueNumber = next
	part.summary.TotalPatientsToday++
	part.summary.LastUpdated = now
	part.summary.Version++

	s.mu.Lock()
	s.index[appt.ID] = part
	s.mu.Unlock()
	s.addWaiting(req.ClinicID, 1)

	return &Booking{Appointment: appt.clone(), Summary: part.summary}, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	part := s.lookup(id)
	if part == nil {
		return nil, ErrNotFound
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	return part.find(id).clone(), nil
}

func (p *memPartition) find(id uuid.UUID) *Appointment {
	for _, a := range p.appts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) (*Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	part := s.lookup(id)
	if part == nil {
		return nil, ErrNotFound
	}
	part.mu.Lock()
	defer part.mu.Unlock()

	appt := part.find(id)
	from := appt.Status
	tr := &Transition{From: from, To: status}
	if from == status {
		tr.Appointment = appt.clone()
		return tr, nil
	}
	if !CanTransition(from, status) {
		return nil, ErrInvalidTransition
	}

	now := s.now().UTC()
	appt.Status = status
	appt.UpdatedAt = now
	tr.Changed = true

	switch status {
	case StatusCompleted:
		appt.CompletedAt = &now
		for _, other := range part.appts {
			if other.ID != appt.ID && other.Status.Waiting() && other.QueuePosition > appt.QueuePosition {
				other.QueuePosition--
				other.UpdatedAt = now
				tr.Propagated++
			}
		}
		part.summary.CurrentServingQueueNumber = appt.QueueNumber
		part.summary.TotalPatientsToday -= s.policy.completionDecrement()
		if part.summary.TotalPatientsToday < 0 {
			part.summary.TotalPatientsToday = 0
		}
		part.summary.LastUpdated = now
		part.summary.Version++
		summary := part.summary
		tr.Summary = &summary
		s.addWaiting(appt.ClinicID, -1)
	case StatusCancelled:
		s.addWaiting(appt.ClinicID, -1)
	}

	tr.Appointment = appt.clone()
	return tr, nil
}

func (s *MemoryStore) CountAhead(ctx context.Context, id uuid.UUID) (int, error) {
	part := s.lookup(id)
	if part == nil {
		return 0, nil
	}
	part.mu.Lock()
	defer part.mu.Unlock()

	appt := part.find(id)
	if appt.Status == StatusCompleted {
		return 0, nil
	}
	ahead := 0
	for _, other := range part.appts {
		if other.Status.Waiting() && other.QueuePosition < appt.QueuePosition {
			ahead++
		}
	}
	return ahead, nil
}

func (s *MemoryStore) Summary(ctx context.Context, clinicID uuid.UUID, date time.Time) (*Summary, error) {
	part := s.partition(Partition{ClinicID: clinicID, Date: date}, false)
	if part == nil {
		return &Summary{ClinicID: clinicID, Date: date}, nil
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	summary := part.summary
	return &summary, nil
}

func (s *MemoryStore) ListQueue(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error) {
	part := s.partition(Partition{ClinicID: clinicID, Date: date}, false)
	if part == nil {
		return nil, nil
	}
	part.mu.Lock()
	defer part.mu.Unlock()
	out := make([]*Appointment, 0, len(part.appts))
	for _, a := range part.appts {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueueNumber < out[j].QueueNumber })
	return out, nil
}
