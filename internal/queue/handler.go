package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	httpmiddleware "github.com/wolfman30/city-services/internal/http/middleware"
	"github.com/wolfman30/city-services/pkg/logging"
)

// Handler exposes the queue over HTTP.
type Handler struct {
	svc    *Service
	live   *redis.Client
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterPublic mounts the patient-facing routes.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/clinics/{clinicID}/appointments", h.Book)
	r.Get("/clinics/{clinicID}/queue", h.NowServing)
	r.Get("/appointments/{id}", h.GetAppointment)
	r.Get("/appointments/{id}/ahead", h.PatientsAhead)
	r.Get("/appointments/{id}/position", h.Position)
	if h.live != nil {
		r.Get("/clinics/{clinicID}/queue/live", h.Live)
	}
}

// RegisterStaff mounts routes that must sit behind staff auth.
func (h *Handler) RegisterStaff(r chi.Router) {
	r.Get("/clinics/{clinicID}/queue/appointments", h.ListQueue)
	r.Patch("/appointments/{id}/status", h.UpdateStatus)
	r.Post("/appointments/{id}/complete", h.Complete)
}

type appointmentView struct {
	ID              string     `json:"id"`
	ClinicID        string     `json:"clinic_id"`
	AppointmentDate string     `json:"appointment_date"`
	QueueNumber     int        `json:"queue_number"`
	QueuePosition   int        `json:"queue_position"`
	Status          Status     `json:"status"`
	Patient         Patient    `json:"patient"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toView(a *Appointment) *appointmentView {
	if a == nil {
		return nil
	}
	return &appointmentView{
		ID:              a.ID.String(),
		ClinicID:        a.ClinicID.String(),
		AppointmentDate: DateKey(a.Date),
		QueueNumber:     a.QueueNumber,
		QueuePosition:   a.QueuePosition,
		Status:          a.Status,
		Patient:         a.Patient,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
		CompletedAt:     a.CompletedAt,
	}
}

type summaryView struct {
	ClinicID                  string    `json:"clinic_id"`
	QueueDate                 string    `json:"queue_date"`
	CurrentQueueNumber        int       `json:"current_queue_number"`
	TotalPatientsToday        int       `json:"total_patients_today"`
	CurrentServingQueueNumber int       `json:"current_serving_queue_number"`
	LastUpdated               time.Time `json:"last_updated"`
}

func toSummaryView(s *Summary) summaryView {
	return summaryView{
		ClinicID:                  s.ClinicID.String(),
		QueueDate:                 DateKey(s.Date),
		CurrentQueueNumber:        s.CurrentQueueNumber,
		TotalPatientsToday:        s.TotalPatientsToday,
		CurrentServingQueueNumber: s.CurrentServingQueueNumber,
		LastUpdated:               s.LastUpdated,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func uuidParam(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

// StaffMayAccess reports whether the staff token on r may act on clinicID.
// Admins and tokens without a clinic claim are unrestricted.
func StaffMayAccess(r *http.Request, clinicID uuid.UUID) bool {
	claims, ok := httpmiddleware.StaffClaimsFromContext(r.Context())
	if !ok || strings.EqualFold(claims.Role, "admin") {
		return true
	}
	scope := strings.TrimSpace(claims.ClinicID)
	if scope == "" {
		return true
	}
	id, err := uuid.Parse(scope)
	return err == nil && id == clinicID
}

// authorizeAppointment rejects staff scoped to another clinic. Unknown ids
// pass through so the operation reports them the usual way.
func (h *Handler) authorizeAppointment(w http.ResponseWriter, r *http.Request, id uuid.UUID) bool {
	appt, err := h.svc.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		return true
	}
	if err != nil {
		h.storeError(w, err, id)
		return false
	}
	if !StaffMayAccess(r, appt.ClinicID) {
		writeError(w, http.StatusForbidden, "clinic not permitted")
		return false
	}
	return true
}

// Book issues a ticket for today.
// POST /clinics/{clinicID}/appointments
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := uuidParam(r, "clinicID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid clinic id")
		return
	}
	var patient Patient
	if err := json.NewDecoder(r.Body).Decode(&patient); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	booking, err := h.svc.Book(r.Context(), clinicID, patient, r.Header.Get("Idempotency-Key"))
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Field+": "+verr.Message)
		case errors.Is(err, ErrClinicNotFound):
			writeError(w, http.StatusNotFound, "clinic not found")
		case errors.Is(err, ErrBookingInFlight):
			writeError(w, http.StatusConflict, "booking already in progress")
		default:
			writeError(w, http.StatusInternalServerError, "booking failed")
		}
		return
	}

	status := http.StatusCreated
	if booking.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	h.writeJSON(w, status, toView(booking.Appointment))
}

// GET /appointments/{id}
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	appt, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, err, id)
		return
	}
	h.writeJSON(w, http.StatusOK, toView(appt))
}

// PatientsAhead never fails for unknown ids; they have nobody ahead.
// GET /appointments/{id}/ahead
func (h *Handler) PatientsAhead(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	n, err := h.svc.PatientsAhead(r.Context(), id)
	if err != nil {
		h.storeError(w, err, id)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"appointment_id": id.String(), "patients_ahead": n})
}

type positionView struct {
	Appointment   *appointmentView `json:"appointment"`
	Known         bool             `json:"known"`
	PatientsAhead *int             `json:"patients_ahead,omitempty"`
	NowServing    *int             `json:"now_serving,omitempty"`
}

// Position degrades to known=false rather than failing when queue state
// cannot be read.
// GET /appointments/{id}/position
func (h *Handler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	pos, err := h.svc.Position(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		h.logger.Warn("position lookup failed", "error", err, "appointment_id", id)
		h.writeJSON(w, http.StatusOK, positionView{Known: false})
		return
	}
	view := positionView{Appointment: toView(pos.Appointment), Known: pos.Known}
	if pos.Known {
		view.PatientsAhead = &pos.Ahead
		view.NowServing = &pos.NowServing
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) queueDate(r *http.Request) (time.Time, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("date"))
	if raw == "" {
		return h.svc.Today(), true
	}
	d, err := ParseDate(raw)
	return d, err == nil
}

// GET /clinics/{clinicID}/queue?date=YYYY-MM-DD
func (h *Handler) NowServing(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := uuidParam(r, "clinicID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid clinic id")
		return
	}
	date, ok := h.queueDate(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	summary, err := h.svc.NowServing(r.Context(), clinicID, date)
	if err != nil {
		h.logger.Error("failed to load queue summary", "error", err, "clinic_id", clinicID)
		writeError(w, http.StatusServiceUnavailable, "queue status unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, toSummaryView(summary))
}

// GET /clinics/{clinicID}/queue/appointments?date=YYYY-MM-DD
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	clinicID, ok := uuidParam(r, "clinicID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid clinic id")
		return
	}
	if !StaffMayAccess(r, clinicID) {
		writeError(w, http.StatusForbidden, "clinic not permitted")
		return
	}
	date, ok := h.queueDate(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	list, err := h.svc.Queue(r.Context(), clinicID, date)
	if err != nil {
		h.logger.Error("failed to list queue", "error", err, "clinic_id", clinicID)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	views := make([]*appointmentView, 0, len(list))
	for _, a := range list {
		views = append(views, toView(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"clinic_id":    clinicID.String(),
		"queue_date":   DateKey(date),
		"appointments": views,
	})
}

type transitionView struct {
	Appointment *appointmentView `json:"appointment,omitempty"`
	From        Status           `json:"from,omitempty"`
	To          Status           `json:"to"`
	Changed     bool             `json:"changed"`
	Propagated  int64            `json:"propagated"`
	NowServing  *int             `json:"now_serving,omitempty"`
}

func toTransitionView(tr *Transition) transitionView {
	v := transitionView{
		Appointment: toView(tr.Appointment),
		From:        tr.From,
		To:          tr.To,
		Changed:     tr.Changed,
		Propagated:  tr.Propagated,
	}
	if tr.Summary != nil {
		n := tr.Summary.CurrentServingQueueNumber
		v.NowServing = &n
	}
	return v
}

type statusRequest struct {
	Status string `json:"status"`
}

// PATCH /appointments/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if !h.authorizeAppointment(w, r, id) {
		return
	}
	tr, err := h.svc.UpdateStatus(r.Context(), id, status)
	if err != nil {
		h.storeError(w, err, id)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransitionView(tr))
}

// POST /appointments/{id}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}
	if !h.authorizeAppointment(w, r, id) {
		return
	}
	tr, err := h.svc.Complete(r.Context(), id)
	if err != nil {
		h.storeError(w, err, id)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransitionView(tr))
}

func (h *Handler) storeError(w http.ResponseWriter, err error, id uuid.UUID) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, http.StatusConflict, "status change not allowed")
	case errors.Is(err, ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "unknown status")
	default:
		h.logger.Error("queue request failed", "error", err, "appointment_id", id)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
