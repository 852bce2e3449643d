package clinic

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/city-services/internal/queue"
	"github.com/wolfman30/city-services/pkg/logging"
)

// Handler provides HTTP endpoints for the clinic directory and stats.
type Handler struct {
	dir    *Directory
	stats  *StatsRepository
	today  func() time.Time
	logger *logging.Logger
}

// NewHandler creates a clinic handler. today supplies the default stats day.
func NewHandler(dir *Directory, stats *StatsRepository, today func() time.Time, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if today == nil {
		today = func() time.Time { return queue.Day(time.Now(), time.UTC) }
	}
	return &Handler{dir: dir, stats: stats, today: today, logger: logger}
}

func (h *Handler) RegisterPublic(r chi.Router) {
	if h.dir == nil {
		return
	}
	r.Get("/clinics", h.List)
	r.Get("/clinics/{clinicID}", h.Get)
}

func (h *Handler) RegisterStaff(r chi.Router) {
	if h.stats == nil {
		return
	}
	r.Get("/clinics/{clinicID}/stats", h.Stats)
}

func (h *Handler) encode(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode clinic response", "error", err)
	}
}

// GET /clinics
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	clinics, err := h.dir.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list clinics", "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.encode(w, map[string]any{"clinics": clinics})
}

// GET /clinics/{clinicID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		http.Error(w, `{"error": "invalid clinic id"}`, http.StatusBadRequest)
		return
	}
	c, err := h.dir.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		http.Error(w, `{"error": "clinic not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to get clinic", "clinic_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.encode(w, c)
}

// Stats returns the queue counts for a clinic/day.
// GET /clinics/{clinicID}/stats?date=YYYY-MM-DD
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "clinicID"))
	if err != nil {
		http.Error(w, `{"error": "invalid clinic id"}`, http.StatusBadRequest)
		return
	}
	if !queue.StaffMayAccess(r, id) {
		http.Error(w, `{"error": "clinic not permitted"}`, http.StatusForbidden)
		return
	}
	date := h.today()
	if raw := r.URL.Query().Get("date"); raw != "" {
		if date, err = queue.ParseDate(raw); err != nil {
			http.Error(w, `{"error": "date must be YYYY-MM-DD"}`, http.StatusBadRequest)
			return
		}
	}
	stats, err := h.stats.Daily(r.Context(), id, date)
	if err != nil {
		h.logger.Error("failed to get clinic stats", "clinic_id", id, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}
	h.encode(w, stats)
}
