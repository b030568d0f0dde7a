package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/grace"
)

// DoseHandler serves the dose actions and their history
type DoseHandler struct {
	machine   *dose.Machine
	annotator *grace.Annotator
	metrics   ActionObserver
	logger    *zap.Logger
	now       func() time.Time
}

// NewDoseHandler creates a new handler. metrics may be nil.
func NewDoseHandler(machine *dose.Machine, annotator *grace.Annotator, metrics ActionObserver, logger *zap.Logger) *DoseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DoseHandler{
		machine:   machine,
		annotator: annotator,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// DoseRoutes returns the routes mounted under /doses
func (h *DoseHandler) DoseRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/take", h.Take)
	r.Post("/skip", h.Skip)
	r.Post("/snooze", h.Snooze)
	r.Get("/{id}/grace-period", h.GracePeriod)
	r.Get("/{id}/events", h.Events)
	return r
}

// EventRoutes returns the routes mounted under /events
func (h *DoseHandler) EventRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/undo", h.Undo)
	r.Post("/{id}/correct", h.Correct)
	return r
}

func (h *DoseHandler) observe(action string, start time.Time, err error) {
	if h.metrics != nil {
		h.metrics.ObserveAction(action, time.Since(start), err)
	}
}

// TakeRequest is the body of POST /doses/take
type TakeRequest struct {
	CommandID        string     `json:"command_id"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	TakenAt          *time.Time `json:"taken_at,omitempty"`
	DoseTaken        string     `json:"dose_taken"`
	AdjustmentReason string     `json:"adjustment_reason,omitempty"`
	TakenWithFood    bool       `json:"taken_with_food"`
	Symptomatic      bool       `json:"symptomatic"`
	Notes            string     `json:"notes,omitempty"`
}

// Take handles POST /doses/take
func (h *DoseHandler) Take(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req TakeRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.machine.Take(r.Context(), dose.TakeRequest{
		CommandID:        req.CommandID,
		ScheduledAt:      req.ScheduledAt,
		ActorID:          middleware.GetActorID(r.Context()),
		TakenAt:          req.TakenAt,
		DoseTaken:        req.DoseTaken,
		AdjustmentReason: req.AdjustmentReason,
		TakenWithFood:    req.TakenWithFood,
		Symptomatic:      req.Symptomatic,
		Notes:            req.Notes,
	})
	h.observe("take", start, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// SkipRequest is the body of POST /doses/skip
type SkipRequest struct {
	CommandID   string    `json:"command_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Reason      string    `json:"reason,omitempty"`
}

// Skip handles POST /doses/skip
func (h *DoseHandler) Skip(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req SkipRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CommandID == "" || req.ScheduledAt.IsZero() {
		jsonError(w, "command_id and scheduled_at are required", http.StatusBadRequest)
		return
	}

	ref := dose.Ref{CommandID: req.CommandID, ScheduledAt: req.ScheduledAt}
	res, err := h.machine.Skip(r.Context(), ref, middleware.GetActorID(r.Context()), req.Reason)
	h.observe("skip", start, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// SnoozeRequest is the body of POST /doses/snooze
type SnoozeRequest struct {
	CommandID   string    `json:"command_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Minutes     int       `json:"minutes"`
	Reason      string    `json:"reason,omitempty"`
}

// Snooze handles POST /doses/snooze
func (h *DoseHandler) Snooze(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req SnoozeRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CommandID == "" || req.ScheduledAt.IsZero() {
		jsonError(w, "command_id and scheduled_at are required", http.StatusBadRequest)
		return
	}

	ref := dose.Ref{CommandID: req.CommandID, ScheduledAt: req.ScheduledAt}
	res, err := h.machine.Snooze(r.Context(), ref, middleware.GetActorID(r.Context()), req.Minutes, req.Reason)
	h.observe("snooze", start, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// UndoRequest is the body of POST /events/{id}/undo
type UndoRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Undo handles POST /events/{id}/undo. An empty body is accepted.
func (h *DoseHandler) Undo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req UndoRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.machine.Undo(r.Context(), chi.URLParam(r, "id"), middleware.GetActorID(r.Context()), req.Reason)
	h.observe("undo", start, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// CorrectRequest is the body of POST /events/{id}/correct
type CorrectRequest struct {
	CorrectedAction dose.Status         `json:"corrected_action"`
	Reason          string              `json:"reason"`
	Data            dose.CorrectionData `json:"corrected_data"`
}

// Correct handles POST /events/{id}/correct
func (h *DoseHandler) Correct(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req CorrectRequest
	if err := decode(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.machine.Correct(r.Context(), dose.CorrectRequest{
		OriginalEventID: chi.URLParam(r, "id"),
		CorrectedAction: req.CorrectedAction,
		Reason:          req.Reason,
		Data:            req.Data,
		ActorID:         middleware.GetActorID(r.Context()),
	})
	h.observe("correct", start, err)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GracePeriodResponse is returned by GET /doses/{id}/grace-period
type GracePeriodResponse struct {
	DoseID string `json:"dose_id"`
	dose.GraceAnnotation
	RemainingSeconds int64 `json:"remaining_seconds"`
	Recomputed       bool  `json:"recomputed"`
}

// GracePeriod handles GET /doses/{id}/grace-period
func (h *DoseHandler) GracePeriod(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g, recomputed, err := h.annotator.GracePeriod(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, GracePeriodResponse{
		DoseID:           id,
		GraceAnnotation:  g,
		RemainingSeconds: int64(g.Remaining(h.now()).Seconds()),
		Recomputed:       recomputed,
	})
}

// Events handles GET /doses/{id}/events
func (h *DoseHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.machine.History(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if events == nil {
		events = []*dose.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dose_id": id,
		"events":  events,
	})
}
