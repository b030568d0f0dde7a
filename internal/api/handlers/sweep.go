package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/sweep"
)

// SweepHandler runs the missed-dose sweep on demand
type SweepHandler struct {
	sweeper *sweep.Sweeper
	logger  *zap.Logger
	now     func() time.Time
}

// NewSweepHandler creates a new handler
func NewSweepHandler(sweeper *sweep.Sweeper, logger *zap.Logger) *SweepHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepHandler{sweeper: sweeper, logger: logger, now: time.Now}
}

// Routes returns the handler routes
func (h *SweepHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Run)
	return r
}

// SweepRequest is the optional body of POST /sweeps
type SweepRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// SweepResponse reports one run
type SweepResponse struct {
	sweep.Result
	Errors []string `json:"errors"`
}

// Run handles POST /sweeps. Partial results are still 200; the errors
// list names the batches that rolled back.
func (h *SweepHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if err := decode(r, &req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	now := h.now()
	if req.Now != nil {
		now = *req.Now
	}

	res := h.sweeper.Run(r.Context(), now)
	h.logger.Info("on-demand sweep",
		zap.Time("now", res.Now),
		zap.Int("missed", res.Missed),
		zap.Bool("timed_out", res.TimedOut))

	writeJSON(w, http.StatusOK, SweepResponse{Result: res, Errors: res.ErrorMessages()})
}
