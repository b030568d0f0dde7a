package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/grace"
)

// ConfigWriter persists patient grace configuration
type ConfigWriter interface {
	SaveConfig(ctx context.Context, cfg grace.PatientGraceConfig) error
}

// GraceConfigHandler reads and replaces patient grace configuration
type GraceConfigHandler struct {
	calc   *grace.Calculator
	store  ConfigWriter
	logger *zap.Logger
}

// NewGraceConfigHandler creates a new handler
func NewGraceConfigHandler(calc *grace.Calculator, store ConfigWriter, logger *zap.Logger) *GraceConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraceConfigHandler{calc: calc, store: store, logger: logger}
}

// Routes returns the routes mounted under /patients
func (h *GraceConfigHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/grace-config", h.Get)
	r.Put("/{id}/grace-config", h.Put)
	return r
}

// GraceConfigResponse carries a configuration and whether it is the system default
type GraceConfigResponse struct {
	grace.PatientGraceConfig
	SystemDefaults bool `json:"system_defaults"`
}

// Get handles GET /patients/{id}/grace-config
func (h *GraceConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, defaults := h.calc.ConfigFor(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, GraceConfigResponse{PatientGraceConfig: cfg, SystemDefaults: defaults})
}

// Put handles PUT /patients/{id}/grace-config. The body is normalized before
// validation so omitted values take the system defaults.
func (h *GraceConfigHandler) Put(w http.ResponseWriter, r *http.Request) {
	var cfg grace.PatientGraceConfig
	if err := decode(r, &cfg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg.PatientID = chi.URLParam(r, "id")
	cfg.UpdatedAt = time.Now().UTC()

	cfg = grace.Normalize(cfg)
	if err := cfg.Validate(); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.store.SaveConfig(r.Context(), cfg); err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.logger.Info("grace config replaced",
		zap.String("patient_id", cfg.PatientID),
		zap.Bool("sick_day_mode", cfg.SickDayMode))
	writeJSON(w, http.StatusOK, GraceConfigResponse{PatientGraceConfig: cfg})
}
