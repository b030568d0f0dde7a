package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/sweep"
)

const apiKey = "test-key"

var scheduledAt = time.Date(2026, time.October, 14, 8, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type recordedAction struct {
	action string
	kind   dose.Kind
}

type actionRecorder struct{ seen []recordedAction }

func (a *actionRecorder) ObserveAction(action string, d time.Duration, err error) {
	a.seen = append(a.seen, recordedAction{action: action, kind: dose.KindOf(err)})
}

type server struct {
	router  http.Handler
	store   *memory.Store
	clock   *clock
	actions *actionRecorder
}

func newServer(t *testing.T) *server {
	t.Helper()
	store := memory.New()
	store.PutCommand(medication.Command{ID: "cmd-1", PatientID: "patient-1", Name: "Lisinopril", Dosage: "10mg"})
	store.PutDose(dose.ScheduledDose{ID: "dose-1", CommandID: "cmd-1", PatientID: "patient-1", ScheduledAt: scheduledAt})

	c := &clock{t: scheduledAt.Add(10 * time.Minute)}
	machine := dose.NewMachine(store, store, store, store, dose.DefaultMachineConfig(), nil).WithClock(c.now)
	calc := grace.NewCalculator(store, grace.NewCalendar(2026, 2026), nil, nil)
	sweeper := sweep.New(sweep.DefaultConfig(), store, store, store, store, calc, nil)
	actions := &actionRecorder{}

	doses := handlers.NewDoseHandler(machine, grace.NewAnnotator(store, store, calc), actions, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(map[string]string{apiKey: "mobile-app"}))
		r.Use(middleware.Actor)
		r.Mount("/doses", doses.DoseRoutes())
		r.Mount("/events", doses.EventRoutes())
		r.Mount("/sweeps", handlers.NewSweepHandler(sweeper, nil).Routes())
		r.Mount("/patients", handlers.NewGraceConfigHandler(calc, store, nil).Routes())
	})
	return &server{router: r, store: store, clock: c, actions: actions}
}

func (s *server) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("X-Actor-ID", "caregiver-7")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func (s *server) take(t *testing.T) dose.TakeResult {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/doses/take", handlers.TakeRequest{
		CommandID:   "cmd-1",
		ScheduledAt: scheduledAt,
		DoseTaken:   "10mg",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res dose.TakeResult
	decodeBody(t, rec, &res)
	return res
}

func TestTake_RecordsActorAndScore(t *testing.T) {
	s := newServer(t)

	res := s.take(t)
	assert.Equal(t, "dose-1", res.DoseID)
	assert.Equal(t, dose.TimingOnTime, res.TimingCategory)
	assert.Equal(t, dose.DoseFull, res.DoseCategory)

	rec := s.do(t, http.MethodGet, "/api/v1/doses/dose-1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []*dose.Event `json:"events"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "caregiver-7", body.Events[0].CreatedBy)
	assert.Equal(t, dose.EventTake, body.Events[0].Type())

	assert.Equal(t, []recordedAction{{action: "take"}}, s.actions.seen)
}

func TestTake_DuplicateIsConflict(t *testing.T) {
	s := newServer(t)
	first := s.take(t)

	rec := s.do(t, http.MethodPost, "/api/v1/doses/take", handlers.TakeRequest{CommandID: "cmd-1", ScheduledAt: scheduledAt})
	require.Equal(t, http.StatusConflict, rec.Code)
	var body handlers.ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, dose.KindConflict, body.Kind)
	assert.Equal(t, first.EventID, body.RelatedID)
}

func TestUndo_WithinAndPastWindow(t *testing.T) {
	s := newServer(t)
	res := s.take(t)

	s.clock.t = s.clock.t.Add(35 * time.Second)
	rec := s.do(t, http.MethodPost, "/api/v1/events/"+res.EventID+"/undo", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body handlers.ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, dose.KindUndoWindowExpired, body.Kind)
	require.NotNil(t, body.Boundary)
	assert.True(t, body.Boundary.Equal(res.UndoAvailableUntil))

	s2 := newServer(t)
	res2 := s2.take(t)
	s2.clock.t = s2.clock.t.Add(25 * time.Second)
	rec = s2.do(t, http.MethodPost, "/api/v1/events/"+res2.EventID+"/undo", handlers.UndoRequest{Reason: "tapped by mistake"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var undo dose.UndoResult
	decodeBody(t, rec, &undo)
	assert.Equal(t, dose.StatusScheduled, undo.CorrectedAction)
	assert.True(t, undo.AdherenceImpact.Estimated)
}

func TestCorrect_AfterWindow(t *testing.T) {
	s := newServer(t)
	res := s.take(t)
	s.clock.t = s.clock.t.Add(time.Hour)

	rec := s.do(t, http.MethodPost, "/api/v1/events/"+res.EventID+"/correct", handlers.CorrectRequest{
		CorrectedAction: dose.StatusSkipped,
		Reason:          "logged the wrong medication",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d, err := s.store.GetDose(t.Context(), "dose-1")
	require.NoError(t, err)
	assert.Equal(t, dose.StatusSkipped, d.Status)
}

func TestSnooze_ValidatesMinutes(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/doses/snooze", handlers.SnoozeRequest{
		CommandID: "cmd-1", ScheduledAt: scheduledAt, Minutes: 0,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body handlers.ErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, dose.KindValidation, body.Kind)

	rec = s.do(t, http.MethodPost, "/api/v1/doses/snooze", handlers.SnoozeRequest{
		CommandID: "cmd-1", ScheduledAt: scheduledAt, Minutes: 15,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var snooze dose.SnoozeResult
	decodeBody(t, rec, &snooze)
	assert.True(t, snooze.NewScheduledTime.Equal(scheduledAt.Add(15*time.Minute)))
}

func TestSkip_UnknownDoseIsNotFound(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/doses/skip", handlers.SkipRequest{
		CommandID: "cmd-1", ScheduledAt: scheduledAt.Add(time.Hour),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMalformedBody(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/doses/take", bytes.NewBufferString(`{"command_id":`))
	req.Header.Set("X-API-Key", apiKey)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMissingAPIKey(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/doses/dose-1/events", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGracePeriod(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/doses/dose-1/grace-period", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body handlers.GracePeriodResponse
	decodeBody(t, rec, &body)
	assert.True(t, body.Recomputed)
	assert.Positive(t, body.Minutes)
	assert.Equal(t, grace.RuleSystemDefaults, body.AppliedRules[0].Rule)

	rec = s.do(t, http.MethodGet, "/api/v1/doses/nope/grace-period", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweep_OnDemand(t *testing.T) {
	s := newServer(t)
	now := scheduledAt.Add(3 * time.Hour)

	rec := s.do(t, http.MethodPost, "/api/v1/sweeps", handlers.SweepRequest{Now: &now})
	require.Equal(t, http.StatusOK, rec.Code)
	var body handlers.SweepResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, 1, body.Missed)
	assert.Empty(t, body.Errors)

	d, err := s.store.GetDose(t.Context(), "dose-1")
	require.NoError(t, err)
	assert.Equal(t, dose.StatusMissed, d.Status)
}

func TestGraceConfig_PutAndGet(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/patients/patient-1/grace-config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before handlers.GraceConfigResponse
	decodeBody(t, rec, &before)
	assert.True(t, before.SystemDefaults)

	bad := grace.DefaultConfig("patient-1")
	bad.WeekendMultiplier = 25
	rec = s.do(t, http.MethodPut, "/api/v1/patients/patient-1/grace-config", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var problem handlers.ErrorResponse
	decodeBody(t, rec, &problem)
	assert.Equal(t, dose.KindValidation, problem.Kind)
	assert.NotEmpty(t, problem.Details)

	good := grace.DefaultConfig("someone-else")
	good.SickDayMode = true
	rec = s.do(t, http.MethodPut, "/api/v1/patients/patient-1/grace-config", good)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/v1/patients/patient-1/grace-config", nil)
	var after handlers.GraceConfigResponse
	decodeBody(t, rec, &after)
	assert.False(t, after.SystemDefaults)
	assert.True(t, after.SickDayMode)
	assert.Equal(t, "patient-1", after.PatientID)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, handlers.StatusFor(&dose.Error{Kind: dose.KindValidation}))
	assert.Equal(t, http.StatusConflict, handlers.StatusFor(&dose.Error{Kind: dose.KindUndoWindowExpired}))
	assert.Equal(t, http.StatusNotFound, handlers.StatusFor(dose.NotFound("x", "dose", "1")))
	assert.Equal(t, http.StatusInternalServerError, handlers.StatusFor(dose.TransientStorage("x", assert.AnError)))
}
