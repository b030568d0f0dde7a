package dose

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// Timing thresholds relative to the scheduled time
const (
	EarlyThreshold    = -30 * time.Minute
	OnTimeThreshold   = 30 * time.Minute
	LateThreshold     = 120 * time.Minute
	correctionMissed  = "correction"
	impactFixedPoints = "fixed_points"
)

// MachineConfig holds the action windows of the state machine
type MachineConfig struct {
	// DuplicateWindow is how far back a previous take blocks a new one
	DuplicateWindow time.Duration
	// DuplicateMatchWindow is how close two takes' scheduled times must be to count as the same dose
	DuplicateMatchWindow time.Duration
	// UndoWindow is how long after a take it may still be undone
	UndoWindow time.Duration
	// ImpactPoints is the fixed estimate used for undo and correction adherence impact
	ImpactPoints float64
}

// DefaultMachineConfig returns the standard windows
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		DuplicateWindow:      5 * time.Minute,
		DuplicateMatchWindow: time.Hour,
		UndoWindow:           30 * time.Second,
		ImpactPoints:         5,
	}
}

// Machine runs the synchronous dose actions: take, undo, correct, skip, snooze
type Machine struct {
	doses    Store
	events   EventStore
	ledger   Ledger
	commands medication.Store
	config   MachineConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewMachine creates a dose state machine
func NewMachine(doses Store, events EventStore, ledger Ledger, commands medication.Store, cfg MachineConfig, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultMachineConfig()
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = def.DuplicateWindow
	}
	if cfg.DuplicateMatchWindow <= 0 {
		cfg.DuplicateMatchWindow = def.DuplicateMatchWindow
	}
	if cfg.UndoWindow <= 0 {
		cfg.UndoWindow = def.UndoWindow
	}
	return &Machine{
		doses:    doses,
		events:   events,
		ledger:   ledger,
		commands: commands,
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("dose-machine"),
		now:      time.Now,
	}
}

// WithClock replaces the clock, used by tests and replays
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// TakeRequest describes a dose-taking action
type TakeRequest struct {
	CommandID        string
	ScheduledAt      time.Time
	ActorID          string
	TakenAt          *time.Time
	DoseTaken        string
	AdjustmentReason string
	TakenWithFood    bool
	Symptomatic      bool
	Notes            string
}

// TakeResult is returned by Take
type TakeResult struct {
	EventID            string          `json:"event_id"`
	DoseID             string          `json:"dose_id"`
	AdherenceScore     adherence.Score `json:"adherence_score"`
	TimingCategory     TimingCategory  `json:"timing_category"`
	DoseCategory       DoseCategory    `json:"dose_category"`
	UndoAvailableUntil time.Time       `json:"undo_available_until"`
}

// Take records a dose as taken
func (m *Machine) Take(ctx context.Context, req TakeRequest) (*TakeResult, error) {
	ctx, span := m.tracer.Start(ctx, "dose_take",
		trace.WithAttributes(attribute.String("command_id", req.CommandID)))
	defer span.End()

	if req.CommandID == "" || req.ScheduledAt.IsZero() {
		return nil, validationError("take", "command_id and scheduled_at are required")
	}
	if req.ActorID == "" {
		return nil, validationError("take", "actor is required")
	}

	cmd, err := m.commands.GetCommand(ctx, req.CommandID)
	if err != nil {
		return nil, err
	}
	d, err := m.doses.FindDose(ctx, Ref{CommandID: req.CommandID, ScheduledAt: req.ScheduledAt})
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	if err := m.checkDuplicateTake(ctx, req.CommandID, d.ScheduledAt, now); err != nil {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return nil, err
	}
	if d.Status == StatusTaken || d.Status == StatusSkipped {
		return nil, conflictError("take", d.ID, "dose is already %s, use correction", d.Status)
	}

	takenAt := now
	if req.TakenAt != nil {
		takenAt = req.TakenAt.UTC()
	}
	delta := takenAt.Sub(d.ScheduledAt)
	minutes := int(math.Round(delta.Minutes()))

	payload := TakePayload{
		TakenAt:          takenAt,
		DoseTaken:        strings.TrimSpace(req.DoseTaken),
		PrescribedDose:   cmd.Dosage,
		AdjustmentReason: strings.TrimSpace(req.AdjustmentReason),
		Circumstances: adherence.Circumstances{
			FoodRequired:  cmd.RequiresFood,
			TakenWithFood: req.TakenWithFood,
			Symptomatic:   req.Symptomatic,
		},
		Notes:                req.Notes,
		MinutesFromScheduled: minutes,
		Timing:               ClassifyTiming(delta),
	}
	payload.DoseCategory = ClassifyDose(payload.DoseTaken, cmd.Dosage, payload.AdjustmentReason)
	payload.Score = adherence.Compute(payload.DoseTaken, cmd.Dosage, minutes, payload.Circumstances)

	ev, err := NewEvent(d, payload, req.ActorID, now)
	if err != nil {
		return nil, err
	}

	tr := transitionFrom(d, StatusTaken)
	tr.TakenAt = &takenAt
	if err := m.ledger.Record(ctx, ev, tr); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("dose taken",
		zap.String("event_id", ev.ID),
		zap.String("dose_id", d.ID),
		zap.String("timing", string(payload.Timing)),
		zap.Float64("score", payload.Score.Overall),
	)

	return &TakeResult{
		EventID:            ev.ID,
		DoseID:             d.ID,
		AdherenceScore:     payload.Score,
		TimingCategory:     payload.Timing,
		DoseCategory:       payload.DoseCategory,
		UndoAvailableUntil: ev.CreatedAt.Add(m.config.UndoWindow),
	}, nil
}

// checkDuplicateTake is a best-effort existence check, not a lock.
// Takes that were undone do not count.
func (m *Machine) checkDuplicateTake(ctx context.Context, commandID string, scheduledAt, now time.Time) error {
	recent, err := m.events.RecentTakes(ctx, commandID, now.Add(-m.config.DuplicateWindow))
	if err != nil {
		return err
	}
	for _, ev := range recent {
		gap := ev.ScheduledFor.Sub(scheduledAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > m.config.DuplicateMatchWindow {
			continue
		}
		undone, err := m.wasUndone(ctx, ev.ID)
		if err != nil {
			return err
		}
		if !undone {
			return conflictError("take", ev.ID, "duplicate take: already recorded at %s", ev.CreatedAt.Format(time.RFC3339))
		}
	}
	return nil
}

func (m *Machine) wasUndone(ctx context.Context, eventID string) (bool, error) {
	followups, err := m.events.EventsByCause(ctx, eventID)
	if err != nil {
		return false, err
	}
	for _, f := range followups {
		if f.Type() == EventUndo {
			return true, nil
		}
	}
	return false, nil
}

// ClassifyTiming buckets the distance between the taken and scheduled times
func ClassifyTiming(delta time.Duration) TimingCategory {
	switch {
	case delta < EarlyThreshold:
		return TimingEarly
	case delta <= OnTimeThreshold:
		return TimingOnTime
	case delta <= LateThreshold:
		return TimingLate
	default:
		return TimingVeryLate
	}
}

// ClassifyDose compares the reported amount with the prescription
func ClassifyDose(doseTaken, prescribed, adjustmentReason string) DoseCategory {
	if adjustmentReason != "" {
		return DoseAdjusted
	}
	if doseTaken != "" && !strings.EqualFold(doseTaken, strings.TrimSpace(prescribed)) {
		return DosePartial
	}
	return DoseFull
}

// UndoResult is returned by Undo
type UndoResult struct {
	UndoEventID     string          `json:"undo_event_id"`
	CorrectedAction Status          `json:"corrected_action"`
	AdherenceImpact AdherenceImpact `json:"adherence_impact"`
}

// Undo reverts a take while the undo window is open. Past the window it
// fails with KindUndoWindowExpired carrying the boundary.
func (m *Machine) Undo(ctx context.Context, originalEventID, actorID, reason string) (*UndoResult, error) {
	ctx, span := m.tracer.Start(ctx, "dose_undo",
		trace.WithAttributes(attribute.String("original_event_id", originalEventID)))
	defer span.End()

	if originalEventID == "" || actorID == "" {
		return nil, validationError("undo", "original event id and actor are required")
	}

	orig, err := m.events.GetEvent(ctx, originalEventID)
	if err != nil {
		return nil, err
	}
	if orig.Type() != EventTake {
		return nil, validationError("undo", "only take events can be undone, got %s", orig.Type())
	}

	now := m.now().UTC()
	boundary := orig.CreatedAt.Add(m.config.UndoWindow)
	if now.After(boundary) {
		span.SetAttributes(attribute.Bool("window_expired", true))
		return nil, &Error{
			Kind:      KindUndoWindowExpired,
			Op:        "undo",
			RelatedID: orig.ID,
			Boundary:  &boundary,
			Message:   "undo window expired, use correction",
		}
	}

	followups, err := m.events.EventsByCause(ctx, orig.ID)
	if err != nil {
		return nil, err
	}
	if len(followups) > 0 {
		f := followups[0]
		return nil, conflictError("undo", f.ID, "take already has a %s", f.Type())
	}

	d, err := m.doses.GetDose(ctx, orig.DoseID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusTaken {
		return nil, conflictError("undo", d.ID, "dose is %s, not taken", d.Status)
	}

	impact := m.estimateImpact(StatusTaken, StatusScheduled)
	ev, err := NewEvent(d, UndoPayload{
		OriginalEventID: orig.ID,
		Reason:          reason,
		RevertedTo:      StatusScheduled,
		Impact:          impact,
	}, actorID, now)
	if err != nil {
		return nil, err
	}
	ev.WithCause(orig)

	tr := transitionFrom(d, StatusScheduled)
	tr.TakenAt = nil
	if err := m.ledger.Record(ctx, ev, tr); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("take undone",
		zap.String("event_id", ev.ID),
		zap.String("original_event_id", orig.ID),
		zap.String("dose_id", d.ID))

	return &UndoResult{
		UndoEventID:     ev.ID,
		CorrectedAction: StatusScheduled,
		AdherenceImpact: impact,
	}, nil
}

// CorrectRequest describes a correction of an earlier event
type CorrectRequest struct {
	OriginalEventID string
	CorrectedAction Status
	Reason          string
	Data            CorrectionData
	ActorID         string
}

// CorrectResult is returned by Correct
type CorrectResult struct {
	CorrectionEventID string          `json:"correction_event_id"`
	CorrectedAction   Status          `json:"corrected_action"`
	AdherenceImpact   AdherenceImpact `json:"adherence_impact"`
}

// Correct writes a compensating event and moves the dose to the corrected
// status. The original event is never modified.
func (m *Machine) Correct(ctx context.Context, req CorrectRequest) (*CorrectResult, error) {
	ctx, span := m.tracer.Start(ctx, "dose_correct",
		trace.WithAttributes(
			attribute.String("original_event_id", req.OriginalEventID),
			attribute.String("corrected_action", string(req.CorrectedAction)),
		))
	defer span.End()

	if req.ActorID == "" {
		return nil, validationError("correct", "actor is required")
	}

	orig, err := m.events.GetEvent(ctx, req.OriginalEventID)
	if err != nil {
		return nil, err
	}
	d, err := m.doses.GetDose(ctx, orig.DoseID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	impact := m.estimateImpact(d.Status, req.CorrectedAction)
	ev, err := NewEvent(d, CorrectionPayload{
		OriginalEventID: orig.ID,
		PreviousStatus:  d.Status,
		CorrectedAction: req.CorrectedAction,
		Reason:          req.Reason,
		Data:            req.Data,
		Impact:          impact,
	}, req.ActorID, now)
	if err != nil {
		return nil, err
	}
	ev.WithCause(orig)

	tr := transitionFrom(d, req.CorrectedAction)
	switch req.CorrectedAction {
	case StatusTaken:
		takenAt := now
		if req.Data.TakenAt != nil {
			takenAt = req.Data.TakenAt.UTC()
		} else if take, ok := orig.Payload.(TakePayload); ok {
			takenAt = take.TakenAt
		}
		tr.TakenAt = &takenAt
	case StatusMissed:
		tr.TakenAt = nil
		tr.MissedAt = &now
		tr.MissedReason = correctionMissed
	case StatusSkipped:
		tr.TakenAt = nil
	}

	if err := m.ledger.Record(ctx, ev, tr); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("dose corrected",
		zap.String("event_id", ev.ID),
		zap.String("original_event_id", orig.ID),
		zap.String("from", string(d.Status)),
		zap.String("to", string(req.CorrectedAction)))

	return &CorrectResult{
		CorrectionEventID: ev.ID,
		CorrectedAction:   req.CorrectedAction,
		AdherenceImpact:   impact,
	}, nil
}

// ActionResult is returned by Skip
type ActionResult struct {
	EventID string `json:"event_id"`
	DoseID  string `json:"dose_id"`
	Status  Status `json:"status"`
}

// Skip records an intentional skip
func (m *Machine) Skip(ctx context.Context, ref Ref, actorID, reason string) (*ActionResult, error) {
	ctx, span := m.tracer.Start(ctx, "dose_skip",
		trace.WithAttributes(attribute.String("command_id", ref.CommandID)))
	defer span.End()

	if actorID == "" {
		return nil, validationError("skip", "actor is required")
	}
	d, err := m.doses.FindDose(ctx, ref)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusScheduled && d.Status != StatusMissed {
		return nil, conflictError("skip", d.ID, "dose is already %s, use correction", d.Status)
	}

	ev, err := NewEvent(d, SkipPayload{Reason: reason}, actorID, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.ledger.Record(ctx, ev, transitionFrom(d, StatusSkipped)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("dose skipped", zap.String("event_id", ev.ID), zap.String("dose_id", d.ID))
	return &ActionResult{EventID: ev.ID, DoseID: d.ID, Status: StatusSkipped}, nil
}

// SnoozeResult is returned by Snooze
type SnoozeResult struct {
	EventID          string    `json:"event_id"`
	DoseID           string    `json:"dose_id"`
	NewScheduledTime time.Time `json:"new_scheduled_time"`
}

// Snooze records the intent to take a dose later. The follow-up dose is
// materialized by the scheduler, not here.
func (m *Machine) Snooze(ctx context.Context, ref Ref, actorID string, minutes int, reason string) (*SnoozeResult, error) {
	ctx, span := m.tracer.Start(ctx, "dose_snooze",
		trace.WithAttributes(
			attribute.String("command_id", ref.CommandID),
			attribute.Int("minutes", minutes),
		))
	defer span.End()

	if minutes < 1 || minutes > MaxSnoozeMinutes {
		return nil, validationError("snooze", "minutes must be between 1 and %d, got %d", MaxSnoozeMinutes, minutes)
	}
	if actorID == "" {
		return nil, validationError("snooze", "actor is required")
	}
	d, err := m.doses.FindDose(ctx, ref)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusScheduled {
		return nil, conflictError("snooze", d.ID, "only scheduled doses can be snoozed, dose is %s", d.Status)
	}

	newTime := d.ScheduledAt.Add(time.Duration(minutes) * time.Minute)
	ev, err := NewEvent(d, SnoozePayload{
		Minutes:          minutes,
		NewScheduledTime: newTime,
		Reason:           reason,
	}, actorID, m.now())
	if err != nil {
		return nil, err
	}
	if err := m.ledger.Record(ctx, ev, nil); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.logger.Info("dose snoozed",
		zap.String("event_id", ev.ID),
		zap.String("dose_id", d.ID),
		zap.Time("new_scheduled_time", newTime))
	return &SnoozeResult{EventID: ev.ID, DoseID: d.ID, NewScheduledTime: newTime}, nil
}

// History returns the events recorded for a dose, oldest first
func (m *Machine) History(ctx context.Context, doseID string) ([]*Event, error) {
	if _, err := m.doses.GetDose(ctx, doseID); err != nil {
		return nil, err
	}
	return m.events.EventsByDose(ctx, doseID)
}

// estimateImpact is a fixed-points heuristic: moving a dose into taken
// gains ImpactPoints, moving it out of taken loses them.
func (m *Machine) estimateImpact(from, to Status) AdherenceImpact {
	delta := 0.0
	switch {
	case to == StatusTaken && from != StatusTaken:
		delta = m.config.ImpactPoints
	case from == StatusTaken && to != StatusTaken:
		delta = -m.config.ImpactPoints
	}
	return AdherenceImpact{PointsDelta: delta, Estimated: true, Method: impactFixedPoints}
}
