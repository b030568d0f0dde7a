package sweep_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/sweep"
)

// Wednesday, no holiday
var eight = time.Date(2026, time.October, 14, 8, 0, 0, 0, time.UTC)

func flatConfig(patientID string) grace.PatientGraceConfig {
	cfg := grace.DefaultConfig(patientID)
	cfg.TypeRules = map[medication.Type]int{}
	cfg.WeekendMultiplier = 1
	cfg.HolidayMultiplier = 1
	cfg.SickDayMultiplier = 1
	return cfg
}

type env struct {
	store *memory.Store
	calc  *grace.Calculator
	ctx   context.Context
}

func newEnv(t *testing.T, patients ...string) *env {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for _, p := range patients {
		require.NoError(t, s.SaveConfig(ctx, flatConfig(p)))
		s.PutCommand(medication.Command{ID: "cmd-" + p, PatientID: p, Name: "Lisinopril", Dosage: "10mg"})
	}
	calc := grace.NewCalculator(s, grace.NewCalendar(2026, 2026), nil, nil)
	return &env{store: s, calc: calc, ctx: ctx}
}

func (e *env) addDose(id, patientID string, at time.Time, status dose.Status) {
	e.store.PutDose(dose.ScheduledDose{
		ID:          id,
		CommandID:   "cmd-" + patientID,
		PatientID:   patientID,
		ScheduledAt: at,
		Status:      status,
	})
}

func (e *env) sweeper(cfg sweep.Config, batches sweep.BatchStore) *sweep.Sweeper {
	if batches == nil {
		batches = e.store
	}
	return sweep.New(cfg, e.store, e.store, e.store, batches, e.calc, nil)
}

func (e *env) dose(t *testing.T, id string) dose.ScheduledDose {
	t.Helper()
	d, err := e.store.GetDose(e.ctx, id)
	require.NoError(t, err)
	return d
}

func TestRun_MorningBoundary(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	s := e.sweeper(sweep.DefaultConfig(), nil)

	res := s.Run(e.ctx, eight.Add(29*time.Minute))
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Missed)
	assert.Equal(t, 1, res.Annotated)
	d := e.dose(t, "d1")
	assert.Equal(t, dose.StatusScheduled, d.Status)
	require.NotNil(t, d.Grace)
	assert.Equal(t, 30, d.Grace.Minutes)
	assert.Equal(t, eight.Add(30*time.Minute), d.Grace.End)
	assert.Equal(t, 0, d.Version)

	res = s.Run(e.ctx, eight.Add(31*time.Minute))
	assert.Equal(t, 1, res.Missed)
	assert.Empty(t, res.Errors)
	d = e.dose(t, "d1")
	assert.Equal(t, dose.StatusMissed, d.Status)
	assert.Equal(t, dose.MissedReasonAutomatic, d.MissedReason)
	require.NotNil(t, d.MissedAt)
	assert.Equal(t, eight.Add(31*time.Minute), *d.MissedAt)
	assert.Equal(t, []string{"default_morning"}, d.Grace.RuleNames())
	assert.Equal(t, 1, e.store.MissedCount("p1", eight))
}

func TestRun_ResweepIsNoOp(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r1", PatientID: "p1", FamilyMemberID: "f1", Immediate: true, Enabled: true})
	s := e.sweeper(sweep.DefaultConfig(), nil)

	first := s.Run(e.ctx, eight.Add(time.Hour))
	require.Equal(t, 1, first.Missed)
	require.Equal(t, 1, first.NotificationsQueued)
	version := e.dose(t, "d1").Version

	second := s.Run(e.ctx, eight.Add(time.Hour+15*time.Minute))
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 0, second.Missed)
	assert.Equal(t, 0, second.NotificationsQueued)
	assert.Equal(t, version, e.dose(t, "d1").Version)
	assert.Len(t, e.store.Notifications(), 1)
	assert.Equal(t, 1, e.store.MissedCount("p1", eight))
}

func TestRun_UndoneLateTakeIsNotCountedTwice(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r1", PatientID: "p1", FamilyMemberID: "f1", Immediate: true, Enabled: true})
	s := e.sweeper(sweep.DefaultConfig(), nil)

	firstSweep := eight.Add(time.Hour)
	require.Equal(t, 1, s.Run(e.ctx, firstSweep).Missed)

	clock := firstSweep.Add(2 * time.Minute)
	machine := dose.NewMachine(e.store, e.store, e.store, e.store, dose.DefaultMachineConfig(), nil).
		WithClock(func() time.Time { return clock })
	taken, err := machine.Take(e.ctx, dose.TakeRequest{CommandID: "cmd-p1", ScheduledAt: eight, ActorID: "p1"})
	require.NoError(t, err)
	clock = clock.Add(10 * time.Second)
	_, err = machine.Undo(e.ctx, taken.EventID, "p1", "tapped by mistake")
	require.NoError(t, err)
	require.Equal(t, dose.StatusScheduled, e.dose(t, "d1").Status)

	res := s.Run(e.ctx, clock.Add(time.Minute))
	assert.Equal(t, 1, res.Missed)
	assert.Equal(t, 0, res.NotificationsQueued)

	d := e.dose(t, "d1")
	assert.Equal(t, dose.StatusMissed, d.Status)
	require.NotNil(t, d.MissedAt)
	assert.Equal(t, firstSweep, *d.MissedAt)
	assert.Equal(t, 1, e.store.MissedCount("p1", eight))
	assert.Len(t, e.store.Notifications(), 1)
}

func TestRun_ImmediateRule(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r1", PatientID: "p1", FamilyMemberID: "f1", Immediate: true, Enabled: true})
	e.store.PutRule(sweep.Rule{ID: "r2", PatientID: "p1", FamilyMemberID: "f2", Immediate: true, Enabled: false})

	e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(time.Hour))

	notes := e.store.Notifications()
	require.Len(t, notes, 1)
	n := notes[0]
	assert.Equal(t, "r1", n.RuleID)
	assert.Equal(t, "f1", n.FamilyMemberID)
	assert.Equal(t, sweep.TriggerImmediate, n.TriggeringRule)
	assert.Equal(t, sweep.SeverityInfo, n.Severity)
	require.Len(t, n.MissedDoses, 1)
	assert.Equal(t, "d1", n.MissedDoses[0].DoseID)
	assert.Equal(t, "Lisinopril", n.MissedDoses[0].MedicationName)
	assert.NotEmpty(t, n.IdempotencyKey)
}

func TestRun_CriticalOnlyRule(t *testing.T) {
	e := newEnv(t, "p1")
	e.store.PutCommand(medication.Command{ID: "cmd-insulin", PatientID: "p1", Name: "Insulin Glargine", Dosage: "10 units"})
	e.store.PutDose(dose.ScheduledDose{ID: "d-insulin", CommandID: "cmd-insulin", PatientID: "p1", ScheduledAt: eight})
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r1", PatientID: "p1", FamilyMemberID: "f1", CriticalOnly: true, Enabled: true})

	res := e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(time.Hour))
	require.Equal(t, 2, res.Missed)

	notes := e.store.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, sweep.TriggerCriticalMedication, notes[0].TriggeringRule)
	assert.Equal(t, sweep.SeverityCritical, notes[0].Severity)
	assert.Len(t, notes[0].MissedDoses, 2)
}

func TestRun_CriticalOnlyIgnoresStandardMisses(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r1", PatientID: "p1", CriticalOnly: true, Enabled: true})

	res := e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(time.Hour))
	assert.Equal(t, 1, res.Missed)
	assert.Empty(t, e.store.Notifications())
}

func TestRun_ConsecutiveMisses(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d-3", "p1", eight.Add(-72*time.Hour), dose.StatusTaken)
	e.addDose("d-2", "p1", eight.Add(-48*time.Hour), dose.StatusMissed)
	e.addDose("d-1", "p1", eight.Add(-24*time.Hour-time.Hour), dose.StatusMissed)
	e.addDose("d0", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r3", PatientID: "p1", ConsecutiveMissThreshold: 3, Enabled: true})
	e.store.PutRule(sweep.Rule{ID: "r4", PatientID: "p1", ConsecutiveMissThreshold: 4, Enabled: true})

	res := e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(time.Hour))
	require.Equal(t, 1, res.Missed)

	notes := e.store.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "r3", notes[0].RuleID)
	assert.Equal(t, sweep.TriggerConsecutiveMisses, notes[0].TriggeringRule)
	assert.Equal(t, 3, notes[0].ConsecutiveMisses)
}

func TestRun_SkippedDoseBreaksStreak(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d-2", "p1", eight.Add(-48*time.Hour), dose.StatusMissed)
	e.addDose("d-1", "p1", eight.Add(-25*time.Hour), dose.StatusSkipped)
	e.addDose("d0", "p1", eight, dose.StatusScheduled)
	e.store.PutRule(sweep.Rule{ID: "r2", PatientID: "p1", ConsecutiveMissThreshold: 2, Enabled: true})

	e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(time.Hour))
	assert.Empty(t, e.store.Notifications())
}

func TestRun_WarningWhenThreeMissedTogether(t *testing.T) {
	e := newEnv(t, "p1")
	for i := 0; i < 3; i++ {
		e.addDose(fmt.Sprintf("d%d", i), "p1", eight.Add(time.Duration(i)*time.Minute), dose.StatusScheduled)
	}
	e.store.PutRule(sweep.Rule{ID: "r1", PatientID: "p1", Immediate: true, Enabled: true})

	e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(2*time.Hour))
	notes := e.store.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, sweep.SeverityWarning, notes[0].Severity)
	assert.Equal(t, 3, e.store.MissedCount("p1", eight))
}

func TestRun_LookbackBound(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("old", "p1", eight.Add(-25*time.Hour), dose.StatusScheduled)
	e.addDose("future", "p1", eight.Add(3*time.Hour), dose.StatusScheduled)

	res := e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, dose.StatusScheduled, e.dose(t, "old").Status)
}

// failingBatches fails every batch containing a dose of one patient
type failingBatches struct {
	inner   sweep.BatchStore
	patient string
}

func (f *failingBatches) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx sweep.BatchTx) error) error {
	return f.inner.WithinBatch(ctx, func(ctx context.Context, tx sweep.BatchTx) error {
		return fn(ctx, &failingTx{BatchTx: tx, patient: f.patient})
	})
}

type failingTx struct {
	sweep.BatchTx
	patient string
}

func (f *failingTx) IncrementMissedCount(ctx context.Context, patientID string, day time.Time, n int) error {
	if patientID == f.patient {
		return errors.New("disk full")
	}
	return f.BatchTx.IncrementMissedCount(ctx, patientID, day, n)
}

func TestRun_FailedBatchDoesNotAbortOthers(t *testing.T) {
	e := newEnv(t, "p1", "p2", "p3")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	e.addDose("d2", "p2", eight.Add(time.Minute), dose.StatusScheduled)
	e.addDose("d3", "p3", eight.Add(2*time.Minute), dose.StatusScheduled)

	cfg := sweep.DefaultConfig()
	cfg.BatchSize = 1
	cfg.MaxRetries = 0
	res := e.sweeper(cfg, &failingBatches{inner: e.store, patient: "p2"}).Run(e.ctx, eight.Add(time.Hour))

	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 2, res.CompletedBatches)
	assert.Equal(t, 2, res.Missed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, dose.KindTransientStorage, dose.KindOf(res.Errors[0]))
	assert.Contains(t, res.ErrorMessages()[0], "disk full")

	assert.Equal(t, dose.StatusMissed, e.dose(t, "d1").Status)
	assert.Equal(t, dose.StatusScheduled, e.dose(t, "d2").Status, "failed batch rolled back")
	assert.Equal(t, dose.StatusMissed, e.dose(t, "d3").Status)

	// the next sweep picks up the rolled back dose
	res = e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(time.Hour+15*time.Minute))
	assert.Equal(t, 1, res.Missed)
	assert.Equal(t, dose.StatusMissed, e.dose(t, "d2").Status)
}

// slowBatches delays every batch, honouring cancellation
type slowBatches struct {
	inner sweep.BatchStore
	delay time.Duration
}

func (s *slowBatches) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx sweep.BatchTx) error) error {
	return s.inner.WithinBatch(ctx, func(ctx context.Context, tx sweep.BatchTx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
		return fn(ctx, tx)
	})
}

func TestRun_TimeoutYieldsPartialResult(t *testing.T) {
	e := newEnv(t, "p1", "p2", "p3", "p4", "p5")
	for i, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
		e.addDose("d-"+p, p, eight.Add(time.Duration(i)*time.Minute), dose.StatusScheduled)
	}

	cfg := sweep.DefaultConfig()
	cfg.BatchSize = 1
	cfg.Workers = 1
	cfg.MaxRetries = 0
	cfg.Budget = 150 * time.Millisecond
	res := e.sweeper(cfg, &slowBatches{inner: e.store, delay: 100 * time.Millisecond}).Run(e.ctx, eight.Add(time.Hour))

	assert.True(t, res.TimedOut)
	assert.Equal(t, 5, res.Batches)
	assert.GreaterOrEqual(t, res.CompletedBatches, 1)
	assert.Less(t, res.CompletedBatches, 5)
	assert.Equal(t, res.CompletedBatches, res.Missed)
	assert.Equal(t, res.CompletedBatches, res.Processed)

	// batches cut off by the deadline leave nothing behind
	missed := 0
	for _, p := range []string{"p1", "p2", "p3", "p4", "p5"} {
		if e.dose(t, "d-"+p).Status == dose.StatusMissed {
			missed++
		}
	}
	assert.Equal(t, res.CompletedBatches, missed)
}

func TestRun_ConfigOutageFallsBackToDefaults(t *testing.T) {
	e := newEnv(t)
	e.store.PutCommand(medication.Command{ID: "cmd-p9", PatientID: "p9", Name: "Metformin"})
	e.addDose("d1", "p9", eight, dose.StatusScheduled)

	res := e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(20*time.Minute))
	assert.Empty(t, res.Errors)
	d := e.dose(t, "d1")
	require.NotNil(t, d.Grace)
	assert.Equal(t, grace.RuleSystemDefaults, d.Grace.AppliedRules[0].Rule)
}

func TestAnnotator_UsesPersistedAnnotation(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	annotator := grace.NewAnnotator(e.store, e.store, e.calc)

	_, recomputed, err := annotator.GracePeriod(e.ctx, "d1")
	require.NoError(t, err)
	assert.True(t, recomputed)

	e.sweeper(sweep.DefaultConfig(), nil).Run(e.ctx, eight.Add(10*time.Minute))

	g, recomputed, err := annotator.GracePeriod(e.ctx, "d1")
	require.NoError(t, err)
	assert.False(t, recomputed)
	assert.Equal(t, 30, g.Minutes)
	assert.Equal(t, 20*time.Minute, g.Remaining(eight.Add(10*time.Minute)))
}

func TestPartition_KeepsPatientsTogether(t *testing.T) {
	var doses []dose.ScheduledDose
	add := func(id, patient string, offset int) {
		doses = append(doses, dose.ScheduledDose{ID: id, PatientID: patient, ScheduledAt: eight.Add(time.Duration(offset) * time.Minute)})
	}
	add("a1", "a", 0)
	add("b1", "b", 1)
	add("a2", "a", 2)
	add("c1", "c", 3)
	add("b2", "b", 4)

	batches := sweep.Partition(doses, 3)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"a1", "a2"}, ids(batches[0].Doses))
	assert.Equal(t, []string{"b1", "b2", "c1"}, ids(batches[1].Doses))
}

func TestPartition_SplitsOversizedPatient(t *testing.T) {
	var doses []dose.ScheduledDose
	for i := 0; i < 5; i++ {
		doses = append(doses, dose.ScheduledDose{ID: fmt.Sprintf("a%d", i), PatientID: "a", ScheduledAt: eight.Add(time.Duration(i) * time.Minute)})
	}
	batches := sweep.Partition(doses, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[2].Doses, 1)

	total := 0
	seen := map[string]bool{}
	for _, b := range batches {
		assert.False(t, seen[b.ID])
		seen[b.ID] = true
		total += len(b.Doses)
	}
	assert.Equal(t, 5, total)
}

func TestSeverityOf(t *testing.T) {
	info := []sweep.MissedDoseSummary{{MedicationType: medication.TypeStandard}}
	assert.Equal(t, sweep.SeverityInfo, sweep.SeverityOf(info))

	three := []sweep.MissedDoseSummary{{}, {}, {}}
	assert.Equal(t, sweep.SeverityWarning, sweep.SeverityOf(three))

	critical := []sweep.MissedDoseSummary{{MedicationType: medication.TypeCritical}}
	assert.Equal(t, sweep.SeverityCritical, sweep.SeverityOf(critical))
}

func TestRunner_RunsImmediately(t *testing.T) {
	e := newEnv(t, "p1")
	e.addDose("d1", "p1", eight, dose.StatusScheduled)
	r := sweep.NewRunner(e.sweeper(sweep.DefaultConfig(), nil), time.Hour, nil)

	r.Start()
	require.Eventually(t, func() bool {
		_, ok := r.Last()
		return ok
	}, time.Second, 5*time.Millisecond)
	r.Stop()
}

func TestRunner_StopWithoutStart(t *testing.T) {
	e := newEnv(t)
	r := sweep.NewRunner(e.sweeper(sweep.DefaultConfig(), nil), time.Hour, nil)

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a runner that never started")
	}
	_, ok := r.Last()
	assert.False(t, ok)
}

func ids(doses []dose.ScheduledDose) []string {
	out := make([]string, len(doses))
	for i, d := range doses {
		out[i] = d.ID
	}
	return out
}
