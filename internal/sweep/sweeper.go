// Package sweep periodically detects scheduled doses whose grace period has
// ended, marks them missed and queues family notifications.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// BatchTx is the write side of one sweep batch. Everything written through
// it commits or rolls back together.
type BatchTx interface {
	// MarkMissed moves a dose to missed only if it is still scheduled at
	// expectedVersion. False means another writer got there first.
	MarkMissed(ctx context.Context, doseID string, expectedVersion int, missedAt time.Time, reason string, grace dose.GraceAnnotation) (bool, error)
	// Annotate stores the grace annotation of a dose that is still scheduled
	Annotate(ctx context.Context, doseID string, grace dose.GraceAnnotation) (bool, error)
	// EnqueueNotification queues n unless its idempotency key was already used
	EnqueueNotification(ctx context.Context, n Notification) (bool, error)
	// IncrementMissedCount adds to the patient's daily missed-dose counter
	IncrementMissedCount(ctx context.Context, patientID string, day time.Time, n int) error
}

// BatchStore runs fn as a single atomic unit of work
type BatchStore interface {
	WithinBatch(ctx context.Context, fn func(ctx context.Context, tx BatchTx) error) error
}

// Metrics receives sweep measurements
type Metrics interface {
	ObserveSweep(d time.Duration, r Result)
	NotificationQueued(severity Severity)
}

// Config holds sweep configuration
type Config struct {
	// Lookback bounds how far back scheduled doses are considered
	Lookback time.Duration
	// BatchSize is the number of doses committed atomically
	BatchSize int
	// Workers is the number of batches processed in parallel
	Workers int
	// MaxRetries is how often a failed batch is retried
	MaxRetries int
	// Budget is the soft time limit of one run; zero disables it
	Budget time.Duration
	// HistoryLimit caps the doses read per medication for streak counting
	HistoryLimit int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Lookback:     24 * time.Hour,
		BatchSize:    50,
		Workers:      4,
		MaxRetries:   1,
		Budget:       2 * time.Minute,
		HistoryLimit: 30,
	}
}

// Result accounts for one run. A timed-out run still reports every batch
// that committed before the deadline.
type Result struct {
	Processed           int       `json:"processed"`
	Missed              int       `json:"missed"`
	Annotated           int       `json:"annotated"`
	NotificationsQueued int       `json:"notifications_queued"`
	Batches             int       `json:"batches"`
	CompletedBatches    int       `json:"completed_batches"`
	TimedOut            bool      `json:"timed_out"`
	Errors              []error   `json:"-"`
	StartedAt           time.Time `json:"started_at"`
	Now                 time.Time `json:"now"`
}

// ErrorMessages renders Errors for transport
func (r Result) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		out = append(out, err.Error())
	}
	return out
}

// Sweeper marks overdue doses missed
type Sweeper struct {
	config   Config
	doses    dose.Store
	commands medication.Store
	rules    RuleStore
	batches  BatchStore
	calc     *grace.Calculator
	breaker  *circuitbreaker.CircuitBreaker
	metrics  Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New creates a sweeper
func New(cfg Config, doses dose.Store, commands medication.Store, rules RuleStore, batches BatchStore, calc *grace.Calculator, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	return &Sweeper{
		config:   cfg,
		doses:    doses,
		commands: commands,
		rules:    rules,
		batches:  batches,
		calc:     calc,
		logger:   logger,
		tracer:   otel.Tracer("missed-dose-sweeper"),
	}
}

// WithBreaker guards batch commits with a circuit breaker
func (s *Sweeper) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Sweeper {
	s.breaker = cb
	return s
}

// WithMetrics records run measurements
func (s *Sweeper) WithMetrics(m Metrics) *Sweeper {
	s.metrics = m
	return s
}

// Batch is a group of doses committed together
type Batch struct {
	ID    string
	Doses []dose.ScheduledDose
}

type batchOutcome struct {
	missed    int
	annotated int
	queued    []Notification
}

// Run sweeps doses scheduled in [now-Lookback, now]. It never returns an
// error: failures are collected in Result.Errors and do not stop sibling
// batches.
func (s *Sweeper) Run(ctx context.Context, now time.Time) Result {
	started := time.Now()
	now = now.UTC()
	result := Result{StartedAt: started.UTC(), Now: now}

	ctx, span := s.tracer.Start(ctx, "missed_dose_sweep",
		trace.WithAttributes(attribute.String("now", now.Format(time.RFC3339))))
	defer span.End()

	if s.config.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Budget)
		defer cancel()
	}

	due, err := s.doses.ListDue(ctx, now.Add(-s.config.Lookback), now)
	if err != nil {
		span.RecordError(err)
		result.Errors = append(result.Errors, dose.TransientStorage("sweep_list_due", err))
		result.TimedOut = ctx.Err() != nil
		s.finish(started, &result)
		return result
	}

	commands := s.loadCommands(ctx, due)
	batches := Partition(due, s.config.BatchSize)
	result.Batches = len(batches)

	pool, err := workerpool.New(workerpool.Config{
		Workers:    s.config.Workers,
		MaxRetries: s.config.MaxRetries,
		RetryDelay: 50 * time.Millisecond,
		Retryable:  func(err error) bool { return !circuitbreaker.IsRejected(err) },
	}, func(ctx context.Context, task *workerpool.Task) (interface{}, error) {
		return s.sweepBatch(ctx, task.Payload.(Batch), commands, now)
	}, s.logger)
	if err != nil {
		result.Errors = append(result.Errors, err)
		s.finish(started, &result)
		return result
	}

	tasks := make([]*workerpool.Task, len(batches))
	for i, b := range batches {
		tasks[i] = &workerpool.Task{ID: b.ID, Payload: b}
	}

	for i, r := range pool.Run(ctx, tasks) {
		if r.Skipped {
			result.TimedOut = true
			continue
		}
		if !r.Success {
			if errors.Is(r.Error, context.DeadlineExceeded) {
				result.TimedOut = true
			}
			result.Errors = append(result.Errors, &dose.Error{
				Kind:      dose.KindTransientStorage,
				Op:        "sweep_batch",
				RelatedID: r.TaskID,
				Message:   fmt.Sprintf("batch of %d doses rolled back", len(batches[i].Doses)),
				Err:       r.Error,
			})
			continue
		}
		out := r.Data.(batchOutcome)
		result.CompletedBatches++
		result.Processed += len(batches[i].Doses)
		result.Missed += out.missed
		result.Annotated += out.annotated
		result.NotificationsQueued += len(out.queued)
		if s.metrics != nil {
			for _, n := range out.queued {
				s.metrics.NotificationQueued(n.Severity)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("processed", result.Processed),
		attribute.Int("missed", result.Missed),
		attribute.Int("batches", result.Batches),
		attribute.Int("completed_batches", result.CompletedBatches),
		attribute.Bool("timed_out", result.TimedOut),
	)
	s.finish(started, &result)
	return result
}

func (s *Sweeper) finish(started time.Time, r *Result) {
	elapsed := time.Since(started)
	if s.metrics != nil {
		s.metrics.ObserveSweep(elapsed, *r)
	}
	fields := []zap.Field{
		zap.Int("processed", r.Processed),
		zap.Int("missed", r.Missed),
		zap.Int("annotated", r.Annotated),
		zap.Int("notifications", r.NotificationsQueued),
		zap.Int("batches", r.Batches),
		zap.Int("completed_batches", r.CompletedBatches),
		zap.Bool("timed_out", r.TimedOut),
		zap.Int("errors", len(r.Errors)),
		zap.Duration("elapsed", elapsed),
	}
	if len(r.Errors) > 0 || r.TimedOut {
		s.logger.Warn("sweep finished with problems", append(fields, zap.Errors("batch_errors", r.Errors))...)
		return
	}
	s.logger.Info("sweep finished", fields...)
}

// loadCommands fetches the commands of the due doses. A failed lookup is
// not fatal: grace falls back to slot and config rules only.
func (s *Sweeper) loadCommands(ctx context.Context, due []dose.ScheduledDose) map[string]medication.Command {
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, d := range due {
		if !seen[d.CommandID] {
			seen[d.CommandID] = true
			ids = append(ids, d.CommandID)
		}
	}
	if len(ids) == 0 {
		return map[string]medication.Command{}
	}
	cmds, err := s.commands.GetCommands(ctx, ids)
	if err != nil {
		s.logger.Warn("medication commands unavailable, grading without them",
			zap.Int("commands", len(ids)),
			zap.Error(err))
		return map[string]medication.Command{}
	}
	return cmds
}

func (s *Sweeper) sweepBatch(ctx context.Context, b Batch, commands map[string]medication.Command, now time.Time) (batchOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "missed_dose_sweep_batch",
		trace.WithAttributes(
			attribute.String("batch_id", b.ID),
			attribute.Int("doses", len(b.Doses)),
		))
	defer span.End()

	var out batchOutcome
	commit := func(ctx context.Context) error {
		out = batchOutcome{}
		return s.batches.WithinBatch(ctx, func(ctx context.Context, tx BatchTx) error {
			return s.writeBatch(ctx, tx, b, commands, now, &out)
		})
	}

	var err error
	if s.breaker != nil {
		err = s.breaker.Do(ctx, commit)
	} else {
		err = commit(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return batchOutcome{}, err
	}
	span.SetAttributes(attribute.Int("missed", out.missed))
	return out, nil
}

func (s *Sweeper) writeBatch(ctx context.Context, tx BatchTx, b Batch, commands map[string]medication.Command, now time.Time, out *batchOutcome) error {
	missedByPatient := make(map[string][]MissedDoseSummary)
	missedIDs := make(map[string]bool)
	firstMisses := make(map[string]int)
	var patients []string

	for _, d := range b.Doses {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd, ok := commands[d.CommandID]
		if !ok {
			cmd = medication.Command{ID: d.CommandID, PatientID: d.PatientID}
		}
		r := s.calc.Calculate(ctx, d, cmd)
		annotation := r.Annotation(now)

		if !now.After(r.End) {
			written, err := tx.Annotate(ctx, d.ID, annotation)
			if err != nil {
				return fmt.Errorf("annotate dose %s: %w", d.ID, err)
			}
			if written {
				out.annotated++
			}
			continue
		}

		// A dose reopened by an undo keeps its first miss and is not counted twice
		missedAt, reason := now, dose.MissedReasonAutomatic
		if d.MissedAt != nil {
			missedAt = *d.MissedAt
			if d.MissedReason != "" {
				reason = d.MissedReason
			}
		}
		written, err := tx.MarkMissed(ctx, d.ID, d.Version, missedAt, reason, annotation)
		if err != nil {
			return fmt.Errorf("mark dose %s missed: %w", d.ID, err)
		}
		if !written {
			s.logger.Debug("dose changed since listing, not marking missed", zap.String("dose_id", d.ID))
			continue
		}
		out.missed++
		missedIDs[d.ID] = true
		if d.MissedAt == nil {
			firstMisses[d.PatientID]++
		}
		if _, seen := missedByPatient[d.PatientID]; !seen {
			patients = append(patients, d.PatientID)
		}
		missedByPatient[d.PatientID] = append(missedByPatient[d.PatientID], MissedDoseSummary{
			DoseID:         d.ID,
			CommandID:      d.CommandID,
			MedicationName: cmd.Name,
			MedicationType: r.MedicationType,
			ScheduledAt:    d.ScheduledAt,
			GracePeriodEnd: r.End,
			GraceMinutes:   r.Minutes,
		})
	}

	if len(patients) == 0 {
		return nil
	}

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, p := range patients {
		if firstMisses[p] == 0 {
			continue
		}
		if err := tx.IncrementMissedCount(ctx, p, day, firstMisses[p]); err != nil {
			return fmt.Errorf("increment missed count for %s: %w", p, err)
		}
	}

	rules, err := s.rules.RulesForPatients(ctx, patients)
	if err != nil {
		return fmt.Errorf("load notification rules: %w", err)
	}
	ev := &evaluator{doses: s.doses, historyLimit: s.config.HistoryLimit, missedInBatch: missedIDs, now: now}
	for _, p := range patients {
		notes, err := ev.evaluate(ctx, p, rules[p], missedByPatient[p])
		if err != nil {
			return fmt.Errorf("evaluate notification rules for %s: %w", p, err)
		}
		for _, n := range notes {
			queued, err := tx.EnqueueNotification(ctx, n)
			if err != nil {
				return fmt.Errorf("enqueue notification for rule %s: %w", n.RuleID, err)
			}
			if queued {
				out.queued = append(out.queued, n)
			}
		}
	}
	return nil
}

// Partition splits doses into batches of at most size, keeping each
// patient's doses together unless one patient alone exceeds size.
// Patients are packed in order of their earliest dose.
func Partition(doses []dose.ScheduledDose, size int) []Batch {
	if size <= 0 {
		size = DefaultConfig().BatchSize
	}
	groups := make(map[string][]dose.ScheduledDose)
	var order []string
	for _, d := range doses {
		if _, ok := groups[d.PatientID]; !ok {
			order = append(order, d.PatientID)
		}
		groups[d.PatientID] = append(groups[d.PatientID], d)
	}

	var out []Batch
	var current []dose.ScheduledDose
	flush := func() {
		if len(current) > 0 {
			out = append(out, Batch{ID: fmt.Sprintf("batch-%d", len(out)+1), Doses: current})
			current = nil
		}
	}
	for _, p := range order {
		g := groups[p]
		sort.SliceStable(g, func(i, j int) bool { return g[i].ScheduledAt.Before(g[j].ScheduledAt) })
		if len(current)+len(g) > size {
			flush()
		}
		for len(g) > size {
			current = g[:size]
			flush()
			g = g[size:]
		}
		current = append(current, g...)
	}
	flush()
	return out
}
