package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// DefaultClaimTTL is how long notification idempotency claims are kept
const DefaultClaimTTL = 7 * 24 * time.Hour

// Store implements the dose, event, ledger, command, config, rule and
// sweep batch stores on PostgreSQL
type Store struct {
	db       DB
	logger   *zap.Logger
	tracer   trace.Tracer
	claimTTL time.Duration
}

// NewStore creates a store
func NewStore(db DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("postgres-store"),
		claimTTL: DefaultClaimTTL,
	}
}

const doseColumns = `id, command_id, patient_id, scheduled_at, status, grace,
	missed_at, COALESCE(missed_reason, ''), taken_at, version`

func scanDose(row pgx.Row) (dose.ScheduledDose, error) {
	var (
		d      dose.ScheduledDose
		status string
		grace  []byte
	)
	err := row.Scan(
		&d.ID, &d.CommandID, &d.PatientID, &d.ScheduledAt, &status, &grace,
		&d.MissedAt, &d.MissedReason, &d.TakenAt, &d.Version,
	)
	if err != nil {
		return dose.ScheduledDose{}, err
	}
	d.Status = dose.Status(status)
	d.ScheduledAt = d.ScheduledAt.UTC()
	if len(grace) > 0 {
		var g dose.GraceAnnotation
		if err := json.Unmarshal(grace, &g); err != nil {
			return dose.ScheduledDose{}, fmt.Errorf("decode grace annotation of dose %s: %w", d.ID, err)
		}
		d.Grace = &g
	}
	return d, nil
}

func collectDoses(rows pgx.Rows) ([]dose.ScheduledDose, error) {
	defer rows.Close()
	var out []dose.ScheduledDose
	for rows.Next() {
		d, err := scanDose(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDose implements dose.Store
func (s *Store) GetDose(ctx context.Context, id string) (dose.ScheduledDose, error) {
	query := `SELECT ` + doseColumns + ` FROM scheduled_doses WHERE id = $1`

	d, err := scanDose(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return dose.ScheduledDose{}, dose.NotFound("get_dose", "dose", id)
	}
	if err != nil {
		return dose.ScheduledDose{}, dose.TransientStorage("get_dose", err)
	}
	return d, nil
}

// FindDose implements dose.Store
func (s *Store) FindDose(ctx context.Context, ref dose.Ref) (dose.ScheduledDose, error) {
	query := `SELECT ` + doseColumns + ` FROM scheduled_doses WHERE command_id = $1 AND scheduled_at = $2`

	d, err := scanDose(s.db.QueryRow(ctx, query, ref.CommandID, ref.ScheduledAt.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return dose.ScheduledDose{}, dose.NotFound("find_dose", "dose for command",
			ref.CommandID+"@"+ref.ScheduledAt.UTC().Format(time.RFC3339))
	}
	if err != nil {
		return dose.ScheduledDose{}, dose.TransientStorage("find_dose", err)
	}
	return d, nil
}

// ListDue implements dose.Store
func (s *Store) ListDue(ctx context.Context, from, to time.Time) ([]dose.ScheduledDose, error) {
	ctx, span := s.tracer.Start(ctx, "list_due_doses",
		trace.WithAttributes(
			attribute.String("from", from.UTC().Format(time.RFC3339)),
			attribute.String("to", to.UTC().Format(time.RFC3339)),
		))
	defer span.End()

	query := `
		SELECT ` + doseColumns + `
		FROM scheduled_doses
		WHERE status = 'scheduled'
		  AND scheduled_at >= $1
		  AND scheduled_at <= $2
		ORDER BY scheduled_at ASC, id ASC
	`

	rows, err := s.db.Query(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query due doses: %w", err)
	}
	out, err := collectDoses(rows)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scan due doses: %w", err)
	}
	span.SetAttributes(attribute.Int("doses", len(out)))
	return out, nil
}

// RecentByCommand implements dose.Store
func (s *Store) RecentByCommand(ctx context.Context, commandID string, until time.Time, limit int) ([]dose.ScheduledDose, error) {
	query := `
		SELECT ` + doseColumns + `
		FROM scheduled_doses
		WHERE command_id = $1
		  AND scheduled_at <= $2
		ORDER BY scheduled_at DESC
		LIMIT $3
	`

	rows, err := s.db.Query(ctx, query, commandID, until.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query dose history: %w", err)
	}
	return collectDoses(rows)
}
