package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

const uniqueViolation = "23505"

const eventColumns = `id, dose_id, command_id, patient_id, event_type, payload,
	scheduled_for, actual_at, correlation_id, COALESCE(causation_id, ''), created_by, created_at`

func scanEvent(row pgx.Row) (*dose.Event, error) {
	var (
		ev        dose.Event
		eventType string
		payload   []byte
	)
	err := row.Scan(
		&ev.ID, &ev.DoseID, &ev.CommandID, &ev.PatientID, &eventType, &payload,
		&ev.ScheduledFor, &ev.ActualAt, &ev.CorrelationID, &ev.CausationID, &ev.CreatedBy, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.Payload, err = dose.DecodePayload(dose.EventType(eventType), payload)
	if err != nil {
		return nil, fmt.Errorf("decode event %s: %w", ev.ID, err)
	}
	ev.ScheduledFor = ev.ScheduledFor.UTC()
	ev.ActualAt = ev.ActualAt.UTC()
	ev.CreatedAt = ev.CreatedAt.UTC()
	return &ev, nil
}

func (s *Store) queryEvents(ctx context.Context, where string, args ...any) ([]*dose.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM dose_events WHERE ` + where + ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, dose.TransientStorage("query_events", err)
	}
	defer rows.Close()

	var out []*dose.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetEvent implements dose.EventStore
func (s *Store) GetEvent(ctx context.Context, id string) (*dose.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM dose_events WHERE id = $1`

	ev, err := scanEvent(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dose.NotFound("get_event", "event", id)
	}
	if err != nil {
		return nil, dose.TransientStorage("get_event", err)
	}
	return ev, nil
}

// RecentTakes implements dose.EventStore
func (s *Store) RecentTakes(ctx context.Context, commandID string, since time.Time) ([]*dose.Event, error) {
	return s.queryEvents(ctx, `command_id = $1 AND event_type = $2 AND created_at >= $3`,
		commandID, string(dose.EventTake), since.UTC())
}

// EventsByCause implements dose.EventStore
func (s *Store) EventsByCause(ctx context.Context, eventID string) ([]*dose.Event, error) {
	return s.queryEvents(ctx, `causation_id = $1`, eventID)
}

// EventsByDose implements dose.EventStore
func (s *Store) EventsByDose(ctx context.Context, doseID string) ([]*dose.Event, error) {
	return s.queryEvents(ctx, `dose_id = $1`, doseID)
}

// Record implements dose.Ledger. The guarded status write, the event row and
// the outbox entry share one transaction.
func (s *Store) Record(ctx context.Context, ev *dose.Event, tr *dose.Transition) error {
	ctx, span := s.tracer.Start(ctx, "record_dose_event",
		trace.WithAttributes(
			attribute.String("event_id", ev.ID),
			attribute.String("event_type", string(ev.Type())),
			attribute.String("dose_id", ev.DoseID),
		))
	defer span.End()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	message, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return dose.TransientStorage("record_event", err)
	}
	defer tx.Rollback(ctx)

	if tr != nil {
		if err := s.applyTransition(ctx, tx, tr); err != nil {
			span.RecordError(err)
			return err
		}
	}

	insert := `
		INSERT INTO dose_events
		(id, dose_id, command_id, patient_id, event_type, payload,
		 scheduled_for, actual_at, correlation_id, causation_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
	`
	_, err = tx.Exec(ctx, insert,
		ev.ID, ev.DoseID, ev.CommandID, ev.PatientID, string(ev.Type()), payload,
		ev.ScheduledFor.UTC(), ev.ActualAt.UTC(), ev.CorrelationID, ev.CausationID, ev.CreatedBy, ev.CreatedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return &dose.Error{Kind: dose.KindConflict, Op: "record_event", RelatedID: ev.ID, Message: "event already recorded"}
		}
		return dose.TransientStorage("record_event", err)
	}

	entry := &OutboxEntry{
		AggregateID:   ev.DoseID,
		AggregateType: "dose",
		EventType:     string(ev.Type()),
		Payload:       message,
		KafkaTopic:    redpanda.TopicDoseEvents,
		KafkaKey:      ev.DoseID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return dose.TransientStorage("record_event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return dose.TransientStorage("record_event", err)
	}

	s.logger.Debug("dose event recorded",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type())),
		zap.String("dose_id", ev.DoseID),
		zap.Int64("outbox_id", entry.ID))
	return nil
}

// applyTransition writes the new status only if the dose is still at the
// expected version
func (s *Store) applyTransition(ctx context.Context, tx pgx.Tx, tr *dose.Transition) error {
	update := `
		UPDATE scheduled_doses
		SET status = $1, taken_at = $2, missed_at = $3, missed_reason = NULLIF($4, ''),
		    version = version + 1, updated_at = NOW()
		WHERE id = $5 AND version = $6
	`
	tag, err := tx.Exec(ctx, update, string(tr.To), tr.TakenAt, tr.MissedAt, tr.MissedReason, tr.DoseID, tr.ExpectedVersion)
	if err != nil {
		return dose.TransientStorage("record_event", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_doses WHERE id = $1)`, tr.DoseID).Scan(&exists); err != nil {
		return dose.TransientStorage("record_event", err)
	}
	if !exists {
		return dose.NotFound("record_event", "dose", tr.DoseID)
	}
	return &dose.Error{
		Kind:      dose.KindConflict,
		Op:        "record_event",
		RelatedID: tr.DoseID,
		Message:   "dose was modified concurrently, retry",
	}
}
