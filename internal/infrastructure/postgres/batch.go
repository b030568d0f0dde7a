package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/sweep"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// WithinBatch implements sweep.BatchStore with one transaction per batch
func (s *Store) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx sweep.BatchTx) error) error {
	ctx, span := s.tracer.Start(ctx, "sweep_batch_tx")
	defer span.End()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &batchTx{tx: tx, claimTTL: s.claimTTL}); err != nil {
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

type batchTx struct {
	tx       pgx.Tx
	claimTTL time.Duration
}

func (b *batchTx) MarkMissed(ctx context.Context, doseID string, expectedVersion int, missedAt time.Time, reason string, grace dose.GraceAnnotation) (bool, error) {
	annotation, err := json.Marshal(grace)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE scheduled_doses
		SET status = 'missed', missed_at = $1, missed_reason = $2, grace = $3,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4 AND status = 'scheduled' AND version = $5
	`
	tag, err := b.tx.Exec(ctx, query, missedAt.UTC(), reason, annotation, doseID, expectedVersion)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Annotate leaves version alone so it never races a patient's action
func (b *batchTx) Annotate(ctx context.Context, doseID string, grace dose.GraceAnnotation) (bool, error) {
	annotation, err := json.Marshal(grace)
	if err != nil {
		return false, err
	}
	tag, err := b.tx.Exec(ctx,
		`UPDATE scheduled_doses SET grace = $1 WHERE id = $2 AND status = 'scheduled'`,
		annotation, doseID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (b *batchTx) EnqueueNotification(ctx context.Context, n sweep.Notification) (bool, error) {
	claimed, err := idempotency.Claim(ctx, b.tx, idempotency.ScopeFamilyNotification, n.IdempotencyKey, b.claimTTL)
	if err != nil || !claimed {
		return false, err
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	insert := `
		INSERT INTO family_notifications
		(id, idempotency_key, patient_id, rule_id, family_member_id, triggering_rule, severity, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = b.tx.Exec(ctx, insert,
		n.ID, n.IdempotencyKey, n.PatientID, n.RuleID, n.FamilyMemberID,
		string(n.TriggeringRule), string(n.Severity), payload, n.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	err = WriteEntry(ctx, b.tx, &OutboxEntry{
		AggregateID:   n.PatientID,
		AggregateType: "patient",
		EventType:     string(n.TriggeringRule),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicFamilyNotifications,
		KafkaKey:      n.PatientID,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *batchTx) IncrementMissedCount(ctx context.Context, patientID string, day time.Time, n int) error {
	query := `
		INSERT INTO patient_daily_stats (patient_id, day, missed_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (patient_id, day)
		DO UPDATE SET missed_count = patient_daily_stats.missed_count + EXCLUDED.missed_count
	`
	_, err := b.tx.Exec(ctx, query, patientID, day.UTC(), n)
	return err
}
