package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/sweep"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

type missedWrite struct {
	doseID          string
	expectedVersion int
	missedAt        time.Time
	reason          string
	grace           dose.GraceAnnotation
}

// batchTx stages writes until the batch commits
type batchTx struct {
	store         *Store
	missed        []missedWrite
	annotations   map[string]dose.GraceAnnotation
	notifications []sweep.Notification
	claimed       []string
	counts        map[string]int
}

// WithinBatch implements sweep.BatchStore. Writes staged by fn are applied
// under one lock after fn returns nil; otherwise nothing is applied.
func (s *Store) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx sweep.BatchTx) error) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	tx := &batchTx{
		store:       s,
		annotations: make(map[string]dose.GraceAnnotation),
		counts:      make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	if err := tx.commit(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (tx *batchTx) MarkMissed(ctx context.Context, doseID string, expectedVersion int, missedAt time.Time, reason string, grace dose.GraceAnnotation) (bool, error) {
	tx.store.mu.RLock()
	d, ok := tx.store.doses[doseID]
	tx.store.mu.RUnlock()
	if !ok || d.Status != dose.StatusScheduled || d.Version != expectedVersion {
		return false, nil
	}
	tx.missed = append(tx.missed, missedWrite{
		doseID:          doseID,
		expectedVersion: expectedVersion,
		missedAt:        missedAt,
		reason:          reason,
		grace:           grace,
	})
	return true, nil
}

func (tx *batchTx) Annotate(ctx context.Context, doseID string, grace dose.GraceAnnotation) (bool, error) {
	tx.store.mu.RLock()
	d, ok := tx.store.doses[doseID]
	tx.store.mu.RUnlock()
	if !ok || d.Status != dose.StatusScheduled {
		return false, nil
	}
	tx.annotations[doseID] = grace
	return true, nil
}

func (tx *batchTx) EnqueueNotification(ctx context.Context, n sweep.Notification) (bool, error) {
	if !tx.store.claims.Claim(idempotency.ScopeFamilyNotification, n.IdempotencyKey) {
		return false, nil
	}
	tx.claimed = append(tx.claimed, n.IdempotencyKey)
	tx.notifications = append(tx.notifications, n)
	return true, nil
}

func (tx *batchTx) IncrementMissedCount(ctx context.Context, patientID string, day time.Time, n int) error {
	tx.counts[statsKey(patientID, day)] += n
	return nil
}

// commit re-checks every guard before applying anything
func (tx *batchTx) commit() error {
	s := tx.store
	payloads := make([]json.RawMessage, len(tx.notifications))
	for i, n := range tx.notifications {
		p, err := json.Marshal(n)
		if err != nil {
			return err
		}
		payloads[i] = p
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range tx.missed {
		d := s.doses[w.doseID]
		if d.Status != dose.StatusScheduled || d.Version != w.expectedVersion {
			return &dose.Error{Kind: dose.KindConflict, Op: "sweep_commit", RelatedID: w.doseID, Message: "dose changed during batch"}
		}
	}

	for _, w := range tx.missed {
		d := s.doses[w.doseID]
		missedAt := w.missedAt
		g := w.grace
		d.Status = dose.StatusMissed
		d.MissedAt = &missedAt
		d.MissedReason = w.reason
		d.Grace = &g
		d.Version++
		s.doses[d.ID] = d
	}
	for id, g := range tx.annotations {
		d, ok := s.doses[id]
		if !ok || d.Status != dose.StatusScheduled {
			continue
		}
		g := g
		d.Grace = &g
		s.doses[id] = d
	}
	for k, n := range tx.counts {
		s.missedCounts[k] += n
	}
	for i, n := range tx.notifications {
		s.notifications = append(s.notifications, n)
		s.outbox = append(s.outbox, OutboxMessage{
			Topic:   redpanda.TopicFamilyNotifications,
			Key:     n.PatientID,
			Type:    string(n.TriggeringRule),
			Payload: payloads[i],
		})
	}
	return nil
}

func (tx *batchTx) rollback() {
	for _, k := range tx.claimed {
		tx.store.claims.Release(idempotency.ScopeFamilyNotification, k)
	}
}
