package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/internal/sweep"
)

var at = time.Date(2026, time.October, 14, 8, 0, 0, 0, time.UTC)

var doseCols = []string{"id", "command_id", "patient_id", "scheduled_at", "status", "grace",
	"missed_at", "missed_reason", "taken_at", "version"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewStore(mock, nil)
}

func TestGetDose_NotFound(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduled_doses WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetDose(context.Background(), "missing")
	assert.Equal(t, dose.KindNotFound, dose.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDose_StorageFailure(t *testing.T) {
	mock, store := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM scheduled_doses WHERE id = $1")).
		WithArgs("d1").
		WillReturnError(errors.New("connection reset"))

	_, err := store.GetDose(context.Background(), "d1")
	assert.Equal(t, dose.KindTransientStorage, dose.KindOf(err))
}

func TestListDue_DecodesGraceAnnotation(t *testing.T) {
	mock, store := newMock(t)
	annotation, err := json.Marshal(dose.GraceAnnotation{
		Minutes:      30,
		End:          at.Add(30 * time.Minute),
		AppliedRules: []dose.AppliedRule{{Rule: "default_morning", Minutes: 30}},
	})
	require.NoError(t, err)

	rows := pgxmock.NewRows(doseCols).
		AddRow("d1", "c1", "p1", at, "scheduled", annotation, nil, "", nil, 0).
		AddRow("d2", "c1", "p1", at.Add(time.Hour), "scheduled", nil, nil, "", nil, 2)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'scheduled'")).
		WithArgs(at.Add(-24*time.Hour), at.Add(2*time.Hour)).
		WillReturnRows(rows)

	due, err := store.ListDue(context.Background(), at.Add(-24*time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.NotNil(t, due[0].Grace)
	assert.Equal(t, 30, due[0].Grace.Minutes)
	assert.Equal(t, []string{"default_morning"}, due[0].Grace.RuleNames())
	assert.Equal(t, dose.StatusScheduled, due[0].Status)
	assert.Nil(t, due[1].Grace)
	assert.Equal(t, 2, due[1].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func skipEvent(t *testing.T) *dose.Event {
	t.Helper()
	ev, err := dose.NewEvent(dose.ScheduledDose{ID: "d1", CommandID: "c1", PatientID: "p1", ScheduledAt: at},
		dose.SkipPayload{Reason: "travelling"}, "p1", at)
	require.NoError(t, err)
	return ev
}

func eventArgs(ev *dose.Event) []any {
	return []any{ev.ID, ev.DoseID, ev.CommandID, ev.PatientID, string(ev.Type()), pgxmock.AnyArg(),
		ev.ScheduledFor.UTC(), ev.ActualAt, ev.CorrelationID, ev.CausationID, ev.CreatedBy, ev.CreatedAt}
}

func TestRecord_WritesTransitionEventAndOutbox(t *testing.T) {
	mock, store := newMock(t)
	ev := skipEvent(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_doses")).
		WithArgs("skipped", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "d1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dose_events")).
		WithArgs(eventArgs(ev)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox")).
		WithArgs("d1", "dose", "skip", pgxmock.AnyArg(), "dose.events", "d1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), at))
	mock.ExpectCommit()

	err := store.Record(context.Background(), ev, &dose.Transition{DoseID: "d1", ExpectedVersion: 3, To: dose.StatusSkipped})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_VersionConflict(t *testing.T) {
	mock, store := newMock(t)
	ev := skipEvent(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_doses")).
		WithArgs("skipped", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "d1", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := store.Record(context.Background(), ev, &dose.Transition{DoseID: "d1", ExpectedVersion: 0, To: dose.StatusSkipped})
	assert.True(t, errors.Is(err, dose.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecord_MissingDose(t *testing.T) {
	mock, store := newMock(t)
	ev := skipEvent(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE scheduled_doses")).
		WithArgs("skipped", pgxmock.AnyArg(), pgxmock.AnyArg(), "", "d1", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("d1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := store.Record(context.Background(), ev, &dose.Transition{DoseID: "d1", To: dose.StatusSkipped})
	assert.Equal(t, dose.KindNotFound, dose.KindOf(err))
}

func TestRecord_DuplicateEventID(t *testing.T) {
	mock, store := newMock(t)
	ev := skipEvent(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dose_events")).
		WithArgs(eventArgs(ev)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.Record(context.Background(), ev, nil)
	assert.Equal(t, dose.KindConflict, dose.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBatch_CommitsSweepWrites(t *testing.T) {
	mock, store := newMock(t)
	n := sweep.Notification{
		ID:             "n1",
		IdempotencyKey: "key-1",
		PatientID:      "p1",
		RuleID:         "r1",
		FamilyMemberID: "f1",
		TriggeringRule: sweep.TriggerImmediate,
		Severity:       sweep.SeverityInfo,
		CreatedAt:      at,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'missed'")).
		WithArgs(at, dose.MissedReasonAutomatic, pgxmock.AnyArg(), "d1", 0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET grace = $1")).
		WithArgs(pgxmock.AnyArg(), "d2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO patient_daily_stats")).
		WithArgs("p1", at, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("key-1", "family_notification", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO family_notifications")).
		WithArgs("n1", "key-1", "p1", "r1", "f1", "immediate", "info", pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO outbox")).
		WithArgs("p1", "patient", "immediate", pgxmock.AnyArg(), "family.notifications", "p1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), at))
	mock.ExpectCommit()

	err := store.WithinBatch(context.Background(), func(ctx context.Context, tx sweep.BatchTx) error {
		ok, err := tx.MarkMissed(ctx, "d1", 0, at, dose.MissedReasonAutomatic, dose.GraceAnnotation{Minutes: 30})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.Annotate(ctx, "d2", dose.GraceAnnotation{Minutes: 45})
		require.NoError(t, err)
		assert.False(t, ok, "dose no longer scheduled")

		require.NoError(t, tx.IncrementMissedCount(ctx, "p1", at, 1))

		queued, err := tx.EnqueueNotification(ctx, n)
		require.NoError(t, err)
		assert.True(t, queued)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBatch_DuplicateNotificationSkipped(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("key-1", "family_notification", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := store.WithinBatch(context.Background(), func(ctx context.Context, tx sweep.BatchTx) error {
		queued, err := tx.EnqueueNotification(ctx, sweep.Notification{IdempotencyKey: "key-1", PatientID: "p1"})
		require.NoError(t, err)
		assert.False(t, queued)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinBatch_RollsBackOnError(t *testing.T) {
	mock, store := newMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET status = 'missed'")).
		WithArgs(at, dose.MissedReasonAutomatic, pgxmock.AnyArg(), "d1", 0).
		WillReturnError(boom)
	mock.ExpectRollback()

	err := store.WithinBatch(context.Background(), func(ctx context.Context, tx sweep.BatchTx) error {
		_, err := tx.MarkMissed(ctx, "d1", 0, at, dose.MissedReasonAutomatic, dose.GraceAnnotation{})
		return err
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConfig(t *testing.T) {
	mock, store := newMock(t)
	raw, err := json.Marshal(grace.DefaultConfig("p1"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("FROM patient_grace_configs")).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"config"}).AddRow(raw))
	mock.ExpectQuery(regexp.QuoteMeta("FROM patient_grace_configs")).
		WithArgs("p2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("FROM patient_grace_configs")).
		WithArgs("p3").
		WillReturnRows(pgxmock.NewRows([]string{"config"}).AddRow([]byte("{not json")))

	cfg, err := store.GetConfig(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.DefaultGracePeriods["morning"])

	_, err = store.GetConfig(context.Background(), "p2")
	assert.Equal(t, dose.KindNotFound, dose.KindOf(err))

	_, err = store.GetConfig(context.Background(), "p3")
	assert.Equal(t, dose.KindConfiguration, dose.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRulesForPatients(t *testing.T) {
	mock, store := newMock(t)
	rows := pgxmock.NewRows([]string{"id", "patient_id", "family_member_id", "immediate",
		"consecutive_miss_threshold", "critical_only", "enabled"}).
		AddRow("r1", "p1", "f1", true, 0, false, true).
		AddRow("r2", "p1", "f2", false, 3, false, true).
		AddRow("r3", "p2", "f3", false, 0, true, false)
	mock.ExpectQuery(regexp.QuoteMeta("FROM family_notification_rules")).
		WithArgs([]string{"p1", "p2"}).
		WillReturnRows(rows)

	rules, err := store.RulesForPatients(context.Background(), []string{"p1", "p2"})
	require.NoError(t, err)
	assert.Len(t, rules["p1"], 2)
	assert.Equal(t, 3, rules["p1"][1].ConsecutiveMissThreshold)
	assert.True(t, rules["p2"][0].CriticalOnly)
	assert.False(t, rules["p2"][0].Enabled)

	empty, err := store.RulesForPatients(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NoError(t, mock.ExpectationsWereMet())
}
