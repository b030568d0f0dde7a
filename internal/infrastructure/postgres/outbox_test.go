package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
)

type published struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail func(topic, key string) error
}

func (f *fakePublisher) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if f.fail != nil {
		if err := f.fail(topic, key); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, key: key, value: value, headers: headers})
	return nil
}

type countingRelayMetrics struct {
	published, failed, deadLettered int
}

func (c *countingRelayMetrics) OutboxPublished(string) { c.published++ }
func (c *countingRelayMetrics) OutboxFailed(string)    { c.failed++ }
func (c *countingRelayMetrics) OutboxDeadLettered(n int) {
	c.deadLettered += n
}

var outboxCols = []string{"id", "aggregate_id", "aggregate_type", "event_type", "payload",
	"kafka_topic", "kafka_key", "created_at", "retry_count", "last_error"}

func expectLock(mock pgxmock.PgxPoolIface, acquired bool) {
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WithArgs(relayLockID).
		WillReturnRows(pgxmock.NewRows([]string{"acquired"}).AddRow(acquired))
}

func TestProcessBatch_PublishesAndRecordsFailures(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pub := &fakePublisher{fail: func(topic, key string) error {
		if key == "d2" {
			return errors.New("broker unavailable")
		}
		return nil
	}}
	metrics := &countingRelayMetrics{}
	relay := NewOutbox(mock, pub, DefaultOutboxConfig(), nil).WithMetrics(metrics)

	expectLock(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox")).
		WithArgs(5, 100).
		WillReturnRows(pgxmock.NewRows(outboxCols).
			AddRow(int64(1), "d1", "dose", "take", []byte(`{"id":"e1"}`), redpanda.TopicDoseEvents, "d1", at, 0, nil).
			AddRow(int64(2), "d2", "dose", "skip", []byte(`{"id":"e2"}`), redpanda.TopicDoseEvents, "d2", at, 1, nil))
	mock.ExpectExec(regexp.QuoteMeta("SET processed_at = NOW()")).
		WithArgs(int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("SET retry_count = retry_count + 1")).
		WithArgs("broker unavailable", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, redpanda.TopicDoseEvents, pub.sent[0].topic)
	assert.Equal(t, "d1", pub.sent[0].key)
	assert.Equal(t, "take", pub.sent[0].headers["event_type"])
	assert.Equal(t, 1, metrics.published)
	assert.Equal(t, 1, metrics.failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatch_LockHeldElsewhere(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pub := &fakePublisher{}
	relay := NewOutbox(mock, pub, DefaultOutboxConfig(), nil)

	expectLock(mock, false)
	mock.ExpectRollback()

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.sent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatch_OpenBreakerPausesRelay(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cfg := circuitbreaker.DefaultConfig("broker")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Minute
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	pub := &fakePublisher{fail: func(string, string) error { return errors.New("broker unavailable") }}
	relay := NewOutbox(mock, pub, DefaultOutboxConfig(), nil).WithBreaker(cb)

	expectLock(mock, true)
	mock.ExpectQuery(regexp.QuoteMeta("FROM outbox")).
		WithArgs(5, 100).
		WillReturnRows(pgxmock.NewRows(outboxCols).
			AddRow(int64(1), "d1", "dose", "take", []byte(`{}`), redpanda.TopicDoseEvents, "d1", at, 0, nil).
			AddRow(int64(2), "d2", "dose", "take", []byte(`{}`), redpanda.TopicDoseEvents, "d2", at, 0, nil))
	// only the first entry is charged a retry; the second is never attempted
	mock.ExpectExec(regexp.QuoteMeta("SET retry_count = retry_count + 1")).
		WithArgs("broker unavailable", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, cb.IsOpen())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMoveToDeadLetter(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pub := &fakePublisher{}
	metrics := &countingRelayMetrics{}
	relay := NewOutbox(mock, pub, DefaultOutboxConfig(), nil).WithMetrics(metrics)
	lastErr := "broker unavailable"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("retry_count >= $1")).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(outboxCols).
			AddRow(int64(9), "p1", "patient", "immediate", []byte(`{"patient_id":"p1"}`),
				redpanda.TopicFamilyNotifications, "p1", at, 5, &lastErr))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE outbox SET processed_at = NOW()")).
		WithArgs(int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := relay.MoveToDeadLetter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, metrics.deadLettered)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, redpanda.TopicDeadLetter, pub.sent[0].topic)
	var dl deadLetter
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &dl))
	assert.Equal(t, redpanda.TopicFamilyNotifications, dl.OriginalTopic)
	assert.Equal(t, 5, dl.RetryCount)
	require.NotNil(t, dl.LastError)
	assert.Equal(t, lastErr, *dl.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupProcessed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	relay := NewOutbox(mock, &fakePublisher{}, DefaultOutboxConfig(), nil)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outbox")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := relay.CleanupProcessed(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
