// Package postgres persists doses, dose events, patient configuration and
// queued family notifications, and relays the transactional outbox.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is satisfied by *pgxpool.Pool and by pgxmock pools in tests
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolConfig holds connection pool settings
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pool and verifies the database is reachable
func Connect(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Schema creates every table the stores and the outbox relay use
const Schema = `
CREATE TABLE IF NOT EXISTS medication_commands (
	id                   TEXT PRIMARY KEY,
	patient_id           TEXT NOT NULL,
	name                 TEXT NOT NULL,
	generic_name         TEXT NOT NULL DEFAULT '',
	dosage               TEXT NOT NULL DEFAULT '',
	frequency            TEXT NOT NULL DEFAULT '',
	as_needed            BOOLEAN NOT NULL DEFAULT FALSE,
	grace_period_minutes INT,
	requires_food        BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS scheduled_doses (
	id            TEXT PRIMARY KEY,
	command_id    TEXT NOT NULL,
	patient_id    TEXT NOT NULL,
	scheduled_at  TIMESTAMPTZ NOT NULL,
	status        TEXT NOT NULL DEFAULT 'scheduled',
	grace         JSONB,
	missed_at     TIMESTAMPTZ,
	missed_reason TEXT,
	taken_at      TIMESTAMPTZ,
	version       INT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (command_id, scheduled_at)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_doses_due ON scheduled_doses (scheduled_at) WHERE status = 'scheduled';

CREATE TABLE IF NOT EXISTS dose_events (
	id             TEXT PRIMARY KEY,
	dose_id        TEXT NOT NULL,
	command_id     TEXT NOT NULL,
	patient_id     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	scheduled_for  TIMESTAMPTZ NOT NULL,
	actual_at      TIMESTAMPTZ NOT NULL,
	correlation_id TEXT NOT NULL,
	causation_id   TEXT,
	created_by     TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dose_events_dose ON dose_events (dose_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dose_events_takes ON dose_events (command_id, created_at) WHERE event_type = 'take';
CREATE INDEX IF NOT EXISTS idx_dose_events_cause ON dose_events (causation_id);

CREATE TABLE IF NOT EXISTS patient_grace_configs (
	patient_id TEXT PRIMARY KEY,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS family_notification_rules (
	id                         TEXT PRIMARY KEY,
	patient_id                 TEXT NOT NULL,
	family_member_id           TEXT NOT NULL,
	immediate                  BOOLEAN NOT NULL DEFAULT FALSE,
	consecutive_miss_threshold INT NOT NULL DEFAULT 0,
	critical_only              BOOLEAN NOT NULL DEFAULT FALSE,
	enabled                    BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_family_rules_patient ON family_notification_rules (patient_id);

CREATE TABLE IF NOT EXISTS family_notifications (
	id               TEXT PRIMARY KEY,
	idempotency_key  TEXT NOT NULL UNIQUE,
	patient_id       TEXT NOT NULL,
	rule_id          TEXT NOT NULL,
	family_member_id TEXT NOT NULL,
	triggering_rule  TEXT NOT NULL,
	severity         TEXT NOT NULL,
	payload          JSONB NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS patient_daily_stats (
	patient_id   TEXT NOT NULL,
	day          DATE NOT NULL,
	missed_count INT NOT NULL DEFAULT 0,
	PRIMARY KEY (patient_id, day)
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	idempotency_key TEXT NOT NULL,
	scope           TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (idempotency_key, scope)
);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	kafka_topic    TEXT NOT NULL,
	kafka_key      TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INT NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (created_at) WHERE processed_at IS NULL;
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
