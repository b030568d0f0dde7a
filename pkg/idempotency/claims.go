// Package idempotency provides deterministic idempotency keys and
// insert-if-absent claims so replayed work has no duplicate side effects.
// Keys are Hash(parts...) with set-valued parts sorted first.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Scopes namespace keys that share the claims table
const (
	ScopeFamilyNotification = "family_notification"
)

// GenerateKey creates a deterministic key from ordered components
func GenerateKey(parts ...string) string {
	data := strings.Join(parts, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// NotificationKey identifies one alert for a rule over a set of missed doses.
// The dose ids are treated as a set: order does not change the key.
func NotificationKey(patientID, ruleID string, doseIDs []string) string {
	ids := append([]string(nil), doseIDs...)
	sort.Strings(ids)
	return GenerateKey(patientID, ruleID, strings.Join(ids, ","))
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

var tracer trace.Tracer = otel.Tracer("idempotency")

// Claim inserts the key if absent and reports whether this caller owns it.
// Run it inside the transaction that performs the guarded side effect so a
// rollback releases the claim.
func Claim(ctx context.Context, db Execer, scope, key string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "idempotency_claim",
		trace.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("idempotency_key", key),
		))
	defer span.End()

	query := `
		INSERT INTO idempotency_keys (idempotency_key, scope, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key, scope) DO NOTHING
	`

	tag, err := db.Exec(ctx, query, key, scope, time.Now().Add(ttl))
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	claimed := tag.RowsAffected() == 1
	span.SetAttributes(attribute.Bool("duplicate", !claimed))
	return claimed, nil
}

// Purge removes expired claims
func Purge(ctx context.Context, db Execer) (int64, error) {
	tag, err := db.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Set is an in-process claim set for stores without a database
type Set struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewSet creates an empty claim set
func NewSet() *Set {
	return &Set{keys: make(map[string]struct{})}
}

// Claim reports whether the scoped key was absent, recording it if so
func (s *Set) Claim(scope, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "/" + key
	if _, ok := s.keys[k]; ok {
		return false
	}
	s.keys[k] = struct{}{}
	return true
}

// Release forgets a claim, used when the guarded write is rolled back
func (s *Set) Release(scope, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, scope+"/"+key)
}

// Len returns the number of held claims
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
