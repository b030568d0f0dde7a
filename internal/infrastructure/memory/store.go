// Package memory provides an in-process implementation of every store the
// adherence engine reads and writes. It backs the memory storage mode and
// the domain tests.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/grace"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/sweep"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// OutboxMessage is a message that would be relayed to the broker
type OutboxMessage struct {
	Topic   string
	Key     string
	Type    string
	Payload json.RawMessage
}

// Store keeps doses, events, commands, configs, rules and queued
// notifications in maps guarded by one RWMutex
type Store struct {
	mu            sync.RWMutex
	doses         map[string]dose.ScheduledDose
	events        []*dose.Event
	eventsByID    map[string]*dose.Event
	commands      map[string]medication.Command
	configs       map[string]grace.PatientGraceConfig
	rules         map[string][]sweep.Rule
	notifications []sweep.Notification
	missedCounts  map[string]int
	outbox        []OutboxMessage

	claims *idempotency.Set
	// batchMu serializes sweep batches so staged guards stay meaningful
	batchMu sync.Mutex
}

// New creates an empty store
func New() *Store {
	return &Store{
		doses:        make(map[string]dose.ScheduledDose),
		eventsByID:   make(map[string]*dose.Event),
		commands:     make(map[string]medication.Command),
		configs:      make(map[string]grace.PatientGraceConfig),
		rules:        make(map[string][]sweep.Rule),
		missedCounts: make(map[string]int),
		claims:       idempotency.NewSet(),
	}
}

// PutDose inserts or replaces a dose
func (s *Store) PutDose(d dose.ScheduledDose) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ScheduledAt = d.ScheduledAt.UTC()
	if d.Status == "" {
		d.Status = dose.StatusScheduled
	}
	s.doses[d.ID] = d
}

// PutCommand inserts or replaces a medication command
func (s *Store) PutCommand(c medication.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[c.ID] = c
}

// PutRule adds a family notification rule
func (s *Store) PutRule(r sweep.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.PatientID] = append(s.rules[r.PatientID], r)
}

// GetCommand implements medication.Store
func (s *Store) GetCommand(ctx context.Context, id string) (medication.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return medication.Command{}, dose.NotFound("get_command", "medication command", id)
	}
	return c, nil
}

// GetCommands implements medication.Store. Unknown ids are omitted.
func (s *Store) GetCommands(ctx context.Context, ids []string) (map[string]medication.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]medication.Command, len(ids))
	for _, id := range ids {
		if c, ok := s.commands[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

// GetDose implements dose.Store
func (s *Store) GetDose(ctx context.Context, id string) (dose.ScheduledDose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doses[id]
	if !ok {
		return dose.ScheduledDose{}, dose.NotFound("get_dose", "dose", id)
	}
	return d, nil
}

// FindDose implements dose.Store
func (s *Store) FindDose(ctx context.Context, ref dose.Ref) (dose.ScheduledDose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.doses {
		if d.CommandID == ref.CommandID && d.ScheduledAt.Equal(ref.ScheduledAt) {
			return d, nil
		}
	}
	return dose.ScheduledDose{}, dose.NotFound("find_dose", "dose for command", ref.CommandID+"@"+ref.ScheduledAt.UTC().Format(time.RFC3339))
}

// ListDue implements dose.Store, oldest first
func (s *Store) ListDue(ctx context.Context, from, to time.Time) ([]dose.ScheduledDose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dose.ScheduledDose
	for _, d := range s.doses {
		if d.Status != dose.StatusScheduled {
			continue
		}
		if d.ScheduledAt.Before(from) || d.ScheduledAt.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out, nil
}

// RecentByCommand implements dose.Store, newest first
func (s *Store) RecentByCommand(ctx context.Context, commandID string, until time.Time, limit int) ([]dose.ScheduledDose, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []dose.ScheduledDose
	for _, d := range s.doses {
		if d.CommandID == commandID && !d.ScheduledAt.After(until) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetEvent implements dose.EventStore
func (s *Store) GetEvent(ctx context.Context, id string) (*dose.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.eventsByID[id]
	if !ok {
		return nil, dose.NotFound("get_event", "event", id)
	}
	cp := *ev
	return &cp, nil
}

// RecentTakes implements dose.EventStore
func (s *Store) RecentTakes(ctx context.Context, commandID string, since time.Time) ([]*dose.Event, error) {
	return s.filterEvents(func(ev *dose.Event) bool {
		return ev.CommandID == commandID && ev.Type() == dose.EventTake && !ev.CreatedAt.Before(since)
	}), nil
}

// EventsByCause implements dose.EventStore
func (s *Store) EventsByCause(ctx context.Context, eventID string) ([]*dose.Event, error) {
	return s.filterEvents(func(ev *dose.Event) bool { return ev.CausationID == eventID }), nil
}

// EventsByDose implements dose.EventStore
func (s *Store) EventsByDose(ctx context.Context, doseID string) ([]*dose.Event, error) {
	return s.filterEvents(func(ev *dose.Event) bool { return ev.DoseID == doseID }), nil
}

// filterEvents returns copies in append order
func (s *Store) filterEvents(keep func(*dose.Event) bool) []*dose.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*dose.Event
	for _, ev := range s.events {
		if keep(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out
}

// Record implements dose.Ledger: the event, the guarded transition and the
// outbox message are applied together or not at all
func (s *Store) Record(ctx context.Context, ev *dose.Event, tr *dose.Transition) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.eventsByID[ev.ID]; exists {
		return &dose.Error{Kind: dose.KindConflict, Op: "record_event", RelatedID: ev.ID, Message: "event already recorded"}
	}
	if tr != nil {
		d, ok := s.doses[tr.DoseID]
		if !ok {
			return dose.NotFound("record_event", "dose", tr.DoseID)
		}
		if d.Version != tr.ExpectedVersion {
			return &dose.Error{
				Kind:      dose.KindConflict,
				Op:        "record_event",
				RelatedID: d.ID,
				Message:   "dose was modified concurrently, retry",
			}
		}
		d.Status = tr.To
		d.TakenAt = tr.TakenAt
		d.MissedAt = tr.MissedAt
		d.MissedReason = tr.MissedReason
		d.Version++
		s.doses[d.ID] = d
	}

	cp := *ev
	s.events = append(s.events, &cp)
	s.eventsByID[ev.ID] = &cp
	s.outbox = append(s.outbox, OutboxMessage{
		Topic:   redpanda.TopicDoseEvents,
		Key:     ev.DoseID,
		Type:    string(ev.Type()),
		Payload: payload,
	})
	return nil
}

// GetConfig implements grace.ConfigSource
func (s *Store) GetConfig(ctx context.Context, patientID string) (grace.PatientGraceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[patientID]
	if !ok {
		return grace.PatientGraceConfig{}, dose.NotFound("get_config", "grace config for patient", patientID)
	}
	return c, nil
}

// SaveConfig stores a patient's grace configuration
func (s *Store) SaveConfig(ctx context.Context, cfg grace.PatientGraceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = time.Now().UTC()
	s.configs[cfg.PatientID] = cfg
	return nil
}

// RulesForPatients implements sweep.RuleStore
func (s *Store) RulesForPatients(ctx context.Context, patientIDs []string) (map[string][]sweep.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]sweep.Rule, len(patientIDs))
	for _, id := range patientIDs {
		if rs := s.rules[id]; len(rs) > 0 {
			out[id] = append([]sweep.Rule(nil), rs...)
		}
	}
	return out, nil
}

// Notifications returns the queued family notifications
func (s *Store) Notifications() []sweep.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]sweep.Notification(nil), s.notifications...)
}

// Outbox returns the messages waiting to be relayed
func (s *Store) Outbox() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]OutboxMessage(nil), s.outbox...)
}

// MissedCount returns the daily missed-dose counter of a patient
func (s *Store) MissedCount(patientID string, day time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.missedCounts[statsKey(patientID, day)]
}

func statsKey(patientID string, day time.Time) string {
	return patientID + "|" + day.UTC().Format("2006-01-02")
}
