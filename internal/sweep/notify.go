package sweep

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

// Severity of a family notification
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Trigger names the rule clause that fired
type Trigger string

const (
	TriggerImmediate          Trigger = "immediate"
	TriggerConsecutiveMisses  Trigger = "consecutive_misses"
	TriggerCriticalMedication Trigger = "critical_medication"
)

// warningThreshold is the number of doses missed together that raises severity to warning
const warningThreshold = 3

// Rule is a family member's notification preference for a patient
type Rule struct {
	ID             string `json:"id"`
	PatientID      string `json:"patient_id"`
	FamilyMemberID string `json:"family_member_id"`
	Immediate      bool   `json:"immediate"`
	// ConsecutiveMissThreshold of zero disables the consecutive clause
	ConsecutiveMissThreshold int  `json:"consecutive_miss_threshold"`
	CriticalOnly             bool `json:"critical_only"`
	Enabled                  bool `json:"enabled"`
}

// RuleStore reads family notification rules
type RuleStore interface {
	RulesForPatients(ctx context.Context, patientIDs []string) (map[string][]Rule, error)
}

// MissedDoseSummary describes one missed dose inside a notification
type MissedDoseSummary struct {
	DoseID         string          `json:"dose_id"`
	CommandID      string          `json:"command_id"`
	MedicationName string          `json:"medication_name"`
	MedicationType medication.Type `json:"medication_type"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	GracePeriodEnd time.Time       `json:"grace_period_end"`
	GraceMinutes   int             `json:"grace_minutes"`
}

// Notification is a queued family alert. Delivery belongs to another service.
type Notification struct {
	ID                string              `json:"id"`
	IdempotencyKey    string              `json:"idempotency_key"`
	PatientID         string              `json:"patient_id"`
	RuleID            string              `json:"rule_id"`
	FamilyMemberID    string              `json:"family_member_id"`
	TriggeringRule    Trigger             `json:"triggering_rule"`
	ConsecutiveMisses int                 `json:"consecutive_misses,omitempty"`
	MissedDoses       []MissedDoseSummary `json:"missed_dose_summaries"`
	Severity          Severity            `json:"severity"`
	CreatedAt         time.Time           `json:"created_at"`
}

// SeverityOf grades a group of doses missed together
func SeverityOf(missed []MissedDoseSummary) Severity {
	for _, m := range missed {
		if m.MedicationType == medication.TypeCritical {
			return SeverityCritical
		}
	}
	if len(missed) >= warningThreshold {
		return SeverityWarning
	}
	return SeverityInfo
}

// evaluator decides which rules fire for one patient's newly missed doses.
// Statuses written earlier in the same batch are not yet visible through
// the dose store, so they are overlaid from missedInBatch.
type evaluator struct {
	doses         dose.Store
	historyLimit  int
	missedInBatch map[string]bool
	now           time.Time
}

// evaluate returns the notifications triggered by the rules. Rules are
// OR-ed clauses checked in order: immediate, consecutive misses, critical.
func (e *evaluator) evaluate(ctx context.Context, patientID string, rules []Rule, missed []MissedDoseSummary) ([]Notification, error) {
	if len(missed) == 0 {
		return nil, nil
	}

	var streak int
	streakLoaded := false
	hasCritical := SeverityOf(missed) == SeverityCritical
	doseIDs := make([]string, 0, len(missed))
	for _, m := range missed {
		doseIDs = append(doseIDs, m.DoseID)
	}

	var out []Notification
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		var trigger Trigger
		switch {
		case rule.Immediate:
			trigger = TriggerImmediate
		case rule.ConsecutiveMissThreshold > 0:
			if !streakLoaded {
				s, err := e.longestStreak(ctx, missed)
				if err != nil {
					return nil, err
				}
				streak, streakLoaded = s, true
			}
			if streak >= rule.ConsecutiveMissThreshold {
				trigger = TriggerConsecutiveMisses
			}
		}
		if trigger == "" && rule.CriticalOnly && hasCritical {
			trigger = TriggerCriticalMedication
		}
		if trigger == "" {
			continue
		}

		n := Notification{
			ID:             uuid.New().String(),
			IdempotencyKey: idempotency.NotificationKey(patientID, rule.ID, doseIDs),
			PatientID:      patientID,
			RuleID:         rule.ID,
			FamilyMemberID: rule.FamilyMemberID,
			TriggeringRule: trigger,
			MissedDoses:    missed,
			Severity:       SeverityOf(missed),
			CreatedAt:      e.now,
		}
		if trigger == TriggerConsecutiveMisses {
			n.ConsecutiveMisses = streak
		}
		out = append(out, n)
	}
	return out, nil
}

// longestStreak walks each affected medication's history newest first and
// counts misses until a taken or skipped dose ends the streak. Doses still
// scheduled neither count nor break it.
func (e *evaluator) longestStreak(ctx context.Context, missed []MissedDoseSummary) (int, error) {
	commands := make(map[string]time.Time)
	for _, m := range missed {
		if m.ScheduledAt.After(commands[m.CommandID]) {
			commands[m.CommandID] = m.ScheduledAt
		}
	}
	ids := make([]string, 0, len(commands))
	for id := range commands {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	longest := 0
	for _, commandID := range ids {
		history, err := e.doses.RecentByCommand(ctx, commandID, commands[commandID], e.historyLimit)
		if err != nil {
			return 0, err
		}
		count := 0
	walk:
		for _, d := range history {
			status := d.Status
			if e.missedInBatch[d.ID] {
				status = dose.StatusMissed
			}
			switch status {
			case dose.StatusMissed:
				count++
			case dose.StatusTaken, dose.StatusSkipped:
				break walk
			}
		}
		if count > longest {
			longest = count
		}
	}
	return longest, nil
}
