// Package dose implements scheduled doses, their event history and the
// take/undo/correct/skip/snooze state machine.
package dose

import "time"

// Status represents the current status of a scheduled dose
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusTaken     Status = "taken"
	StatusMissed    Status = "missed"
	StatusSkipped   Status = "skipped"
)

// Valid reports whether s is a known dose status
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusTaken, StatusMissed, StatusSkipped:
		return true
	}
	return false
}

// MissedReasonAutomatic is recorded when the sweep marks a dose missed
const MissedReasonAutomatic = "automatic_detection"

// AppliedRule is one step of the grace period calculation, kept for audit
type AppliedRule struct {
	Rule       string  `json:"rule"`
	Minutes    int     `json:"minutes"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Detail     string  `json:"detail,omitempty"`
}

// GraceAnnotation is the persisted grace period of a dose
type GraceAnnotation struct {
	Minutes      int           `json:"grace_period_minutes"`
	End          time.Time     `json:"grace_period_end"`
	AppliedRules []AppliedRule `json:"applied_rules"`
	ComputedAt   time.Time     `json:"computed_at"`
}

// RuleNames returns the applied rule names in order
func (g GraceAnnotation) RuleNames() []string {
	names := make([]string, 0, len(g.AppliedRules))
	for _, r := range g.AppliedRules {
		names = append(names, r.Rule)
	}
	return names
}

// Remaining returns the time left before the dose counts as missed
func (g GraceAnnotation) Remaining(now time.Time) time.Duration {
	if now.After(g.End) {
		return 0
	}
	return g.End.Sub(now)
}

// ScheduledDose is one concrete instance of a medication due at a specific time
type ScheduledDose struct {
	ID           string           `json:"id"`
	CommandID    string           `json:"command_id"`
	PatientID    string           `json:"patient_id"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	Status       Status           `json:"status"`
	Grace        *GraceAnnotation `json:"grace,omitempty"`
	MissedAt     *time.Time       `json:"missed_at,omitempty"`
	MissedReason string           `json:"missed_reason,omitempty"`
	TakenAt      *time.Time       `json:"taken_at,omitempty"`
	Version      int              `json:"version"`
}

// Ref identifies a dose by its prescription and scheduled time
type Ref struct {
	CommandID   string
	ScheduledAt time.Time
}
