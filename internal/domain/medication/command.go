// Package medication holds the standing prescription (medication command)
// consumed by the adherence engine and its type classification.
package medication

import "context"

// Type is the clinical category used by grace period rules
type Type string

const (
	TypeCritical Type = "critical"
	TypeStandard Type = "standard"
	TypeVitamin  Type = "vitamin"
	TypePRN      Type = "prn"
)

// Command is the standing prescription that generates scheduled doses.
// It is read-only to this module.
type Command struct {
	ID          string `json:"id"`
	PatientID   string `json:"patient_id"`
	Name        string `json:"name"`
	GenericName string `json:"generic_name,omitempty"`
	Dosage      string `json:"dosage"`
	Frequency   string `json:"frequency"`
	AsNeeded    bool   `json:"as_needed"`
	// GracePeriodMinutes overrides the slot default for this medication
	GracePeriodMinutes *int `json:"grace_period_minutes,omitempty"`
	RequiresFood       bool `json:"requires_food"`
}

// Store reads medication commands
type Store interface {
	GetCommand(ctx context.Context, id string) (Command, error)
	GetCommands(ctx context.Context, ids []string) (map[string]Command, error)
}
