// Package grace computes how late a scheduled dose may be taken before it
// counts as missed, recording every rule that contributed.
package grace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// Grace minute bounds enforced by Validate and Normalize
const (
	MinGraceMinutes = 0
	MaxGraceMinutes = 480
	// SystemDefaultMinutes is used for slots without a configured default
	SystemDefaultMinutes = 30
	// SystemFallbackSlot receives times no configured slot matches
	SystemFallbackSlot = "morning"
	maxMultiplier      = 10.0
)

// ErrInvalidTimeFormat is reported for slot boundaries that are not HH:MM
var ErrInvalidTimeFormat = errors.New("invalid time format, expected HH:MM")

// SlotDefinition is a named daypart. Start after End means the slot spans midnight.
type SlotDefinition struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// PatientGraceConfig holds a patient's grace period preferences
type PatientGraceConfig struct {
	PatientID           string                  `json:"patient_id"`
	DefaultGracePeriods map[string]int          `json:"default_grace_periods"`
	MedicationOverrides map[string]int          `json:"medication_overrides,omitempty"`
	TypeRules           map[medication.Type]int `json:"type_rules,omitempty"`
	WeekendMultiplier   float64                 `json:"weekend_multiplier"`
	HolidayMultiplier   float64                 `json:"holiday_multiplier"`
	SickDayMultiplier   float64                 `json:"sick_day_multiplier"`
	SickDayMode         bool                    `json:"sick_day_mode"`
	TimeSlots           []SlotDefinition        `json:"time_slots"`
	FallbackSlot        string                  `json:"fallback_slot"`
	Timezone            string                  `json:"timezone"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// ConfigSource loads patient configuration. A KindNotFound error means the
// patient has none yet.
type ConfigSource interface {
	GetConfig(ctx context.Context, patientID string) (PatientGraceConfig, error)
}

// DefaultTimeSlots are the system dayparts, tested in this order
func DefaultTimeSlots() []SlotDefinition {
	return []SlotDefinition{
		{Name: "morning", Start: "05:00", End: "11:59"},
		{Name: "afternoon", Start: "12:00", End: "16:59"},
		{Name: "evening", Start: "17:00", End: "20:59"},
		{Name: "night", Start: "21:00", End: "04:59"},
	}
}

// DefaultConfig returns the system defaults substituted for patients
// without configuration
func DefaultConfig(patientID string) PatientGraceConfig {
	return PatientGraceConfig{
		PatientID: patientID,
		DefaultGracePeriods: map[string]int{
			"morning":   30,
			"afternoon": 45,
			"evening":   45,
			"night":     60,
		},
		MedicationOverrides: map[string]int{},
		TypeRules: map[medication.Type]int{
			medication.TypeCritical: 15,
		},
		WeekendMultiplier: 1.5,
		HolidayMultiplier: 1.5,
		SickDayMultiplier: 2.0,
		TimeSlots:         DefaultTimeSlots(),
		FallbackSlot:      SystemFallbackSlot,
		Timezone:          "UTC",
	}
}

// Validate reports every problem with the configuration without changing it
func (c PatientGraceConfig) Validate() error {
	var problems []error

	seen := make(map[string]bool, len(c.TimeSlots))
	for i, s := range c.TimeSlots {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			problems = append(problems, fmt.Errorf("time_slots[%d]: name is required", i))
		} else if seen[name] {
			problems = append(problems, fmt.Errorf("time_slots[%d]: duplicate slot %q", i, name))
		}
		seen[name] = true
		if _, err := ParseClock(s.Start); err != nil {
			problems = append(problems, fmt.Errorf("time_slots[%d] %q start: %w", i, name, err))
		}
		if _, err := ParseClock(s.End); err != nil {
			problems = append(problems, fmt.Errorf("time_slots[%d] %q end: %w", i, name, err))
		}
	}

	checkMinutes := func(field string, v int) {
		if v < MinGraceMinutes || v > MaxGraceMinutes {
			problems = append(problems, fmt.Errorf("%s: %d outside [%d, %d]", field, v, MinGraceMinutes, MaxGraceMinutes))
		}
	}
	for slot, v := range c.DefaultGracePeriods {
		checkMinutes("default_grace_periods."+slot, v)
	}
	for cmd, v := range c.MedicationOverrides {
		checkMinutes("medication_overrides."+cmd, v)
	}
	for t, v := range c.TypeRules {
		checkMinutes("type_rules."+string(t), v)
	}

	checkMultiplier := func(field string, v float64) {
		if v <= 0 || v > maxMultiplier {
			problems = append(problems, fmt.Errorf("%s: %.2f outside (0, %.0f]", field, v, maxMultiplier))
		}
	}
	checkMultiplier("weekend_multiplier", c.WeekendMultiplier)
	checkMultiplier("holiday_multiplier", c.HolidayMultiplier)
	checkMultiplier("sick_day_multiplier", c.SickDayMultiplier)

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			problems = append(problems, fmt.Errorf("timezone: %w", err))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return &dose.Error{Kind: dose.KindValidation, Op: "grace_config", Err: errors.Join(problems...)}
}

// Normalize returns a copy with minutes clamped, missing values filled from
// the system defaults and parseable times rewritten as HH:MM. Malformed times
// are left for Validate to report.
func Normalize(c PatientGraceConfig) PatientGraceConfig {
	def := DefaultConfig(c.PatientID)
	out := c

	if len(c.TimeSlots) == 0 {
		out.TimeSlots = def.TimeSlots
	} else {
		out.TimeSlots = make([]SlotDefinition, 0, len(c.TimeSlots))
		for _, s := range c.TimeSlots {
			out.TimeSlots = append(out.TimeSlots, SlotDefinition{
				Name:  strings.TrimSpace(s.Name),
				Start: normalizeClock(s.Start),
				End:   normalizeClock(s.End),
			})
		}
	}

	out.DefaultGracePeriods = clampAll(c.DefaultGracePeriods)
	for _, s := range out.TimeSlots {
		if _, ok := out.DefaultGracePeriods[s.Name]; !ok {
			v, known := def.DefaultGracePeriods[s.Name]
			if !known {
				v = SystemDefaultMinutes
			}
			out.DefaultGracePeriods[s.Name] = v
		}
	}
	out.MedicationOverrides = clampAll(c.MedicationOverrides)

	out.TypeRules = make(map[medication.Type]int, len(c.TypeRules))
	for t, v := range c.TypeRules {
		out.TypeRules[t] = clamp(v)
	}
	if c.TypeRules == nil {
		out.TypeRules = def.TypeRules
	}

	if out.WeekendMultiplier <= 0 {
		out.WeekendMultiplier = def.WeekendMultiplier
	}
	if out.HolidayMultiplier <= 0 {
		out.HolidayMultiplier = def.HolidayMultiplier
	}
	if out.SickDayMultiplier <= 0 {
		out.SickDayMultiplier = def.SickDayMultiplier
	}

	out.FallbackSlot = strings.TrimSpace(c.FallbackSlot)
	if out.FallbackSlot == "" {
		out.FallbackSlot = SystemFallbackSlot
	}
	if strings.TrimSpace(c.Timezone) == "" {
		out.Timezone = "UTC"
	}
	return out
}

// Location returns the patient's timezone, UTC if unset or unknown
func (c PatientGraceConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func clamp(v int) int {
	if v < MinGraceMinutes {
		return MinGraceMinutes
	}
	if v > MaxGraceMinutes {
		return MaxGraceMinutes
	}
	return v
}

func clampAll(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = clamp(v)
	}
	return out
}
