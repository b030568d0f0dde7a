package grace

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// Rule names recorded in the audit trail
const (
	RuleMedicationOverride = "medication_override"
	RuleWeekendMultiplier  = "weekend_multiplier"
	RuleHolidayMultiplier  = "holiday_multiplier"
	RuleSickDayMultiplier  = "sick_day_multiplier"
	RuleSystemDefault      = "system_default"
	RuleSystemDefaults     = "system_defaults"
)

// Result is a computed grace period and the rules that produced it
type Result struct {
	Minutes        int                `json:"minutes"`
	End            time.Time          `json:"end"`
	AppliedRules   []dose.AppliedRule `json:"applied_rules"`
	IsWeekend      bool               `json:"is_weekend"`
	IsHoliday      bool               `json:"is_holiday"`
	Multiplier     float64            `json:"multiplier"`
	Slot           string             `json:"slot"`
	MedicationType medication.Type    `json:"medication_type"`
}

// Annotation converts the result into the form persisted on the dose
func (r Result) Annotation(computedAt time.Time) dose.GraceAnnotation {
	return dose.GraceAnnotation{
		Minutes:      r.Minutes,
		End:          r.End,
		AppliedRules: r.AppliedRules,
		ComputedAt:   computedAt.UTC(),
	}
}

// Counter is satisfied by prometheus.Counter
type Counter interface {
	Inc()
}

// Calculator computes grace periods. It never fails: configuration problems
// degrade to system defaults.
type Calculator struct {
	configs    ConfigSource
	calendar   *Calendar
	classifier *medication.Classifier
	logger     *zap.Logger
	tracer     trace.Tracer
	fallbacks  Counter
}

// NewCalculator creates a calculator
func NewCalculator(configs ConfigSource, calendar *Calendar, classifier *medication.Classifier, logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calendar == nil {
		calendar = NewCalendarAround(time.Now())
	}
	if classifier == nil {
		classifier = medication.NewClassifier(nil, nil)
	}
	return &Calculator{
		configs:    configs,
		calendar:   calendar,
		classifier: classifier,
		logger:     logger,
		tracer:     otel.Tracer("grace-calculator"),
	}
}

// WithFallbackCounter counts calculations that fell back to system defaults
func (c *Calculator) WithFallbackCounter(counter Counter) *Calculator {
	c.fallbacks = counter
	return c
}

// ConfigFor loads a patient's configuration. The second return value is true
// when system defaults were substituted.
func (c *Calculator) ConfigFor(ctx context.Context, patientID string) (PatientGraceConfig, bool) {
	if c.configs == nil {
		return DefaultConfig(patientID), true
	}
	cfg, err := c.configs.GetConfig(ctx, patientID)
	if err != nil {
		if dose.KindOf(err) == dose.KindNotFound {
			c.logger.Debug("no grace config, using system defaults", zap.String("patient_id", patientID))
		} else {
			c.logger.Warn("grace config unavailable, using system defaults",
				zap.String("patient_id", patientID),
				zap.Error(err))
		}
		if c.fallbacks != nil {
			c.fallbacks.Inc()
		}
		return DefaultConfig(patientID), true
	}
	return cfg, false
}

// Calculate loads the patient's configuration and computes the grace period
func (c *Calculator) Calculate(ctx context.Context, d dose.ScheduledDose, cmd medication.Command) Result {
	_, span := c.tracer.Start(ctx, "grace_calculate",
		trace.WithAttributes(
			attribute.String("dose_id", d.ID),
			attribute.String("patient_id", d.PatientID),
		))
	defer span.End()

	cfg, usedDefaults := c.ConfigFor(ctx, d.PatientID)
	r := c.Compute(d, cmd, cfg)
	if usedDefaults {
		r.AppliedRules = append([]dose.AppliedRule{{
			Rule:    RuleSystemDefaults,
			Minutes: r.Minutes,
			Detail:  "patient configuration unavailable",
		}}, r.AppliedRules...)
	}
	span.SetAttributes(attribute.Int("grace_minutes", r.Minutes))
	return r
}

// Compute applies the rules in order: slot default, medication override,
// type rule (tighten only), weekend/holiday/sick-day multipliers, rounding.
func (c *Calculator) Compute(d dose.ScheduledDose, cmd medication.Command, cfg PatientGraceConfig) Result {
	local := d.ScheduledAt.In(cfg.Location())
	r := Result{Multiplier: 1.0}

	slotter, err := NewSlotClassifier(cfg.TimeSlots, cfg.FallbackSlot)
	if err != nil || len(cfg.TimeSlots) == 0 {
		if err != nil {
			c.logger.Warn("invalid time slots, using system slots",
				zap.String("patient_id", d.PatientID),
				zap.Error(err))
		}
		slotter, _ = NewSlotClassifier(DefaultTimeSlots(), SystemFallbackSlot)
	}
	r.Slot = slotter.Classify(local)

	minutes, ok := cfg.DefaultGracePeriods[r.Slot]
	if ok {
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:    "default_" + r.Slot,
			Minutes: minutes,
		})
	} else {
		minutes = SystemDefaultMinutes
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:    RuleSystemDefault,
			Minutes: minutes,
			Detail:  fmt.Sprintf("no default for slot %s", r.Slot),
		})
	}

	if override, source, ok := medicationOverride(cfg, cmd, d.CommandID); ok {
		minutes = override
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:    RuleMedicationOverride,
			Minutes: minutes,
			Detail:  source,
		})
	}

	r.MedicationType = c.classifier.Classify(cmd)
	if limit, ok := cfg.TypeRules[r.MedicationType]; ok {
		if limit < minutes {
			minutes = limit
		}
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:    "type_" + string(r.MedicationType),
			Minutes: minutes,
			Detail:  fmt.Sprintf("limit %d", limit),
		})
	}

	r.IsWeekend = c.calendar.IsWeekend(local)
	if r.IsWeekend {
		r.Multiplier *= cfg.WeekendMultiplier
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:       RuleWeekendMultiplier,
			Minutes:    minutes,
			Multiplier: cfg.WeekendMultiplier,
		})
	}
	if h, ok := c.calendar.HolidayOn(local); ok {
		r.IsHoliday = true
		r.Multiplier *= cfg.HolidayMultiplier
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:       RuleHolidayMultiplier,
			Minutes:    minutes,
			Multiplier: cfg.HolidayMultiplier,
			Detail:     h.Name,
		})
	}
	if cfg.SickDayMode {
		r.Multiplier *= cfg.SickDayMultiplier
		r.AppliedRules = append(r.AppliedRules, dose.AppliedRule{
			Rule:       RuleSickDayMultiplier,
			Minutes:    minutes,
			Multiplier: cfg.SickDayMultiplier,
		})
	}

	r.Minutes = roundHalfUp(float64(minutes) * r.Multiplier)
	if r.Minutes < 0 {
		r.Minutes = 0
	}
	r.End = d.ScheduledAt.Add(time.Duration(r.Minutes) * time.Minute)
	return r
}

// medicationOverride prefers the patient's override for the command over
// the command's own grace period
func medicationOverride(cfg PatientGraceConfig, cmd medication.Command, commandID string) (int, string, bool) {
	if v, ok := cfg.MedicationOverrides[commandID]; ok {
		return v, "patient_config", true
	}
	if cmd.GracePeriodMinutes != nil {
		return *cmd.GracePeriodMinutes, "medication_command", true
	}
	return 0, "", false
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}
