package dose

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-adherence/internal/adherence"
)

// EventType is the tag of the dose event variant
type EventType string

const (
	EventTake       EventType = "take"
	EventSkip       EventType = "skip"
	EventSnooze     EventType = "snooze"
	EventUndo       EventType = "undo"
	EventCorrection EventType = "correction"
)

// MaxSnoozeMinutes bounds a single snooze
const MaxSnoozeMinutes = 480

// TimingCategory classifies how far from the schedule a dose was taken
type TimingCategory string

const (
	TimingEarly    TimingCategory = "early"
	TimingOnTime   TimingCategory = "on_time"
	TimingLate     TimingCategory = "late"
	TimingVeryLate TimingCategory = "very_late"
)

// DoseCategory classifies the amount taken against the prescription
type DoseCategory string

const (
	DoseFull     DoseCategory = "full"
	DosePartial  DoseCategory = "partial"
	DoseAdjusted DoseCategory = "adjusted"
)

// Payload is the closed set of event payloads. Only types in this package implement it.
type Payload interface {
	EventType() EventType
	Validate() error
	isPayload()
}

// TakePayload records raw inputs together with the derived classification and score
type TakePayload struct {
	TakenAt              time.Time               `json:"taken_at"`
	DoseTaken            string                  `json:"dose_taken,omitempty"`
	PrescribedDose       string                  `json:"prescribed_dose"`
	AdjustmentReason     string                  `json:"adjustment_reason,omitempty"`
	Circumstances        adherence.Circumstances `json:"circumstances"`
	Notes                string                  `json:"notes,omitempty"`
	MinutesFromScheduled int                     `json:"minutes_from_scheduled"`
	Timing               TimingCategory          `json:"timing_category"`
	DoseCategory         DoseCategory            `json:"dose_category"`
	Score                adherence.Score         `json:"adherence_score"`
}

// SkipPayload records an intentional skip
type SkipPayload struct {
	Reason string `json:"reason,omitempty"`
}

// SnoozePayload records the intent to take the dose later
type SnoozePayload struct {
	Minutes          int       `json:"minutes"`
	NewScheduledTime time.Time `json:"new_scheduled_time"`
	Reason           string    `json:"reason,omitempty"`
}

// AdherenceImpact is a heuristic estimate, not a recomputation from history
type AdherenceImpact struct {
	PointsDelta float64 `json:"points_delta"`
	Estimated   bool    `json:"estimated"`
	Method      string  `json:"method"`
}

// UndoPayload reverts a take within the undo window
type UndoPayload struct {
	OriginalEventID string          `json:"original_event_id"`
	Reason          string          `json:"reason,omitempty"`
	RevertedTo      Status          `json:"reverted_to"`
	Impact          AdherenceImpact `json:"adherence_impact"`
}

// CorrectionData carries the corrected facts of a past action
type CorrectionData struct {
	TakenAt   *time.Time `json:"taken_at,omitempty"`
	DoseTaken string     `json:"dose_taken,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// CorrectionPayload compensates an earlier event without editing it
type CorrectionPayload struct {
	OriginalEventID string          `json:"original_event_id"`
	PreviousStatus  Status          `json:"previous_status"`
	CorrectedAction Status          `json:"corrected_action"`
	Reason          string          `json:"reason"`
	Data            CorrectionData  `json:"corrected_data"`
	Impact          AdherenceImpact `json:"adherence_impact"`
}

func (TakePayload) EventType() EventType       { return EventTake }
func (SkipPayload) EventType() EventType       { return EventSkip }
func (SnoozePayload) EventType() EventType     { return EventSnooze }
func (UndoPayload) EventType() EventType       { return EventUndo }
func (CorrectionPayload) EventType() EventType { return EventCorrection }

func (TakePayload) isPayload()       {}
func (SkipPayload) isPayload()       {}
func (SnoozePayload) isPayload()     {}
func (UndoPayload) isPayload()       {}
func (CorrectionPayload) isPayload() {}

func (p TakePayload) Validate() error {
	if p.TakenAt.IsZero() {
		return validationError("take", "taken_at is required")
	}
	switch p.Timing {
	case TimingEarly, TimingOnTime, TimingLate, TimingVeryLate:
	default:
		return validationError("take", "unknown timing category %q", p.Timing)
	}
	switch p.DoseCategory {
	case DoseFull, DosePartial, DoseAdjusted:
	default:
		return validationError("take", "unknown dose category %q", p.DoseCategory)
	}
	return nil
}

func (p SkipPayload) Validate() error { return nil }

func (p SnoozePayload) Validate() error {
	if p.Minutes < 1 || p.Minutes > MaxSnoozeMinutes {
		return validationError("snooze", "minutes must be between 1 and %d, got %d", MaxSnoozeMinutes, p.Minutes)
	}
	if p.NewScheduledTime.IsZero() {
		return validationError("snooze", "new_scheduled_time is required")
	}
	return nil
}

func (p UndoPayload) Validate() error {
	if p.OriginalEventID == "" {
		return validationError("undo", "original_event_id is required")
	}
	return nil
}

func (p CorrectionPayload) Validate() error {
	if p.OriginalEventID == "" {
		return validationError("correct", "original_event_id is required")
	}
	switch p.CorrectedAction {
	case StatusTaken, StatusSkipped, StatusMissed:
	default:
		return validationError("correct", "corrected_action must be taken, skipped or missed, got %q", p.CorrectedAction)
	}
	if p.Reason == "" {
		return validationError("correct", "reason is required")
	}
	return nil
}

// Event is an immutable audit fact about a dose
type Event struct {
	ID            string
	DoseID        string
	CommandID     string
	PatientID     string
	Payload       Payload
	ScheduledFor  time.Time
	ActualAt      time.Time
	CorrelationID string
	CausationID   string
	CreatedBy     string
	CreatedAt     time.Time
}

// NewEvent validates the payload and creates an event for the dose
func NewEvent(d ScheduledDose, payload Payload, actor string, at time.Time) (*Event, error) {
	if payload == nil {
		return nil, validationError("event", "payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	actual := at
	if take, ok := payload.(TakePayload); ok {
		actual = take.TakenAt
	}

	return &Event{
		ID:            uuid.New().String(),
		DoseID:        d.ID,
		CommandID:     d.CommandID,
		PatientID:     d.PatientID,
		Payload:       payload,
		ScheduledFor:  d.ScheduledAt,
		ActualAt:      actual.UTC(),
		CorrelationID: uuid.New().String(),
		CreatedBy:     actor,
		CreatedAt:     at.UTC(),
	}, nil
}

// Type returns the event variant tag
func (e *Event) Type() EventType { return e.Payload.EventType() }

// WithCause links the event to the event it reverts or corrects
func (e *Event) WithCause(original *Event) *Event {
	e.CausationID = original.ID
	e.CorrelationID = original.CorrelationID
	return e
}

type eventJSON struct {
	ID            string          `json:"id"`
	DoseID        string          `json:"dose_id"`
	CommandID     string          `json:"command_id"`
	PatientID     string          `json:"patient_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	ActualAt      time.Time       `json:"actual_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalJSON encodes the event with its variant tag
func (e *Event) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		ID:            e.ID,
		DoseID:        e.DoseID,
		CommandID:     e.CommandID,
		PatientID:     e.PatientID,
		EventType:     e.Type(),
		Payload:       payload,
		ScheduledFor:  e.ScheduledFor,
		ActualAt:      e.ActualAt,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		CreatedBy:     e.CreatedBy,
		CreatedAt:     e.CreatedAt,
	})
}

// UnmarshalJSON decodes the payload according to the variant tag
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.EventType, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:            raw.ID,
		DoseID:        raw.DoseID,
		CommandID:     raw.CommandID,
		PatientID:     raw.PatientID,
		Payload:       payload,
		ScheduledFor:  raw.ScheduledFor,
		ActualAt:      raw.ActualAt,
		CorrelationID: raw.CorrelationID,
		CausationID:   raw.CausationID,
		CreatedBy:     raw.CreatedBy,
		CreatedAt:     raw.CreatedAt,
	}
	return nil
}

// DecodePayload decodes a stored payload for the given event type
func DecodePayload(t EventType, data []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case EventTake:
		var v TakePayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventSkip:
		var v SkipPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventSnooze:
		var v SnoozePayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventUndo:
		var v UndoPayload
		err = json.Unmarshal(data, &v)
		p = v
	case EventCorrection:
		var v CorrectionPayload
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
