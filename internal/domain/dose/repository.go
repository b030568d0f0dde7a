package dose

import (
	"context"
	"time"
)

// Store reads scheduled doses. Implementations return a KindNotFound *Error
// for unknown doses.
type Store interface {
	GetDose(ctx context.Context, id string) (ScheduledDose, error)
	FindDose(ctx context.Context, ref Ref) (ScheduledDose, error)
	// ListDue returns doses still in StatusScheduled with from <= ScheduledAt <= to
	ListDue(ctx context.Context, from, to time.Time) ([]ScheduledDose, error)
	// RecentByCommand returns doses of a command scheduled at or before until,
	// newest first
	RecentByCommand(ctx context.Context, commandID string, until time.Time, limit int) ([]ScheduledDose, error)
}

// EventStore reads the append-only event history
type EventStore interface {
	GetEvent(ctx context.Context, id string) (*Event, error)
	// RecentTakes returns take events of a command created at or after since
	RecentTakes(ctx context.Context, commandID string, since time.Time) ([]*Event, error)
	// EventsByCause returns events whose CausationID is eventID
	EventsByCause(ctx context.Context, eventID string) ([]*Event, error)
	EventsByDose(ctx context.Context, doseID string) ([]*Event, error)
}

// Transition is a guarded status write applied together with an event.
// The write only succeeds if the dose is still at ExpectedVersion.
type Transition struct {
	DoseID          string
	ExpectedVersion int
	To              Status
	TakenAt         *time.Time
	MissedAt        *time.Time
	MissedReason    string
}

// Ledger appends an event and applies its transition atomically.
// A nil transition records the event only. A version mismatch yields a
// KindConflict *Error and nothing is written.
type Ledger interface {
	Record(ctx context.Context, event *Event, tr *Transition) error
}

// transitionFrom starts a transition that keeps the dose's timestamps
func transitionFrom(d ScheduledDose, to Status) *Transition {
	return &Transition{
		DoseID:          d.ID,
		ExpectedVersion: d.Version,
		To:              to,
		TakenAt:         d.TakenAt,
		MissedAt:        d.MissedAt,
		MissedReason:    d.MissedReason,
	}
}
