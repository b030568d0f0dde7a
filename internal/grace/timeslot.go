package grace

import (
	"fmt"
	"strings"
	"time"
)

type slotRange struct {
	name  string
	start int
	end   int
}

// contains tests minute-of-day membership, inclusive at both ends
func (r slotRange) contains(minute int) bool {
	if r.start > r.end {
		return minute >= r.start || minute <= r.end
	}
	return minute >= r.start && minute <= r.end
}

// SlotClassifier maps a time of day to a named slot. Boundaries are parsed
// once, so classification cannot fail.
type SlotClassifier struct {
	slots    []slotRange
	fallback string
}

// NewSlotClassifier compiles slot definitions, failing with
// ErrInvalidTimeFormat for malformed boundaries
func NewSlotClassifier(defs []SlotDefinition, fallback string) (*SlotClassifier, error) {
	c := &SlotClassifier{fallback: fallback}
	if c.fallback == "" {
		c.fallback = SystemFallbackSlot
	}
	for _, d := range defs {
		start, err := ParseClock(d.Start)
		if err != nil {
			return nil, fmt.Errorf("slot %q start: %w", d.Name, err)
		}
		end, err := ParseClock(d.End)
		if err != nil {
			return nil, fmt.Errorf("slot %q end: %w", d.Name, err)
		}
		c.slots = append(c.slots, slotRange{name: d.Name, start: start, end: end})
	}
	return c, nil
}

// Classify returns the first slot containing t's wall-clock time, or the fallback
func (c *SlotClassifier) Classify(t time.Time) string {
	minute := t.Hour()*60 + t.Minute()
	for _, s := range c.slots {
		if s.contains(minute) {
			return s.name
		}
	}
	return c.fallback
}

// ParseClock parses HH:MM into minutes after midnight
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func normalizeClock(s string) string {
	m, err := ParseClock(s)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
