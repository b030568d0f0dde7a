package grace

import (
	"sort"
	"time"
)

// Holiday is a calendar day observed as a holiday
type Holiday struct {
	Name string    `json:"name"`
	Date time.Time `json:"date"`
}

type fixedHoliday struct {
	name  string
	month time.Month
	day   int
}

type floatingHoliday struct {
	name    string
	month   time.Month
	weekday time.Weekday
	// nth occurrence in the month; -1 means the last one
	nth int
}

var fixedHolidays = []fixedHoliday{
	{"New Year's Day", time.January, 1},
	{"Independence Day", time.July, 4},
	{"Veterans Day", time.November, 11},
	{"Christmas Day", time.December, 25},
}

var floatingHolidays = []floatingHoliday{
	{"Martin Luther King Jr. Day", time.January, time.Monday, 3},
	{"Presidents Day", time.February, time.Monday, 3},
	{"Memorial Day", time.May, time.Monday, -1},
	{"Labor Day", time.September, time.Monday, 1},
	{"Columbus Day", time.October, time.Monday, 2},
	{"Thanksgiving Day", time.November, time.Thursday, 4},
}

// HolidaysForYear returns the fixed and floating holidays of a year in date order
func HolidaysForYear(year int) []Holiday {
	out := make([]Holiday, 0, len(fixedHolidays)+len(floatingHolidays))
	for _, h := range fixedHolidays {
		out = append(out, Holiday{Name: h.name, Date: time.Date(year, h.month, h.day, 0, 0, 0, 0, time.UTC)})
	}
	for _, h := range floatingHolidays {
		var d time.Time
		if h.nth < 0 {
			d = lastWeekday(year, h.month, h.weekday)
		} else {
			d = nthWeekday(year, h.month, h.weekday, h.nth)
		}
		out = append(out, Holiday{Name: h.name, Date: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func nthWeekday(year int, month time.Month, wd time.Weekday, n int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+(n-1)*7)
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// Calendar answers weekend and holiday questions for calendar days. The
// day index covers [fromYear, toYear], is built once and is read-only
// afterwards; days outside the range are computed on demand.
type Calendar struct {
	fromYear int
	toYear   int
	byDay    map[string]Holiday
}

// NewCalendar builds the holiday index for a range of years
func NewCalendar(fromYear, toYear int) *Calendar {
	if toYear < fromYear {
		fromYear, toYear = toYear, fromYear
	}
	c := &Calendar{
		fromYear: fromYear,
		toYear:   toYear,
		byDay:    make(map[string]Holiday),
	}
	for y := fromYear; y <= toYear; y++ {
		for _, h := range HolidaysForYear(y) {
			c.byDay[dayKey(h.Date)] = h
		}
	}
	return c
}

// NewCalendarAround builds a calendar spanning a few years around t
func NewCalendarAround(t time.Time) *Calendar {
	return NewCalendar(t.Year()-1, t.Year()+5)
}

// HolidaysForYear returns the holidays of a year
func (c *Calendar) HolidaysForYear(year int) []Holiday {
	return HolidaysForYear(year)
}

// IsWeekend reports whether t falls on Saturday or Sunday in t's location
func (c *Calendar) IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsHoliday reports whether t's calendar day, in t's location, is a holiday
func (c *Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.HolidayOn(t)
	return ok
}

// HolidayOn returns the holiday observed on t's calendar day
func (c *Calendar) HolidayOn(t time.Time) (Holiday, bool) {
	key := dayKey(t)
	if t.Year() >= c.fromYear && t.Year() <= c.toYear {
		h, ok := c.byDay[key]
		return h, ok
	}
	for _, h := range HolidaysForYear(t.Year()) {
		if dayKey(h.Date) == key {
			return h, true
		}
	}
	return Holiday{}, false
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
