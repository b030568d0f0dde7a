// Package adherence scores how closely a dose-taking action followed the prescription.
package adherence

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// UnparseableDoseAccuracy is used when dose amounts cannot be compared numerically
const UnparseableDoseAccuracy = 90.0

// Circumstances describes the conditions a dose was taken under
type Circumstances struct {
	FoodRequired  bool `json:"food_required"`
	TakenWithFood bool `json:"taken_with_food"`
	Symptomatic   bool `json:"symptomatic"`
}

// Score is the adherence score persisted with a take event
type Score struct {
	DoseAccuracy           float64 `json:"dose_accuracy"`
	TimingAccuracy         float64 `json:"timing_accuracy"`
	CircumstanceCompliance float64 `json:"circumstance_compliance"`
	Overall                float64 `json:"overall"`
}

// Compute scores a single take. doseTaken may be empty when the patient
// reported no dose details.
func Compute(doseTaken, prescribedDose string, minutesFromScheduled int, c Circumstances) Score {
	s := Score{
		DoseAccuracy:           DoseAccuracy(doseTaken, prescribedDose),
		TimingAccuracy:         TimingAccuracy(minutesFromScheduled),
		CircumstanceCompliance: CircumstanceCompliance(c),
	}
	s.Overall = (s.DoseAccuracy + s.TimingAccuracy + s.CircumstanceCompliance) / 3
	return s
}

var leadingNumber = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)`)

// DoseAccuracy compares the leading numeric magnitude of both amounts.
// Units are not interpreted.
func DoseAccuracy(doseTaken, prescribedDose string) float64 {
	actual := strings.TrimSpace(doseTaken)
	if actual == "" || strings.EqualFold(actual, strings.TrimSpace(prescribedDose)) {
		return 100
	}

	a, okA := magnitude(actual)
	p, okP := magnitude(prescribedDose)
	if !okA || !okP || p == 0 {
		return UnparseableDoseAccuracy
	}
	return math.Min(100, a/p*100)
}

func magnitude(s string) (float64, bool) {
	m := leadingNumber.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TimingAccuracy is a step function of the absolute distance from the schedule
func TimingAccuracy(minutesFromScheduled int) float64 {
	d := minutesFromScheduled
	if d < 0 {
		d = -d
	}
	switch {
	case d <= 15:
		return 100
	case d <= 30:
		return 90
	case d <= 60:
		return 75
	case d <= 120:
		return 50
	default:
		return 25
	}
}

// CircumstanceCompliance penalizes missing food requirements and symptoms
func CircumstanceCompliance(c Circumstances) float64 {
	score := 100.0
	if c.FoodRequired && !c.TakenWithFood {
		score -= 20
	}
	if c.Symptomatic {
		score -= 10
	}
	return math.Max(0, score)
}
