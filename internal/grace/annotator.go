package grace

import (
	"context"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/medication"
)

// Annotator serves the grace period of a single dose for display
type Annotator struct {
	doses    dose.Store
	commands medication.Store
	calc     *Calculator
	now      func() time.Time
}

// NewAnnotator creates an annotator
func NewAnnotator(doses dose.Store, commands medication.Store, calc *Calculator) *Annotator {
	return &Annotator{doses: doses, commands: commands, calc: calc, now: time.Now}
}

// GracePeriod returns the last persisted annotation of the dose, or
// recomputes it when none exists. The boolean reports a recomputation.
func (a *Annotator) GracePeriod(ctx context.Context, doseID string) (dose.GraceAnnotation, bool, error) {
	d, err := a.doses.GetDose(ctx, doseID)
	if err != nil {
		return dose.GraceAnnotation{}, false, err
	}
	if d.Grace != nil {
		return *d.Grace, false, nil
	}

	cmd, err := a.commands.GetCommand(ctx, d.CommandID)
	if err != nil {
		cmd = medication.Command{ID: d.CommandID, PatientID: d.PatientID}
	}
	return a.calc.Calculate(ctx, d, cmd).Annotation(a.now()), true, nil
}
