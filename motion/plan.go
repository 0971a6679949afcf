package motion

import (
	"fmt"
	"math"
	"time"

	"github.com/mastercactapus/eraser/stepper"
)

// planMove turns a logical move of steps into a timed drive request.
// Negative steps move backward.
func planMove(cfg stepper.AxisConfig, cal stepper.Calibration, steps float64, reverse bool, mul float64) (stepper.DriveRequest, error) {
	if !cal.Valid() {
		return stepper.DriveRequest{}, fmt.Errorf("axis %s: %w", cfg.Name, ErrNotCalibrated)
	}
	if mul <= 0 {
		return stepper.DriveRequest{}, &stepper.ValidationError{Field: "speed", Value: mul, Reason: "must be positive"}
	}
	if steps < 0 {
		steps = -steps
		reverse = !reverse
	}
	dist := steps * cfg.StepDistance
	return stepper.DriveRequest{
		Duration:  time.Duration(dist / (cal.Speed * mul) * float64(time.Second)),
		Frequency: cal.Freq * mul,
		Duty:      cfg.Duty,
		Clockwise: cal.Clockwise != reverse,
	}, nil
}

// travel returns the position along the axis after a move of steps (signed,
// positive is forward) from pos. A collision puts the load at the end it hit,
// less the back-off. The result is not clamped to the axis.
func travel(cfg stepper.AxisConfig, cal stepper.Calibration, pos, steps float64, ev *stepper.CollisionEvent) float64 {
	if ev == nil {
		return pos + steps*cfg.StepDistance
	}
	back := cal.Speed * ev.Backoff.Seconds()
	if steps >= 0 {
		return cfg.Length - back
	}
	return back
}

// fullRange is enough steps to cross the whole axis from any position.
func fullRange(cfg stepper.AxisConfig) float64 {
	return math.Ceil(cfg.Length/cfg.StepDistance) + 1
}
