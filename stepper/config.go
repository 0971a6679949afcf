package stepper

import (
	"fmt"
	"time"
)

// AxisConfig describes the wiring and geometry of one axis. It is not
// modified after the axis is created.
type AxisConfig struct {
	Name string

	Enable    int
	Direction int
	Step      int

	// Bounds holds the bound0 and bound1 sensor pins, or nothing for an
	// unbounded axis.
	Bounds []int

	// Frequency and Duty are the defaults used when a request or the
	// calibration does not specify them.
	Frequency float64
	Duty      float64

	// Length is the physical travel in metres, StepDistance the travel of
	// one logical step.
	Length       float64
	StepDistance float64
}

// HasBounds reports whether the axis has boundary sensors.
func (c AxisConfig) HasBounds() bool { return len(c.Bounds) == 2 }

// Pins returns every pin the axis uses.
func (c AxisConfig) Pins() []int {
	return append([]int{c.Enable, c.Direction, c.Step}, c.Bounds...)
}

// Validate checks the config for internal consistency.
func (c AxisConfig) Validate() error {
	if len(c.Bounds) != 0 && len(c.Bounds) != 2 {
		return fmt.Errorf("axis %s: need 0 or 2 bound pins, got %d", c.Name, len(c.Bounds))
	}
	seen := make(map[int]bool)
	for _, p := range c.Pins() {
		if p < 0 {
			return fmt.Errorf("axis %s: invalid pin %d", c.Name, p)
		}
		if seen[p] {
			return fmt.Errorf("axis %s: pin %d used twice", c.Name, p)
		}
		seen[p] = true
	}
	if c.Frequency <= 0 {
		return fmt.Errorf("axis %s: frequency must be positive", c.Name)
	}
	if c.Duty <= 0 || c.Duty >= 1 {
		return fmt.Errorf("axis %s: duty cycle must be inside (0,1)", c.Name)
	}
	return nil
}

// Calibration is the per-axis record produced by a calibration run.
type Calibration struct {
	// Clockwise is true when the clockwise rotation moves the axis forward.
	Clockwise bool `json:"clockwise"`

	Freq       float64 `json:"freq"`
	Speed      float64 `json:"speed"`
	SwapBounds bool    `json:"swap_bounds"`
}

// Valid reports whether the record can be used to plan moves.
func (c Calibration) Valid() bool { return c.Freq > 0 && c.Speed > 0 }

// Tuning holds the rig-specific timing constants.
type Tuning struct {
	// Settle is the delay between setting enable/direction and the first pulse.
	Settle time.Duration

	// PollInterval bounds how long a drive waits on a sensor before
	// checking for cancellation.
	PollInterval time.Duration

	// Debounce rejects repeated edges from one sensor.
	Debounce time.Duration

	BackoffSettle   time.Duration
	BackoffDistance float64
	BackoffMax      time.Duration

	// BackoffFallback is the back-off duration used before the axis is calibrated.
	BackoffFallback time.Duration

	// SafetyDuration is used by Forward and Backward when no duration is given.
	SafetyDuration time.Duration

	// MaxDuration caps every drive.
	MaxDuration time.Duration
}

// DefaultTuning returns constants that suit the original rig.
func DefaultTuning() Tuning {
	return Tuning{
		Settle:          time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		Debounce:        200 * time.Millisecond,
		BackoffSettle:   100 * time.Millisecond,
		BackoffDistance: 0.01,
		BackoffMax:      500 * time.Millisecond,
		BackoffFallback: 100 * time.Millisecond,
		SafetyDuration:  30 * time.Second,
		MaxDuration:     60 * time.Second,
	}
}

// DriveRequest is a single timed move.
type DriveRequest struct {
	Duration  time.Duration
	Frequency float64
	Duty      float64
	Clockwise bool
}

// Validate checks the request against the limits of the axis.
func (r DriveRequest) Validate(max time.Duration) error {
	switch {
	case r.Duration <= 0:
		return &ValidationError{Field: "duration", Value: r.Duration.Seconds(), Reason: "must be positive"}
	case max > 0 && r.Duration > max:
		return &ValidationError{Field: "duration", Value: r.Duration.Seconds(), Reason: fmt.Sprintf("exceeds maximum of %s", max)}
	case r.Frequency <= 0:
		return &ValidationError{Field: "frequency", Value: r.Frequency, Reason: "must be positive"}
	case r.Duty <= 0 || r.Duty >= 1:
		return &ValidationError{Field: "duty", Value: r.Duty, Reason: "must be inside (0,1)"}
	}
	return nil
}
