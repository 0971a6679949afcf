package stepper

import (
	"errors"
	"fmt"
	"time"
)

// ErrBusy is returned when an axis is already executing a command.
var ErrBusy = errors.New("axis busy")

// ValidationError reports drive parameters rejected before any pin was touched.
type ValidationError struct {
	Field  string
	Value  float64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %g: %s", e.Field, e.Value, e.Reason)
}

// HardwareTimeoutError reports a sensor transition that never arrived.
type HardwareTimeoutError struct {
	Axis   string
	What   string
	Window time.Duration
}

func (e *HardwareTimeoutError) Error() string {
	return fmt.Sprintf("axis %s: no %s within %s", e.Axis, e.What, e.Window)
}
