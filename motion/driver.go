package motion

import (
	"context"

	"github.com/mastercactapus/eraser/stepper"
)

// A Driver is the minimal axis interface the Machine needs; *stepper.Axis
// implements it.
type Driver interface {
	Name() string
	Config() stepper.AxisConfig
	Calibration() stepper.Calibration

	Drive(ctx context.Context, req stepper.DriveRequest) (*stepper.CollisionEvent, error)
	Hold() error
	Release() error
}

var _ Driver = (*stepper.Axis)(nil)
