package stepper

import "time"

// State is the phase of an axis drive.
type State int32

const (
	Idle State = iota
	Driving
	Collided
	BackingOff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Driving:
		return "Driving"
	case Collided:
		return "Collided"
	case BackingOff:
		return "BackingOff"
	}
	return "Unknown"
}

// CollisionEvent describes the boundary trip that ended a drive.
type CollisionEvent struct {
	// Sensor is the physical sensor index, 0 for bound0 and 1 for bound1.
	Sensor int

	// Clockwise is the direction the axis was travelling.
	Clockwise bool

	// Elapsed is the time from the first pulse to the trip.
	Elapsed time.Duration

	// Backoff is the duration of the reverse move that followed.
	Backoff time.Duration
}
