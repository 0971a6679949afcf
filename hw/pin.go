package hw

import (
	"fmt"
	"strconv"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// OutputPin is the part of gpio.PinIO used to drive a control line.
type OutputPin interface {
	Name() string
	Out(l gpio.Level) error
	PWM(duty gpio.Duty, f physic.Frequency) error
	Halt() error
}

// InputPin is the part of gpio.PinIO used to watch a boundary sensor.
type InputPin interface {
	Name() string
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
	Halt() error
}

// A PinSource resolves pin numbers to pins.
type PinSource interface {
	Output(n int) (OutputPin, error)
	Input(n int) (InputPin, error)
}

type hostSource struct{}

// Host initializes the periph host drivers and returns a PinSource
// backed by the GPIO registry (BCM numbering on a Raspberry Pi).
func Host() (PinSource, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("init host drivers: %w", err)
	}
	return hostSource{}, nil
}

func (hostSource) lookup(n int) (gpio.PinIO, error) {
	p := gpioreg.ByName(strconv.Itoa(n))
	if p == nil {
		return nil, fmt.Errorf("gpio %d: no such pin", n)
	}
	return p, nil
}
func (s hostSource) Output(n int) (OutputPin, error) { return s.lookup(n) }
func (s hostSource) Input(n int) (InputPin, error)   { return s.lookup(n) }
