package stepper

import (
	"time"

	"github.com/mastercactapus/eraser/hw"
	"periph.io/x/conn/v3/gpio"
)

// EdgeWaiter is the "wait for edge or timeout" capability of a sensor.
// Hardware pins back it with interrupts; polling implementations only need
// to return within timeout.
type EdgeWaiter interface {
	WaitForEdge(timeout time.Duration) bool
	Read() gpio.Level
}

// sensor watches one boundary sensor for rising edges.
type sensor struct {
	pin      hw.InputPin
	index    int
	debounce time.Duration

	last time.Time
}

func (s *sensor) arm() error {
	if err := s.pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return err
	}
	if s.pin.Read() == gpio.Low {
		// contact is open, the next edge is a new trip
		s.last = time.Time{}
	}
	return nil
}

func (s *sensor) disarm() error { return s.pin.In(gpio.PullDown, gpio.NoEdge) }

func (s *sensor) tripped() bool { return s.pin.Read() == gpio.High }

// wait returns true when a debounced trip is seen within timeout.
func (s *sensor) wait(timeout time.Duration) bool {
	return waitEdge(s.pin, timeout, s.debounce, &s.last)
}

func waitEdge(w EdgeWaiter, timeout, debounce time.Duration, last *time.Time) bool {
	if !w.WaitForEdge(timeout) {
		return false
	}
	if w.Read() != gpio.High {
		// glitch, the contact opened again
		return false
	}
	now := time.Now()
	if !last.IsZero() && now.Sub(*last) < debounce {
		return false
	}
	*last = now
	return true
}
