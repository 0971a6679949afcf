// Package pump switches the eraser's fluid pump.
package pump

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mastercactapus/eraser/hw"
	"periph.io/x/conn/v3/gpio"
)

// Pump is a fluid pump that can be switched on and off.
type Pump interface {
	On() error
	Off() error
}

// Pin is a pump driven directly from an output pin.
type Pin struct {
	pin hw.OutputPin
}

var _ Pump = &Pin{}

// NewPin claims pin n from h for the pump. The pump starts off.
func NewPin(h *hw.Handle, n int) (*Pin, error) {
	p, err := h.Output(n)
	if err != nil {
		return nil, fmt.Errorf("pump: %w", err)
	}
	return &Pin{pin: p}, nil
}

func (p *Pin) On() error  { return p.pin.Out(gpio.High) }
func (p *Pin) Off() error { return p.pin.Out(gpio.Low) }

// Pulse runs p for d. The pump is always switched off before returning,
// including when ctx is cancelled.
func Pulse(ctx context.Context, p Pump, d time.Duration) (err error) {
	if err = p.On(); err != nil {
		// partial state is unknown, try to leave it off
		p.Off()
		return fmt.Errorf("pump on: %w", err)
	}
	defer func() {
		if offErr := p.Off(); offErr != nil {
			if err == nil {
				err = fmt.Errorf("pump off: %w", offErr)
			} else {
				log.Printf("ERROR: pump off: %+v", offErr)
			}
		}
	}()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
