package stepper

import (
	"errors"
	"log"
	"time"

	"github.com/mastercactapus/eraser/hw"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

var errPulseRunning = errors.New("pulse train already running")

// Pulser generates the step waveform on one pin. It uses the pin's PWM
// support and falls back to toggling the pin from a goroutine when the pin
// has none.
type Pulser struct {
	pin    hw.OutputPin
	logger *log.Logger

	running bool
	stop    chan struct{}
	done    chan struct{}
	err     error
}

// NewPulser returns a Pulser driving pin.
func NewPulser(pin hw.OutputPin, logger *log.Logger) *Pulser {
	return &Pulser{pin: pin, logger: logger}
}

// Start begins a waveform of freq Hz with the given high-time fraction.
func (p *Pulser) Start(freq, duty float64) error {
	if p.running {
		return errPulseRunning
	}
	err := p.pin.PWM(gpio.Duty(duty*float64(gpio.DutyMax)), physic.Frequency(freq*float64(physic.Hertz)))
	if err == nil {
		p.running = true
		return nil
	}
	if p.logger != nil {
		p.logger.Printf("%s: no hardware PWM (%v), toggling in software", p.pin.Name(), err)
	}

	period := time.Duration(float64(time.Second) / freq)
	high := time.Duration(float64(period) * duty)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.err = nil
	p.running = true
	go p.toggle(high, period-high)
	return nil
}

func (p *Pulser) toggle(high, low time.Duration) {
	defer close(p.done)
	t := time.NewTimer(high)
	defer t.Stop()
	wait := func(d time.Duration) bool {
		t.Reset(d)
		select {
		case <-p.stop:
			return false
		case <-t.C:
			return true
		}
	}
	if !t.Stop() {
		<-t.C
	}
	for {
		if p.err = p.pin.Out(gpio.High); p.err != nil {
			return
		}
		if !wait(high) {
			return
		}
		if p.err = p.pin.Out(gpio.Low); p.err != nil {
			return
		}
		if !wait(low) {
			return
		}
	}
}

// Stop ends the waveform and leaves the pin low. It is a no-op when
// nothing is running.
func (p *Pulser) Stop() error {
	if !p.running {
		return nil
	}
	p.running = false

	var err error
	if p.stop != nil {
		close(p.stop)
		<-p.done
		err = p.err
		p.stop, p.done = nil, nil
	}
	// Out also cancels a hardware PWM
	if outErr := p.pin.Out(gpio.Low); err == nil {
		err = outErr
	}
	return err
}

// Running reports whether a waveform is active.
func (p *Pulser) Running() bool { return p.running }
