// Package stepper drives stepper-motor axes with optional boundary sensors.
package stepper

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mastercactapus/eraser/hw"
	"periph.io/x/conn/v3/gpio"
)

// Axis is one stepper motor with its control lines and, when configured,
// two boundary sensors. An Axis runs one command at a time; a second
// concurrent command gets ErrBusy.
type Axis struct {
	cfg    AxisConfig
	tun    Tuning
	logger *log.Logger

	enable hw.OutputPin
	dir    hw.OutputPin
	pulser *Pulser
	bounds []*sensor

	mx    sync.Mutex
	state atomic.Int32
	held  bool

	calMx sync.RWMutex
	cal   Calibration
}

// New claims the pins of cfg from h and returns an idle, released axis.
func New(h *hw.Handle, cfg AxisConfig, tun Tuning, logger *log.Logger) (*Axis, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	a := &Axis{cfg: cfg, tun: tun, logger: logger}

	var err error
	if a.enable, err = h.Output(cfg.Enable); err != nil {
		return nil, fmt.Errorf("axis %s: enable: %w", cfg.Name, err)
	}
	if a.dir, err = h.Output(cfg.Direction); err != nil {
		return nil, fmt.Errorf("axis %s: direction: %w", cfg.Name, err)
	}
	step, err := h.Output(cfg.Step)
	if err != nil {
		return nil, fmt.Errorf("axis %s: step: %w", cfg.Name, err)
	}
	a.pulser = NewPulser(step, logger)

	for i, n := range cfg.Bounds {
		p, err := h.Input(n)
		if err != nil {
			return nil, fmt.Errorf("axis %s: bound%d: %w", cfg.Name, i, err)
		}
		a.bounds = append(a.bounds, &sensor{pin: p, index: i, debounce: tun.Debounce})
	}

	return a, nil
}

func (a *Axis) Name() string       { return a.cfg.Name }
func (a *Axis) Config() AxisConfig { return a.cfg }
func (a *Axis) Tuning() Tuning     { return a.tun }
func (a *Axis) HasBounds() bool    { return len(a.bounds) == 2 }

// State returns the drive phase; it is safe to call from any goroutine.
func (a *Axis) State() State     { return State(a.state.Load()) }
func (a *Axis) setState(s State) { a.state.Store(int32(s)) }

// SetCalibration applies a calibration record to the axis.
func (a *Axis) SetCalibration(c Calibration) {
	a.calMx.Lock()
	a.cal = c
	a.calMx.Unlock()
}

// Calibration returns the record currently applied to the axis.
func (a *Axis) Calibration() Calibration {
	a.calMx.RLock()
	defer a.calMx.RUnlock()
	return a.cal
}

// Held reports whether the enable line is asserted between drives.
func (a *Axis) Held() bool {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.held
}

// Hold energizes the coils so the axis resists external force.
func (a *Axis) Hold() error {
	if !a.mx.TryLock() {
		return ErrBusy
	}
	defer a.mx.Unlock()
	if err := a.enable.Out(gpio.High); err != nil {
		return fmt.Errorf("axis %s: hold: %w", a.cfg.Name, err)
	}
	a.held = true
	return nil
}

// Release de-energizes the coils so the axis can be moved by hand.
func (a *Axis) Release() error {
	if !a.mx.TryLock() {
		return ErrBusy
	}
	defer a.mx.Unlock()
	return a.release()
}

func (a *Axis) release() error {
	a.held = false
	if err := a.enable.Out(gpio.Low); err != nil {
		return fmt.Errorf("axis %s: release: %w", a.cfg.Name, err)
	}
	return nil
}

// disarm stops edge detection on s. A failure is logged; the drive result
// stands.
func (a *Axis) disarm(s *sensor) {
	if err := s.disarm(); err != nil {
		a.logger.Printf("ERROR: axis %s: disarm bound%d: %+v", a.cfg.Name, s.index, err)
	}
}

// sensorFor maps a travel direction to the sensor that lies ahead of it.
func (a *Axis) sensorFor(clockwise bool) *sensor {
	i := 0
	if clockwise {
		i = 1
	}
	if a.Calibration().SwapBounds {
		i = 1 - i
	}
	return a.bounds[i]
}

// BackoffDuration is the length of the reverse move after a collision.
func (a *Axis) BackoffDuration() time.Duration {
	d := a.tun.BackoffFallback
	if speed := a.Calibration().Speed; speed > 0 {
		d = time.Duration(a.tun.BackoffDistance / speed * float64(time.Second))
	}
	if a.tun.BackoffMax > 0 && d > a.tun.BackoffMax {
		d = a.tun.BackoffMax
	}
	return d
}

// Forward drives clockwise; a zero duration means the safety duration.
func (a *Axis) Forward(ctx context.Context, d time.Duration, freq, duty float64) (*CollisionEvent, error) {
	return a.Drive(ctx, a.request(d, freq, duty, true))
}

// Backward drives counter-clockwise; a zero duration means the safety duration.
func (a *Axis) Backward(ctx context.Context, d time.Duration, freq, duty float64) (*CollisionEvent, error) {
	return a.Drive(ctx, a.request(d, freq, duty, false))
}

func (a *Axis) request(d time.Duration, freq, duty float64, clockwise bool) DriveRequest {
	if d == 0 {
		d = a.tun.SafetyDuration
	}
	if freq == 0 {
		freq = a.cfg.Frequency
	}
	if duty == 0 {
		duty = a.cfg.Duty
	}
	return DriveRequest{Duration: d, Frequency: freq, Duty: duty, Clockwise: clockwise}
}

// Drive runs the step waveform for req.Duration. On a bounded axis it
// watches the sensor ahead; a trip stops the drive, runs one back-off move
// in the opposite direction and returns the collision. A drive that runs its
// full duration returns a nil event.
//
// The enable line is left as it was before the call, except that any error
// or cancellation leaves the axis released.
func (a *Axis) Drive(ctx context.Context, req DriveRequest) (*CollisionEvent, error) {
	if err := req.Validate(a.tun.MaxDuration); err != nil {
		return nil, err
	}
	if !a.mx.TryLock() {
		return nil, ErrBusy
	}
	defer a.mx.Unlock()

	wasHeld := a.held
	ev, err := a.drive(ctx, req)
	if err != nil {
		if relErr := a.release(); relErr != nil {
			a.logger.Printf("ERROR: %+v", relErr)
		}
		return ev, err
	}
	if !wasHeld {
		if err = a.release(); err != nil {
			return ev, err
		}
	}
	return ev, nil
}

func (a *Axis) drive(ctx context.Context, req DriveRequest) (ev *CollisionEvent, err error) {
	a.setState(Driving)
	defer a.setState(Idle)

	var s *sensor
	if a.HasBounds() {
		s = a.sensorFor(req.Clockwise)
		if err = s.arm(); err != nil {
			return nil, fmt.Errorf("axis %s: arm bound%d: %w", a.cfg.Name, s.index, err)
		}
		defer a.disarm(s)
	}

	if s != nil && s.tripped() {
		// already against the limit, only relieve it
		ev = &CollisionEvent{Sensor: s.index, Clockwise: req.Clockwise}
	} else {
		if err = a.energize(req.Clockwise); err != nil {
			return nil, err
		}
		start := time.Now()
		if err = a.pulser.Start(req.Frequency, req.Duty); err != nil {
			return nil, fmt.Errorf("axis %s: start pulses: %w", a.cfg.Name, err)
		}
		ev, err = a.watch(ctx, s, start, req)
		if stopErr := a.pulser.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("axis %s: stop pulses: %w", a.cfg.Name, stopErr)
		}
		if err != nil || ev == nil {
			return ev, err
		}
	}

	a.setState(Collided)
	a.logger.Printf("axis %s: bound%d tripped after %s", a.cfg.Name, ev.Sensor, ev.Elapsed)
	ev.Backoff, err = a.backoff(ctx, !req.Clockwise)
	return ev, err
}

func (a *Axis) energize(clockwise bool) error {
	if err := a.enable.Out(gpio.High); err != nil {
		return fmt.Errorf("axis %s: enable: %w", a.cfg.Name, err)
	}
	if err := a.dir.Out(gpio.Level(clockwise)); err != nil {
		return fmt.Errorf("axis %s: direction: %w", a.cfg.Name, err)
	}
	if a.tun.Settle > 0 {
		time.Sleep(a.tun.Settle)
	}
	return nil
}

// watch blocks until the drive duration elapses, the sensor trips or ctx
// is done.
func (a *Axis) watch(ctx context.Context, s *sensor, start time.Time, req DriveRequest) (*CollisionEvent, error) {
	deadline := start.Add(req.Duration)
	if s == nil {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return nil, nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if remaining > a.tun.PollInterval {
			remaining = a.tun.PollInterval
		}
		if s.wait(remaining) {
			return &CollisionEvent{Sensor: s.index, Clockwise: req.Clockwise, Elapsed: time.Since(start)}, nil
		}
	}
}

func (a *Axis) backoff(ctx context.Context, clockwise bool) (time.Duration, error) {
	a.setState(BackingOff)
	if err := sleep(ctx, a.tun.BackoffSettle); err != nil {
		return 0, err
	}

	d := a.BackoffDuration()
	if d <= 0 {
		return 0, nil
	}
	freq := a.Calibration().Freq
	if freq <= 0 {
		freq = a.cfg.Frequency
	}
	if err := a.energize(clockwise); err != nil {
		return 0, err
	}
	if err := a.pulser.Start(freq, a.cfg.Duty); err != nil {
		return 0, fmt.Errorf("axis %s: start back-off: %w", a.cfg.Name, err)
	}
	err := sleep(ctx, d)
	if stopErr := a.pulser.Stop(); stopErr != nil && err == nil {
		err = fmt.Errorf("axis %s: stop back-off: %w", a.cfg.Name, stopErr)
	}
	return d, err
}

// WaitForSensor holds the axis without moving it, arms both sensors and
// returns the index of the first one to trip within window.
func (a *Axis) WaitForSensor(ctx context.Context, window time.Duration) (int, error) {
	if !a.HasBounds() {
		return 0, fmt.Errorf("axis %s: no boundary sensors", a.cfg.Name)
	}
	if !a.mx.TryLock() {
		return 0, ErrBusy
	}
	defer a.mx.Unlock()

	for _, s := range a.bounds {
		if err := s.arm(); err != nil {
			return 0, fmt.Errorf("axis %s: arm bound%d: %w", a.cfg.Name, s.index, err)
		}
		defer a.disarm(s)
	}
	if err := a.enable.Out(gpio.High); err != nil {
		return 0, fmt.Errorf("axis %s: enable: %w", a.cfg.Name, err)
	}
	a.held = true

	slice := a.tun.PollInterval / 2
	if slice <= 0 {
		slice = time.Millisecond
	}
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for _, s := range a.bounds {
			if s.wait(slice) {
				return s.index, nil
			}
		}
	}
	return 0, &HardwareTimeoutError{Axis: a.cfg.Name, What: "sensor trip", Window: window}
}

// Jog is an open-ended drive started by Axis.Jog.
type Jog struct {
	a       *Axis
	start   time.Time
	wasHeld bool
	timer   *time.Timer

	once    sync.Once
	elapsed time.Duration
	expired bool
	err     error
}

// Jog starts the waveform without a fixed duration and returns once pulses
// are running. Sensors are not watched. The axis stays busy until Stop,
// and the jog stops itself after the maximum drive duration.
func (a *Axis) Jog(freq, duty float64, clockwise bool) (*Jog, error) {
	req := DriveRequest{Duration: a.tun.MaxDuration, Frequency: freq, Duty: duty, Clockwise: clockwise}
	if err := req.Validate(0); err != nil {
		return nil, err
	}
	if !a.mx.TryLock() {
		return nil, ErrBusy
	}

	j := &Jog{a: a, wasHeld: a.held}
	a.setState(Driving)
	err := a.energize(clockwise)
	if err == nil {
		err = a.pulser.Start(freq, duty)
	}
	if err != nil {
		a.release()
		a.setState(Idle)
		a.mx.Unlock()
		return nil, err
	}
	j.start = time.Now()
	if a.tun.MaxDuration > 0 {
		j.timer = time.AfterFunc(a.tun.MaxDuration, func() { j.finish(true) })
	}
	return j, nil
}

func (j *Jog) finish(expired bool) {
	j.once.Do(func() {
		a := j.a
		j.elapsed = time.Since(j.start)
		j.expired = expired
		if j.timer != nil {
			j.timer.Stop()
		}
		j.err = a.pulser.Stop()
		if j.err != nil || expired || !j.wasHeld {
			if err := a.release(); err != nil && j.err == nil {
				j.err = err
			}
		}
		a.setState(Idle)
		a.mx.Unlock()
	})
}

// Stop ends the jog and returns how long it ran. A jog that reached the
// maximum duration first returns a HardwareTimeoutError.
func (j *Jog) Stop() (time.Duration, error) {
	j.finish(false)
	if j.err != nil {
		return j.elapsed, j.err
	}
	if j.expired {
		return j.elapsed, &HardwareTimeoutError{Axis: j.a.cfg.Name, What: "stop request", Window: j.a.tun.MaxDuration}
	}
	return j.elapsed, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Travel returns the distance covered by d at the calibrated speed.
func (a *Axis) Travel(d time.Duration) float64 {
	return math.Abs(d.Seconds() * a.Calibration().Speed)
}
