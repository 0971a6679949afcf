// Package calibrate runs the operator-assisted calibration of an axis.
//
// A run finds the rotation that moves the axis forward, which boundary
// sensor sits at which end, and the travel speed at the calibration
// frequency. It either produces a complete record or leaves the axis with
// the record it had before.
package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mastercactapus/eraser/stepper"
)

type Options struct {
	// ProbeFrequency and ProbeDuration set the short direction probe.
	ProbeFrequency float64
	ProbeDuration  time.Duration

	// Frequency is used for the length trials; 0 means the axis default.
	Frequency float64

	// SensorWindow is how long the operator has to trip a sensor.
	SensorWindow time.Duration

	// TrialDuration bounds each end-to-end trial.
	TrialDuration time.Duration

	// PromptTimeout bounds every operator prompt.
	PromptTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		ProbeFrequency: 500,
		ProbeDuration:  time.Second,
		SensorWindow:   5 * time.Second,
		TrialDuration:  30 * time.Second,
		PromptTimeout:  2 * time.Minute,
	}
}

// Saver persists a calibration record.
type Saver interface {
	SaveCalibration(axis string, c stepper.Calibration) error
}

type Calibrator struct {
	prompt Prompt
	opts   Options
	logger *log.Logger
}

func New(p Prompt, opts Options, logger *log.Logger) *Calibrator {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Calibrator{prompt: p, opts: opts, logger: logger}
}

func (c *Calibrator) proceed(ctx context.Context, msg string) error {
	pctx, cancel := c.promptContext(ctx)
	defer cancel()
	return c.promptErr(ctx, c.prompt.Proceed(pctx, msg))
}

func (c *Calibrator) confirm(ctx context.Context, q string) (bool, error) {
	pctx, cancel := c.promptContext(ctx)
	defer cancel()
	ok, err := c.prompt.Confirm(pctx, q)
	return ok, c.promptErr(ctx, err)
}

func (c *Calibrator) promptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.PromptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.PromptTimeout)
}

// promptErr turns a prompt deadline into an abort; cancellation of the run
// itself is passed through.
func (c *Calibrator) promptErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return &OperatorAbortError{Reason: fmt.Sprintf("no response within %s", c.opts.PromptTimeout)}
	}
	return err
}

// Calibrate runs the full protocol on a and applies the resulting record.
// On failure the previous record is restored and the axis is released.
func (c *Calibrator) Calibrate(ctx context.Context, a *stepper.Axis) (rec stepper.Calibration, err error) {
	prev := a.Calibration()
	defer func() {
		if err != nil {
			a.SetCalibration(prev)
		}
		if relErr := a.Release(); relErr != nil {
			c.logger.Printf("ERROR: axis %s: release after calibration: %+v", a.Name(), relErr)
		}
	}()

	// drive with raw rotation and unswapped sensors until this run decides
	a.SetCalibration(stepper.Calibration{})

	if rec.Clockwise, err = c.direction(ctx, a); err != nil {
		return stepper.Calibration{}, err
	}
	if a.HasBounds() {
		if rec.SwapBounds, err = c.sensors(ctx, a); err != nil {
			return stepper.Calibration{}, err
		}
	}
	a.SetCalibration(stepper.Calibration{Clockwise: rec.Clockwise, SwapBounds: rec.SwapBounds})

	rec.Freq = c.opts.Frequency
	if rec.Freq <= 0 {
		rec.Freq = a.Config().Frequency
	}
	var elapsed time.Duration
	if a.HasBounds() {
		elapsed, err = c.boundedLength(ctx, a, rec.Freq)
	} else {
		elapsed, err = c.timedLength(ctx, a, rec.Freq)
	}
	if err != nil {
		return stepper.Calibration{}, err
	}
	if elapsed <= 0 {
		return stepper.Calibration{}, fmt.Errorf("axis %s: measured no travel time", a.Name())
	}

	rec.Speed = a.Config().Length / elapsed.Seconds()
	a.SetCalibration(rec)
	c.logger.Printf("axis %s: calibrated clockwise=%t freq=%g speed=%.4f swap_bounds=%t", a.Name(), rec.Clockwise, rec.Freq, rec.Speed, rec.SwapBounds)
	return rec, nil
}

func (c *Calibrator) direction(ctx context.Context, a *stepper.Axis) (bool, error) {
	if err := a.Release(); err != nil {
		return false, err
	}
	if err := c.proceed(ctx, fmt.Sprintf("Axis %s: move the load to the middle of its travel.", a.Name())); err != nil {
		return false, err
	}
	if err := a.Hold(); err != nil {
		return false, err
	}
	if _, err := a.Forward(ctx, c.opts.ProbeDuration, c.opts.ProbeFrequency, 0); err != nil {
		return false, err
	}
	return c.confirm(ctx, fmt.Sprintf("Axis %s: did the load move forward?", a.Name()))
}

// sensors finds which physical sensor sits at the end the clockwise probe
// moved toward. That end is bound1 unless the wiring is swapped.
func (c *Calibrator) sensors(ctx context.Context, a *stepper.Axis) (bool, error) {
	if err := c.proceed(ctx, fmt.Sprintf("Axis %s: after continuing, trip the limit sensor at the end the load just moved toward.", a.Name())); err != nil {
		return false, err
	}
	idx, err := a.WaitForSensor(ctx, c.opts.SensorWindow)
	if err != nil {
		return false, err
	}
	return idx == 0, nil
}

// boundedLength runs to the counter-clockwise end, then times the run to
// the clockwise end.
func (c *Calibrator) boundedLength(ctx context.Context, a *stepper.Axis, freq float64) (time.Duration, error) {
	if err := c.proceed(ctx, fmt.Sprintf("Axis %s: clear the travel, the axis will run end to end.", a.Name())); err != nil {
		return 0, err
	}
	if err := a.Hold(); err != nil {
		return 0, err
	}

	trial := func(clockwise bool) (*stepper.CollisionEvent, error) {
		ev, err := a.Drive(ctx, stepper.DriveRequest{
			Duration:  c.opts.TrialDuration,
			Frequency: freq,
			Duty:      a.Config().Duty,
			Clockwise: clockwise,
		})
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, &stepper.HardwareTimeoutError{Axis: a.Name(), What: "collision", Window: c.opts.TrialDuration}
		}
		return ev, nil
	}

	if _, err := trial(false); err != nil {
		return 0, err
	}
	ev, err := trial(true)
	if err != nil {
		return 0, err
	}
	return ev.Elapsed, nil
}

// timedLength has the operator time a clockwise run from one end to the
// other, for axes without sensors.
func (c *Calibrator) timedLength(ctx context.Context, a *stepper.Axis, freq float64) (time.Duration, error) {
	if err := a.Release(); err != nil {
		return 0, err
	}
	if err := c.proceed(ctx, fmt.Sprintf("Axis %s: place the load at the end opposite to the probe move.", a.Name())); err != nil {
		return 0, err
	}
	if err := a.Hold(); err != nil {
		return 0, err
	}
	j, err := a.Jog(freq, a.Config().Duty, true)
	if err != nil {
		return 0, err
	}
	pErr := c.proceed(ctx, fmt.Sprintf("Axis %s: continue when the load reaches the other end.", a.Name()))
	elapsed, err := j.Stop()
	if pErr != nil {
		return 0, pErr
	}
	return elapsed, err
}

// Run calibrates each axis in turn and saves every record that completes.
// A failed axis does not stop the others; the errors are joined.
func (c *Calibrator) Run(ctx context.Context, axes []*stepper.Axis, s Saver) error {
	var errs []error
	for _, a := range axes {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		prev := a.Calibration()
		rec, err := c.Calibrate(ctx, a)
		if err == nil {
			err = s.SaveCalibration(a.Name(), rec)
			if err != nil {
				a.SetCalibration(prev)
			}
		}
		if err != nil {
			c.logger.Printf("ERROR: calibrate axis %s: %+v", a.Name(), err)
			errs = append(errs, fmt.Errorf("axis %s: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}
