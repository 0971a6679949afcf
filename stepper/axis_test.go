package stepper

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"log"
	"testing"
	"time"

	"github.com/mastercactapus/eraser/hw"
	"github.com/mastercactapus/eraser/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

var testLogger = log.New(ioutil.Discard, "", 0)

func testTuning() Tuning {
	return Tuning{
		PollInterval:    time.Millisecond,
		Debounce:        200 * time.Millisecond,
		BackoffSettle:   5 * time.Millisecond,
		BackoffDistance: 0.005,
		BackoffMax:      50 * time.Millisecond,
		BackoffFallback: 10 * time.Millisecond,
		SafetyDuration:  30 * time.Millisecond,
		MaxDuration:     20 * time.Second,
	}
}

// 1000 Hz moves the simulated load at 0.5 m/s
func testSpec() sim.AxisSpec {
	return sim.AxisSpec{
		Name:          "x",
		Enable:        5,
		Direction:     6,
		Step:          13,
		Bounds:        []int{20, 21},
		Length:        0.05,
		PulseDistance: 0.0005,
		Start:         0.034,
	}
}

func newTestAxis(t *testing.T, spec sim.AxisSpec, tun Tuning) (*Axis, *sim.Rig) {
	t.Helper()
	rig := sim.New(spec)
	h := hw.Open(rig, testLogger)
	t.Cleanup(func() { h.Close() })

	a, err := New(h, AxisConfig{
		Name:         spec.Name,
		Enable:       spec.Enable,
		Direction:    spec.Direction,
		Step:         spec.Step,
		Bounds:       spec.Bounds,
		Frequency:    1000,
		Duty:         0.5,
		Length:       spec.Length,
		StepDistance: 0.01,
	}, tun, testLogger)
	require.NoError(t, err)
	return a, rig
}

func TestAxis_DriveValidation(t *testing.T) {
	a, rig := newTestAxis(t, testSpec(), testTuning())

	check := func(req DriveRequest, field string) {
		t.Helper()
		ev, err := a.Drive(context.Background(), req)
		assert.Nil(t, ev)
		var vErr *ValidationError
		if assert.True(t, errors.As(err, &vErr), "expected ValidationError, got %v", err) {
			assert.Equal(t, field, vErr.Field)
		}
		assert.False(t, rig.Enabled("x"))
		assert.Equal(t, gpio.Low, rig.Level(6))
		assert.InDelta(t, 0.034, rig.Position("x"), 1e-9)
	}

	check(DriveRequest{Duration: 0, Frequency: 1000, Duty: 0.5, Clockwise: true}, "duration")
	check(DriveRequest{Duration: 30 * time.Second, Frequency: 1000, Duty: 0.5, Clockwise: true}, "duration")
	check(DriveRequest{Duration: time.Second, Frequency: 0, Duty: 0.5}, "frequency")
	check(DriveRequest{Duration: time.Second, Frequency: 1000, Duty: 0}, "duty")
	check(DriveRequest{Duration: time.Second, Frequency: 1000, Duty: 1}, "duty")
}

func TestAxis_DriveReleases(t *testing.T) {
	spec := testSpec()
	spec.Start = 0.01
	a, rig := newTestAxis(t, spec, testTuning())

	ev, err := a.Drive(context.Background(), DriveRequest{Duration: 20 * time.Millisecond, Frequency: 1000, Duty: 0.5, Clockwise: true})
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.InDelta(t, 0.02, rig.Position("x"), 0.003)
	assert.False(t, rig.Enabled("x"))
	assert.False(t, rig.Moving("x"))
	assert.Equal(t, Idle, a.State())
}

func TestAxis_DriveKeepsHold(t *testing.T) {
	spec := testSpec()
	spec.Start = 0.01
	a, rig := newTestAxis(t, spec, testTuning())

	require.NoError(t, a.Hold())
	_, err := a.Backward(context.Background(), 10*time.Millisecond, 0, 0)
	require.NoError(t, err)
	assert.True(t, rig.Enabled("x"))
	assert.True(t, a.Held())
	assert.False(t, rig.Moving("x"))

	require.NoError(t, a.Release())
	assert.False(t, rig.Enabled("x"))
}

func TestAxis_Collision(t *testing.T) {
	a, rig := newTestAxis(t, testSpec(), testTuning())
	a.SetCalibration(Calibration{Clockwise: true, Freq: 1000, Speed: 0.5})

	ev, err := a.Drive(context.Background(), DriveRequest{Duration: 10 * time.Second, Frequency: 1000, Duty: 0.5, Clockwise: true})
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, 1, ev.Sensor)
	assert.True(t, ev.Clockwise)
	assert.InDelta(t, float64(32*time.Millisecond), float64(ev.Elapsed), float64(15*time.Millisecond))
	assert.InDelta(t, float64(10*time.Millisecond), float64(ev.Backoff), float64(time.Microsecond))

	// exactly one back-off of 5mm, clear of the sensor
	assert.InDelta(t, 0.045, rig.Position("x"), 0.002)
	assert.False(t, rig.Moving("x"))
	assert.False(t, rig.Enabled("x"))
	assert.Equal(t, Idle, a.State())
}

func TestAxis_CollisionAtLimit(t *testing.T) {
	spec := testSpec()
	spec.Start = spec.Length
	a, rig := newTestAxis(t, spec, testTuning())

	ev, err := a.Forward(context.Background(), time.Second, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 1, ev.Sensor)
	assert.Equal(t, time.Duration(0), ev.Elapsed)

	// uncalibrated: fallback back-off of 10ms at 0.5 m/s
	assert.Equal(t, 10*time.Millisecond, ev.Backoff)
	assert.InDelta(t, 0.045, rig.Position("x"), 0.002)
}

func TestAxis_SwapBounds(t *testing.T) {
	spec := testSpec()
	spec.SwappedSensors = true
	a, rig := newTestAxis(t, spec, testTuning())

	// without the swap the sensor at the far end is never watched
	ev, err := a.Forward(context.Background(), 60*time.Millisecond, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.InDelta(t, spec.Length, rig.Position("x"), 1e-9)

	a.SetCalibration(Calibration{Freq: 1000, Speed: 0.5, SwapBounds: true})
	rig.SetPosition("x", 0.034)
	ev, err = a.Forward(context.Background(), time.Second, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 0, ev.Sensor)
	assert.InDelta(t, 0.045, rig.Position("x"), 0.002)
}

func TestAxis_DriveCancel(t *testing.T) {
	a, rig := newTestAxis(t, testSpec(), testTuning())
	require.NoError(t, a.Hold())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := a.Backward(ctx, 10*time.Second, 0, 0)
	assert.Equal(t, context.Canceled, err)

	assert.False(t, a.Held())
	assert.False(t, rig.Enabled("x"))
	assert.False(t, rig.Moving("x"))
	assert.Equal(t, Idle, a.State())
}

func TestAxis_Busy(t *testing.T) {
	a, rig := newTestAxis(t, testSpec(), testTuning())

	j, err := a.Jog(1000, 0.5, false)
	require.NoError(t, err)
	assert.True(t, rig.Moving("x"))
	assert.Equal(t, Driving, a.State())

	_, err = a.Forward(context.Background(), time.Second, 0, 0)
	assert.Equal(t, ErrBusy, err)
	assert.Equal(t, ErrBusy, a.Hold())
	assert.Equal(t, ErrBusy, a.Release())

	_, err = j.Stop()
	assert.NoError(t, err)
	assert.False(t, rig.Moving("x"))
	assert.NoError(t, a.Hold())
}

func TestAxis_Jog(t *testing.T) {
	spec := testSpec()
	spec.Start = 0
	a, rig := newTestAxis(t, spec, testTuning())

	j, err := a.Jog(1000, 0.5, true)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	elapsed, err := j.Stop()
	require.NoError(t, err)

	assert.True(t, elapsed >= 30*time.Millisecond)
	assert.InDelta(t, elapsed.Seconds()*0.5, rig.Position("x"), 0.002)
	assert.False(t, rig.Enabled("x"))

	// a second Stop is harmless
	again, err := j.Stop()
	assert.NoError(t, err)
	assert.Equal(t, elapsed, again)
}

func TestAxis_JogExpires(t *testing.T) {
	tun := testTuning()
	tun.MaxDuration = 20 * time.Millisecond
	spec := testSpec()
	spec.Start = 0
	a, rig := newTestAxis(t, spec, tun)

	j, err := a.Jog(1000, 0.5, true)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, rig.Moving("x"))
	assert.False(t, rig.Enabled("x"))

	_, err = j.Stop()
	var tErr *HardwareTimeoutError
	assert.True(t, errors.As(err, &tErr))
}

func TestAxis_WaitForSensor(t *testing.T) {
	a, rig := newTestAxis(t, testSpec(), testTuning())

	go func() {
		time.Sleep(10 * time.Millisecond)
		rig.Press("x", 1)
	}()
	idx, err := a.WaitForSensor(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.True(t, a.Held())
	assert.True(t, rig.Enabled("x"))
	assert.InDelta(t, 0.034, rig.Position("x"), 1e-9)

	_, err = a.WaitForSensor(context.Background(), 20*time.Millisecond)
	var tErr *HardwareTimeoutError
	assert.True(t, errors.As(err, &tErr))
}

func TestAxis_Unbounded(t *testing.T) {
	spec := testSpec()
	spec.Bounds = nil
	spec.Start = 0
	a, rig := newTestAxis(t, spec, testTuning())
	assert.False(t, a.HasBounds())

	// zero duration falls back to the safety duration
	ev, err := a.Forward(context.Background(), 0, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.InDelta(t, 0.015, rig.Position("x"), 0.003)

	_, err = a.WaitForSensor(context.Background(), time.Millisecond)
	assert.Error(t, err)
}

func TestAxis_BackoffDuration(t *testing.T) {
	a, _ := newTestAxis(t, testSpec(), testTuning())

	assert.Equal(t, 10*time.Millisecond, a.BackoffDuration())

	a.SetCalibration(Calibration{Freq: 1000, Speed: 0.25})
	assert.InDelta(t, float64(20*time.Millisecond), float64(a.BackoffDuration()), float64(time.Microsecond))

	a.SetCalibration(Calibration{Freq: 1000, Speed: 0.01})
	assert.Equal(t, 50*time.Millisecond, a.BackoffDuration())
}

func TestAxis_Travel(t *testing.T) {
	a, _ := newTestAxis(t, testSpec(), testTuning())
	a.SetCalibration(Calibration{Freq: 1000, Speed: 0.5})
	assert.InDelta(t, 0.25, a.Travel(500*time.Millisecond), 1e-9)
}

// stickySource hands out sensor pins that cannot leave edge detection once
// it has been turned on.
type stickySource struct{ *sim.Rig }

func (s stickySource) Input(n int) (hw.InputPin, error) {
	p, err := s.Rig.Input(n)
	if err != nil {
		return nil, err
	}
	return &stickyPin{InputPin: p}, nil
}

type stickyPin struct {
	hw.InputPin
	armed bool
}

func (p *stickyPin) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge == gpio.NoEdge && p.armed {
		return errors.New("edge detection stuck on")
	}
	if edge != gpio.NoEdge {
		p.armed = true
	}
	return p.InputPin.In(pull, edge)
}

func TestAxis_DisarmFailureLogged(t *testing.T) {
	spec := testSpec()
	rig := sim.New(spec)
	h := hw.Open(stickySource{rig}, testLogger)
	t.Cleanup(func() { h.Close() })

	var buf bytes.Buffer
	a, err := New(h, AxisConfig{
		Name: spec.Name, Enable: spec.Enable, Direction: spec.Direction, Step: spec.Step, Bounds: spec.Bounds,
		Frequency: 1000, Duty: 0.5, Length: spec.Length, StepDistance: 0.01,
	}, testTuning(), log.New(&buf, "", 0))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		rig.Press("x", 0)
	}()
	idx, err := a.WaitForSensor(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Contains(t, buf.String(), "axis x: disarm bound0")
	assert.Contains(t, buf.String(), "axis x: disarm bound1")

	buf.Reset()
	_, err = a.Backward(context.Background(), 5*time.Millisecond, 0, 0)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "axis x: disarm bound0")
}
