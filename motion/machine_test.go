package motion

import (
	"context"
	"errors"
	"io/ioutil"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mastercactapus/eraser/hw"
	"github.com/mastercactapus/eraser/program"
	"github.com/mastercactapus/eraser/sim"
	"github.com/mastercactapus/eraser/stepper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = log.New(ioutil.Discard, "", 0)

type fakeAxis struct {
	cfg stepper.AxisConfig
	cal stepper.Calibration

	mx       sync.Mutex
	reqs     []stepper.DriveRequest
	held     bool
	releases int
	wait     bool
}

func (f *fakeAxis) Name() string                     { return f.cfg.Name }
func (f *fakeAxis) Config() stepper.AxisConfig       { return f.cfg }
func (f *fakeAxis) Calibration() stepper.Calibration { return f.cal }

func (f *fakeAxis) Drive(ctx context.Context, req stepper.DriveRequest) (*stepper.CollisionEvent, error) {
	f.mx.Lock()
	f.reqs = append(f.reqs, req)
	wait := f.wait
	f.mx.Unlock()
	if wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func (f *fakeAxis) Hold() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.held = true
	return nil
}

func (f *fakeAxis) Release() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.held = false
	f.releases++
	return nil
}

type fakePump struct {
	mx    sync.Mutex
	on    bool
	count int
}

func (p *fakePump) On() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.on = true
	p.count++
	return nil
}

func (p *fakePump) Off() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.on = false
	return nil
}

func fakeMachine() (*Machine, map[string]*fakeAxis, *fakePump) {
	fakes := map[string]*fakeAxis{
		"x": {cfg: xCfg, cal: cal},
		"y": {cfg: yCfg, cal: cal},
		"z": {cfg: zCfg, cal: stepper.Calibration{Freq: 500, Speed: 0.01}},
	}
	axes := make(map[string]Driver, len(fakes))
	for n, f := range fakes {
		axes[n] = f
	}
	p := &fakePump{}
	opts := DefaultOptions()
	opts.PumpPulse = time.Millisecond
	return NewMachine(axes, p, opts, testLogger), fakes, p
}

func TestMachine_Go(t *testing.T) {
	m, fakes, _ := fakeMachine()

	require.NoError(t, m.Go(context.Background(), "x", 2, false, 1))
	require.NoError(t, m.Go(context.Background(), "x", 1, true, 2))
	require.Len(t, fakes["x"].reqs, 2)
	assert.True(t, fakes["x"].reqs[0].Clockwise)
	assert.False(t, fakes["x"].reqs[1].Clockwise)
	assert.Equal(t, 2000.0, fakes["x"].reqs[1].Frequency)

	// z is counter-clockwise forward
	require.NoError(t, m.Go(context.Background(), "z", 1, false, 1))
	assert.False(t, fakes["z"].reqs[0].Clockwise)
	assert.InDelta(t, float64(time.Second), float64(fakes["z"].reqs[0].Duration), float64(time.Microsecond))

	state := m.CurrentState()
	assert.Equal(t, StatusIdle, state.Status)
	assert.InDelta(t, 0.1, state.Pos.X, 1e-9)
	assert.InDelta(t, 0.01, state.Pos.Z, 1e-9)

	err := m.Go(context.Background(), "w", 1, false, 1)
	assert.True(t, errors.Is(err, ErrUnknownAxis))
	assert.Equal(t, StatusAlarm, m.CurrentState().Status)

	fakes["y"].cal = stepper.Calibration{}
	err = m.Go(context.Background(), "y", 1, false, 1)
	assert.True(t, errors.Is(err, ErrNotCalibrated))
	assert.Empty(t, fakes["y"].reqs)
}

func TestMachine_Run(t *testing.T) {
	m, fakes, p := fakeMachine()

	err := m.Run(context.Background(), program.MustParse("H1\nP0.001\nX2S2\nY-1\nD0.001"))
	require.NoError(t, err)
	assert.Equal(t, 1, p.count)
	assert.False(t, p.on)
	assert.True(t, fakes["x"].held)
	require.Len(t, fakes["x"].reqs, 1)
	assert.Equal(t, 2000.0, fakes["x"].reqs[0].Frequency)
	require.Len(t, fakes["y"].reqs, 1)
	assert.False(t, fakes["y"].reqs[0].Clockwise)
	assert.True(t, m.CurrentState().Held)

	err = m.Run(context.Background(), []program.Block{{{W: 'X', Arg: 1}, {W: 'Y', Arg: 1}}})
	assert.Error(t, err)
}

func TestMachine_Interrupted(t *testing.T) {
	m, fakes, p := fakeMachine()
	fakes["x"].wait = true

	var wg sync.WaitGroup
	var err error
	wg.Add(1)
	go func() {
		defer wg.Done()
		err = m.FullSweep(context.Background())
	}()

	// the sweep blocks on the first x move
	deadline := time.Now().Add(time.Second)
	for m.CurrentState().Status != StatusRun && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "full", m.CurrentState().Command)
	assert.Equal(t, ErrBusy, m.Reset(context.Background()))

	m.Stop()
	wg.Wait()

	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, p.on)
	for name, f := range fakes {
		assert.False(t, f.held, name)
		assert.True(t, f.releases > 0, name)
	}
	state := m.CurrentState()
	assert.Equal(t, StatusAlarm, state.Status)
	assert.False(t, state.Pump)
	assert.False(t, state.Held)
}

func TestMachine_PositionClamped(t *testing.T) {
	m, _, _ := fakeMachine()
	ctx := context.Background()

	require.NoError(t, m.Go(ctx, "x", 2, true, 1))
	assert.Equal(t, 0.0, m.CurrentState().Pos.X)

	require.NoError(t, m.Go(ctx, "x", 9, false, 1))
	assert.InDelta(t, xCfg.Length, m.CurrentState().Pos.X, 1e-9)

	require.NoError(t, m.Go(ctx, "y", 1, false, 1))
	assert.InDelta(t, 0.1, m.CurrentState().Pos.Y, 1e-9)
}

func TestMachine_TwoAxis(t *testing.T) {
	fakes := map[string]*fakeAxis{
		"x": {cfg: xCfg, cal: cal},
		"y": {cfg: yCfg, cal: cal},
	}
	axes := map[string]Driver{"x": fakes["x"], "y": fakes["y"]}
	p := &fakePump{}
	opts := DefaultOptions()
	opts.PumpPulse = time.Millisecond
	m := NewMachine(axes, p, opts, testLogger)
	ctx := context.Background()

	require.NoError(t, m.Reset(ctx))
	assert.True(t, fakes["x"].held)
	assert.True(t, fakes["y"].held)
	assert.Len(t, fakes["x"].reqs, 1)
	assert.Len(t, fakes["y"].reqs, 1)

	require.NoError(t, m.FullSweep(ctx))
	assert.Equal(t, Rows(yCfg)+1, p.count)
	assert.Equal(t, StatusIdle, m.CurrentState().Status)

	require.NoError(t, m.Manual(ctx))
	assert.False(t, fakes["x"].held)
	assert.False(t, fakes["y"].held)
	assert.False(t, m.CurrentState().Held)
}

func TestMachine_StateChannel(t *testing.T) {
	m, _, _ := fakeMachine()

	got := make(chan State, 10)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case s := <-m.State():
				got <- s
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	// give the receiver a chance to block on the channel
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Go(context.Background(), "x", 1, false, 1))

	select {
	case s := <-got:
		assert.Equal(t, StatusRun, s.Status)
	case <-time.After(time.Second):
		t.Fatal("no state update")
	}
}

// simRig builds a small rig where every calibrated move matches the model.
func simRig(t *testing.T) (*Machine, *sim.Rig, *fakePump) {
	t.Helper()
	specs := []sim.AxisSpec{
		{Name: "x", Enable: 1, Direction: 2, Step: 3, Bounds: []int{4, 5}, Length: 0.05, PulseDistance: 0.0005, Start: 0.02},
		{Name: "y", Enable: 6, Direction: 7, Step: 8, Bounds: []int{9, 10}, Length: 0.02, PulseDistance: 0.0005, Start: 0.01},
		{Name: "z", Enable: 11, Direction: 12, Step: 13, Length: 0.004, PulseDistance: 0.0001},
	}
	steps := map[string]float64{"x": 0.01, "y": 0.01, "z": 0.001}
	speeds := map[string]float64{"x": 0.5, "y": 0.5, "z": 0.1}

	rig := sim.New(specs...)
	h := hw.Open(rig, testLogger)
	t.Cleanup(func() { h.Close() })

	tun := stepper.DefaultTuning()
	tun.Settle = 0
	tun.PollInterval = time.Millisecond
	tun.Debounce = 10 * time.Millisecond
	tun.BackoffSettle = 0
	tun.BackoffDistance = 0.001

	axes := make(map[string]Driver)
	for _, s := range specs {
		a, err := stepper.New(h, stepper.AxisConfig{
			Name: s.Name, Enable: s.Enable, Direction: s.Direction, Step: s.Step, Bounds: s.Bounds,
			Frequency: 1000, Duty: 0.5, Length: s.Length, StepDistance: steps[s.Name],
		}, tun, testLogger)
		require.NoError(t, err)
		a.SetCalibration(stepper.Calibration{Clockwise: true, Freq: 1000, Speed: speeds[s.Name]})
		axes[s.Name] = a
	}

	p := &fakePump{}
	opts := DefaultOptions()
	opts.PumpPulse = 5 * time.Millisecond
	return NewMachine(axes, p, opts, testLogger), rig, p
}

func TestMachine_RoundTrip(t *testing.T) {
	m, rig, _ := simRig(t)
	ctx := context.Background()

	require.NoError(t, m.Go(ctx, "x", 2, false, 1))
	assert.InDelta(t, 0.04, rig.Position("x"), 0.002)
	require.NoError(t, m.Go(ctx, "x", 2, true, 1))
	assert.InDelta(t, 0.02, rig.Position("x"), 0.002)

	// double speed covers the same distance
	require.NoError(t, m.Go(ctx, "y", 1, false, 2))
	assert.InDelta(t, 0.02, rig.Position("y"), 0.002)
	require.NoError(t, m.Go(ctx, "y", 1, true, 2))
	assert.InDelta(t, 0.01, rig.Position("y"), 0.002)
	assert.False(t, rig.Enabled("x"))
}

func TestMachine_FullSweep(t *testing.T) {
	m, rig, p := simRig(t)
	ctx := context.Background()

	require.NoError(t, m.FullSweep(ctx))
	assert.Equal(t, Rows(stepper.AxisConfig{Length: 0.02, StepDistance: 0.01})+1, p.count)
	assert.False(t, p.on)

	// home corner, less the back-off, eraser down and holding
	assert.InDelta(t, 0.001, rig.Position("x"), 0.002)
	assert.InDelta(t, 0.001, rig.Position("y"), 0.002)
	assert.InDelta(t, 0.002, rig.Position("z"), 0.0005)
	assert.True(t, rig.Enabled("x"))
	assert.True(t, rig.Enabled("z"))
	assert.Equal(t, StatusIdle, m.CurrentState().Status)

	require.NoError(t, m.Manual(ctx))
	assert.InDelta(t, 0, rig.Position("z"), 0.0005)
	assert.False(t, rig.Enabled("x"))
	assert.False(t, rig.Enabled("y"))
	assert.False(t, rig.Enabled("z"))
}

func TestMachine_Jog(t *testing.T) {
	m, rig, _ := simRig(t)
	ctx := context.Background()

	require.NoError(t, m.Jog(ctx, "right"))
	assert.InDelta(t, 0.03, rig.Position("x"), 0.002)
	require.NoError(t, m.Jog(ctx, "down"))
	assert.InDelta(t, 0, rig.Position("y"), 0.002)
	assert.Error(t, m.Jog(ctx, "sideways"))
}
