// Package sim is a simulated eraser rig. It implements hw.PinSource with a
// kinematic model of each axis so the motion code can run without hardware.
package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mastercactapus/eraser/hw"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// contact tolerance in metres
const epsilon = 1e-6

// AxisSpec wires one simulated axis.
type AxisSpec struct {
	Name string

	Enable    int
	Direction int
	Step      int
	Bounds    []int

	// Length is the travel in metres; PulseDistance the travel of one step pulse.
	Length        float64
	PulseDistance float64

	// Reversed makes a high direction line move toward 0 instead of Length.
	Reversed bool

	// SwappedSensors puts bound0 at the Length end and bound1 at 0.
	SwappedSensors bool

	// Start is the initial position.
	Start float64
}

// Rig is a set of simulated axes plus any number of plain pins.
type Rig struct {
	// PressHold is how long a Press keeps a sensor closed.
	PressHold time.Duration

	mx      sync.Mutex
	axes    map[string]*axis
	outputs map[int]*outputPin
	inputs  map[int]*inputPin
}

var _ hw.PinSource = &Rig{}

// New builds a rig from specs.
func New(specs ...AxisSpec) *Rig {
	r := &Rig{
		PressHold: 50 * time.Millisecond,
		axes:      make(map[string]*axis, len(specs)),
		outputs:   make(map[int]*outputPin),
		inputs:    make(map[int]*inputPin),
	}
	now := time.Now()
	for _, s := range specs {
		a := &axis{spec: s, pos: s.Start, since: now}
		r.axes[s.Name] = a
		r.outputs[s.Enable] = &outputPin{rig: r, n: s.Enable, axis: a, role: roleEnable}
		r.outputs[s.Direction] = &outputPin{rig: r, n: s.Direction, axis: a, role: roleDirection}
		r.outputs[s.Step] = &outputPin{rig: r, n: s.Step, axis: a, role: roleStep}
		for i, n := range s.Bounds {
			p := &inputPin{rig: r, n: n, axis: a, index: i, press: make(chan struct{}, 1)}
			a.sensors = append(a.sensors, p)
			r.inputs[n] = p
		}
	}
	return r
}

// Output implements hw.PinSource.
func (r *Rig) Output(n int) (hw.OutputPin, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.inputs[n]; ok {
		return nil, fmt.Errorf("sim: pin %d is a sensor", n)
	}
	p, ok := r.outputs[n]
	if !ok {
		p = &outputPin{rig: r, n: n}
		r.outputs[n] = p
	}
	return p, nil
}

// Input implements hw.PinSource.
func (r *Rig) Input(n int) (hw.InputPin, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.outputs[n]; ok {
		return nil, fmt.Errorf("sim: pin %d is an output", n)
	}
	p, ok := r.inputs[n]
	if !ok {
		p = &inputPin{rig: r, n: n, press: make(chan struct{}, 1)}
		r.inputs[n] = p
	}
	return p, nil
}

func (r *Rig) axis(name string) *axis {
	a, ok := r.axes[name]
	if !ok {
		panic("sim: unknown axis " + name)
	}
	return a
}

// Position returns the current position of the named axis.
func (r *Rig) Position(name string) float64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.axis(name).at(time.Now())
}

// SetPosition moves the load by hand. It has no effect while the axis is
// energized.
func (r *Rig) SetPosition(name string, pos float64) {
	r.mx.Lock()
	defer r.mx.Unlock()
	a := r.axis(name)
	if a.enabled {
		return
	}
	a.pos = math.Max(0, math.Min(pos, a.spec.Length))
	a.since = time.Now()
}

// Enabled reports whether the named axis is energized.
func (r *Rig) Enabled(name string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.axis(name).enabled
}

// Moving reports whether the named axis is being stepped.
func (r *Rig) Moving(name string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.axis(name).vel != 0
}

// Level returns the last level written to output pin n.
func (r *Rig) Level(n int) gpio.Level {
	r.mx.Lock()
	defer r.mx.Unlock()
	p, ok := r.outputs[n]
	if !ok {
		return gpio.Low
	}
	return p.level
}

// Press closes physical sensor index (0 for bound0) of the named axis for
// PressHold, as an operator tripping it by hand.
func (r *Rig) Press(name string, index int) {
	r.mx.Lock()
	p := r.axis(name).sensors[index]
	p.pressed = true
	hold := r.PressHold
	r.mx.Unlock()

	select {
	case p.press <- struct{}{}:
	default:
	}
	time.AfterFunc(hold, func() {
		r.mx.Lock()
		p.pressed = false
		r.mx.Unlock()
	})
}

type axis struct {
	spec AxisSpec

	pos   float64
	since time.Time
	vel   float64

	enabled bool
	dirHigh bool
	freq    float64

	sensors []*inputPin
}

func (a *axis) at(t time.Time) float64 {
	p := a.pos + a.vel*t.Sub(a.since).Seconds()
	return math.Max(0, math.Min(p, a.spec.Length))
}

// change settles the position under the old velocity, applies fn and
// recomputes the velocity.
func (a *axis) change(now time.Time, fn func()) {
	a.pos = a.at(now)
	a.since = now
	fn()
	a.vel = 0
	if a.enabled && a.freq > 0 {
		a.vel = a.freq * a.spec.PulseDistance
		if a.dirHigh == a.spec.Reversed {
			a.vel = -a.vel
		}
	}
}

// end returns the position of physical sensor i.
func (a *axis) end(i int) float64 {
	far := i == 1
	if a.spec.SwappedSensors {
		far = !far
	}
	if far {
		return a.spec.Length
	}
	return 0
}

// timeTo returns how long until the axis reaches target, or -1 if it never will.
func (a *axis) timeTo(target float64, now time.Time) time.Duration {
	if a.vel == 0 {
		return -1
	}
	dt := (target - a.at(now)) / a.vel
	if dt < 0 {
		return -1
	}
	return time.Duration(dt*float64(time.Second)) + time.Microsecond
}

const (
	roleNone = iota
	roleEnable
	roleDirection
	roleStep
)

type outputPin struct {
	rig  *Rig
	n    int
	axis *axis
	role int

	level gpio.Level
	duty  gpio.Duty
	freq  physic.Frequency
}

func (p *outputPin) Name() string { return fmt.Sprintf("SIM%d", p.n) }

func (p *outputPin) Out(l gpio.Level) error {
	p.rig.mx.Lock()
	defer p.rig.mx.Unlock()
	p.level = l
	p.duty, p.freq = 0, 0
	p.apply()
	return nil
}

func (p *outputPin) PWM(duty gpio.Duty, f physic.Frequency) error {
	p.rig.mx.Lock()
	defer p.rig.mx.Unlock()
	p.duty, p.freq = duty, f
	p.apply()
	return nil
}

func (p *outputPin) Halt() error { return p.Out(gpio.Low) }

func (p *outputPin) apply() {
	if p.axis == nil {
		return
	}
	p.axis.change(time.Now(), func() {
		switch p.role {
		case roleEnable:
			p.axis.enabled = bool(p.level)
		case roleDirection:
			p.axis.dirHigh = bool(p.level)
		case roleStep:
			p.axis.freq = 0
			if p.duty > 0 && p.duty < gpio.DutyMax {
				p.axis.freq = float64(p.freq) / float64(physic.Hertz)
			}
		}
	})
}

type inputPin struct {
	rig   *Rig
	n     int
	axis  *axis
	index int

	armed   bool
	level   bool
	pressed bool
	press   chan struct{}
}

func (p *inputPin) Name() string { return fmt.Sprintf("SIM%d", p.n) }

func (p *inputPin) contact(now time.Time) bool {
	if p.pressed {
		return true
	}
	if p.axis == nil {
		return false
	}
	return math.Abs(p.axis.at(now)-p.axis.end(p.index)) < epsilon
}

func (p *inputPin) drain() {
	select {
	case <-p.press:
	default:
	}
}

func (p *inputPin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.rig.mx.Lock()
	defer p.rig.mx.Unlock()
	p.armed = edge != gpio.NoEdge
	p.level = p.contact(time.Now())
	p.drain()
	return nil
}

func (p *inputPin) Read() gpio.Level {
	p.rig.mx.Lock()
	defer p.rig.mx.Unlock()
	return gpio.Level(p.contact(time.Now()))
}

func (p *inputPin) Halt() error { return p.In(gpio.Float, gpio.NoEdge) }

// WaitForEdge reports a rising edge caused by motion or by Press.
func (p *inputPin) WaitForEdge(timeout time.Duration) bool {
	p.rig.mx.Lock()
	if !p.armed {
		p.rig.mx.Unlock()
		time.Sleep(timeout)
		return false
	}
	now := time.Now()
	cur := p.contact(now)
	if cur && !p.level {
		p.level = true
		p.drain()
		p.rig.mx.Unlock()
		return true
	}
	p.level = cur
	hit := time.Duration(-1)
	if !cur && p.axis != nil {
		hit = p.axis.timeTo(p.axis.end(p.index), now)
	}
	p.rig.mx.Unlock()

	wait := timeout
	if hit >= 0 && hit < timeout {
		wait = hit
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.press:
		p.rig.mx.Lock()
		p.level = true
		p.rig.mx.Unlock()
		return true
	case <-t.C:
	}

	p.rig.mx.Lock()
	defer p.rig.mx.Unlock()
	cur = p.contact(time.Now())
	edge := cur && !p.level
	p.level = cur
	return edge
}
