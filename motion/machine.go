// Package motion runs move programs and the eraser routines on a set of axes.
package motion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mastercactapus/eraser/coord"
	"github.com/mastercactapus/eraser/program"
	"github.com/mastercactapus/eraser/pump"
)

var (
	// ErrBusy is returned when a command is issued while another is running.
	ErrBusy = errors.New("machine busy")

	// ErrNotCalibrated is returned for moves on an axis without a calibration record.
	ErrNotCalibrated = errors.New("axis not calibrated")

	// ErrUnknownAxis is returned for moves on an axis that is not configured.
	ErrUnknownAxis = errors.New("unknown axis")
)

const (
	StatusIdle  = "Idle"
	StatusRun   = "Run"
	StatusAlarm = "Alarm"
)

type State struct {
	Status  string      `json:"status"`
	Command string      `json:"command,omitempty"`
	Message string      `json:"message,omitempty"`
	Pos     coord.Point `json:"pos"`
	Pump    bool        `json:"pump"`
	Held    bool        `json:"held"`
}

// Options name the role of each axis and set the routine parameters.
type Options struct {
	// Primary is swept end to end, Secondary advances one row per sweep and
	// Tool lifts the eraser.
	Primary   string
	Secondary string
	Tool      string

	// ToolSteps is how far the tool axis moves to put the eraser down.
	ToolSteps float64

	// PumpPulse is how long the pump runs before each sweep.
	PumpPulse time.Duration
}

func DefaultOptions() Options {
	return Options{
		Primary:   "x",
		Secondary: "y",
		Tool:      "z",
		ToolSteps: 2,
		PumpPulse: 500 * time.Millisecond,
	}
}

// Machine serializes commands to the axes and the pump.
type Machine struct {
	axes   map[string]Driver
	pump   pump.Pump
	opts   Options
	logger *log.Logger

	// limits is the travel of each axis, for clamping the dead-reckoned position.
	limits coord.Point

	run sync.Mutex

	mx     sync.Mutex
	last   State
	state  chan State
	cancel context.CancelFunc
}

// NewMachine returns a Machine for axes. p may be nil for a rig without a pump.
func NewMachine(axes map[string]Driver, p pump.Pump, opts Options, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	m := &Machine{
		axes:   axes,
		pump:   p,
		opts:   opts,
		logger: logger,
		last:   State{Status: StatusIdle},
		state:  make(chan State),
	}
	for name, d := range axes {
		if limits, err := m.limits.Set(name, d.Config().Length); err == nil {
			m.limits = limits
		}
	}
	return m
}

// State returns a channel that receives state changes. Updates are dropped
// when nobody is receiving.
func (m *Machine) State() chan State { return m.state }

func (m *Machine) CurrentState() State {
	m.mx.Lock()
	state := m.last
	m.mx.Unlock()
	return state
}

// Axes returns the configured axis names in order.
func (m *Machine) Axes() []string {
	names := make([]string, 0, len(m.axes))
	for n := range m.axes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Machine) update(fn func(*State)) {
	m.mx.Lock()
	fn(&m.last)
	state := m.last
	m.mx.Unlock()
	select {
	case m.state <- state:
	default:
	}
}

// Stop interrupts the running command, if any. The interrupted command
// leaves the pump off and every axis released.
func (m *Machine) Stop() {
	m.mx.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mx.Unlock()
}

// command runs fn as the only active command.
func (m *Machine) command(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !m.run.TryLock() {
		return ErrBusy
	}
	defer m.run.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mx.Lock()
	m.cancel = cancel
	m.mx.Unlock()
	defer func() {
		m.mx.Lock()
		m.cancel = nil
		m.mx.Unlock()
	}()

	m.update(func(s *State) {
		s.Status = StatusRun
		s.Command = name
		s.Message = ""
	})
	err := fn(ctx)
	if err != nil {
		m.logger.Printf("ERROR: %s: %+v", name, err)
		m.safeStop()
		m.update(func(s *State) {
			s.Status = StatusAlarm
			s.Message = err.Error()
		})
		return err
	}
	m.update(func(s *State) {
		s.Status = StatusIdle
		s.Command = ""
	})
	return nil
}

// safeStop forces the pump off and releases every axis.
func (m *Machine) safeStop() {
	if m.pump != nil {
		if err := m.pump.Off(); err != nil {
			m.logger.Printf("ERROR: pump off: %+v", err)
		}
		m.update(func(s *State) { s.Pump = false })
	}
	for _, name := range m.Axes() {
		if err := m.axes[name].Release(); err != nil {
			m.logger.Printf("ERROR: release axis %s: %+v", name, err)
		}
	}
	m.update(func(s *State) { s.Held = false })
}

// Go moves axis by steps. reverse flips the direction and mul scales the
// calibrated speed and frequency.
func (m *Machine) Go(ctx context.Context, axis string, steps float64, reverse bool, mul float64) error {
	return m.command(ctx, "go", func(ctx context.Context) error {
		if reverse {
			steps = -steps
		}
		return m.move(ctx, axis, steps, mul)
	})
}

func (m *Machine) move(ctx context.Context, axis string, steps, mul float64) error {
	d, ok := m.axes[axis]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAxis, axis)
	}
	if steps == 0 {
		return nil
	}
	cfg, cal := d.Config(), d.Calibration()
	req, err := planMove(cfg, cal, steps, false, mul)
	if err != nil {
		return err
	}
	ev, err := d.Drive(ctx, req)
	if err != nil {
		return err
	}

	m.update(func(s *State) {
		pos, _ := s.Pos.Get(axis)
		next, err := s.Pos.Set(axis, travel(cfg, cal, pos, steps, ev))
		if err != nil {
			m.logger.Printf("ERROR: track position: %+v", err)
			return
		}
		s.Pos = next.Clamp(m.limits)
	})
	return nil
}

// Run executes blocks in order. A failed or interrupted program turns the
// pump off and releases every axis.
func (m *Machine) Run(ctx context.Context, blocks []program.Block) error {
	if err := program.ValidateAll(blocks); err != nil {
		return err
	}
	return m.command(ctx, "run", func(ctx context.Context) error {
		return m.runBlocks(ctx, blocks)
	})
}

func (m *Machine) runBlocks(ctx context.Context, blocks []program.Block) error {
	for i, b := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.exec(ctx, b); err != nil {
			return fmt.Errorf("line %d (%s): %w", i+1, b, err)
		}
	}
	return nil
}

func (m *Machine) exec(ctx context.Context, b program.Block) error {
	w, _ := b.Action()
	switch {
	case w.IsAxis():
		mul := 1.0
		if ok, s := b.Arg('S'); ok {
			mul = s
		}
		return m.move(ctx, strings.ToLower(string(w.W)), w.Arg, mul)
	case w.W == 'P':
		return m.pulsePump(ctx, time.Duration(w.Arg*float64(time.Second)))
	case w.W == 'D':
		t := time.NewTimer(time.Duration(w.Arg * float64(time.Second)))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	case w.W == 'H':
		return m.holdAll(w.Arg == 1)
	}
	return fmt.Errorf("unsupported word: %s", w)
}

func (m *Machine) pulsePump(ctx context.Context, d time.Duration) error {
	if m.pump == nil {
		m.logger.Println("no pump configured, skipping pump pulse")
		return nil
	}
	m.update(func(s *State) { s.Pump = true })
	defer m.update(func(s *State) { s.Pump = false })
	return pump.Pulse(ctx, m.pump, d)
}

func (m *Machine) holdAll(hold bool) error {
	for _, name := range m.Axes() {
		d := m.axes[name]
		var err error
		if hold {
			err = d.Hold()
		} else {
			err = d.Release()
		}
		if err != nil {
			return fmt.Errorf("axis %s: %w", name, err)
		}
	}
	m.update(func(s *State) { s.Held = hold })
	return nil
}
