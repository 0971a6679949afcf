package motion

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/mastercactapus/eraser/program"
	"github.com/mastercactapus/eraser/stepper"
)

func axisWord(name string) byte { return strings.ToUpper(name)[0] }

func moveBlock(axis string, steps float64) program.Block {
	return program.Block{{W: axisWord(axis), Arg: steps}}
}

// Rows returns the number of secondary-axis rows in a full sweep.
func Rows(secondary stepper.AxisConfig) int {
	return int(math.Floor(secondary.Length/secondary.StepDistance + 1e-9))
}

// ResetProgram holds every axis, homes the primary and secondary axes and
// puts the eraser down. tool is nil on a rig without a tool axis.
func ResetProgram(primary, secondary stepper.AxisConfig, tool *stepper.AxisConfig, opts Options) []program.Block {
	blocks := []program.Block{
		{{W: 'H', Arg: 1}},
		moveBlock(primary.Name, -fullRange(primary)),
		moveBlock(secondary.Name, -fullRange(secondary)),
	}
	if tool != nil {
		blocks = append(blocks, moveBlock(tool.Name, opts.ToolSteps))
	}
	return blocks
}

// ManualProgram lifts the eraser, if there is a tool axis, and releases
// every axis so the head can be moved by hand.
func ManualProgram(tool *stepper.AxisConfig, opts Options) []program.Block {
	var blocks []program.Block
	if tool != nil {
		blocks = append(blocks, moveBlock(tool.Name, -opts.ToolSteps))
	}
	return append(blocks, program.Block{{W: 'H', Arg: 0}})
}

// SweepProgram erases the whole board: after a reset each row gets a pump
// pulse and a sweep of the primary axis out and back, then the secondary
// axis advances one row. The last row is swept after the loop and the
// secondary axis returns to the start.
func SweepProgram(primary, secondary stepper.AxisConfig, tool *stepper.AxisConfig, opts Options) []program.Block {
	blocks := ResetProgram(primary, secondary, tool, opts)
	pulse := program.Block{{W: 'P', Arg: opts.PumpPulse.Seconds()}}
	sweep := func() {
		if opts.PumpPulse > 0 {
			blocks = append(blocks, pulse)
		}
		blocks = append(blocks,
			moveBlock(primary.Name, fullRange(primary)),
			moveBlock(primary.Name, -fullRange(primary)),
		)
	}
	for i := 0; i < Rows(secondary); i++ {
		sweep()
		blocks = append(blocks, moveBlock(secondary.Name, 1))
	}
	sweep()
	return append(blocks, moveBlock(secondary.Name, -fullRange(secondary)))
}

// JogProgram moves one step in direction: up, down, left or right.
func JogProgram(primary, secondary stepper.AxisConfig, direction string) ([]program.Block, error) {
	switch direction {
	case "up":
		return []program.Block{moveBlock(secondary.Name, 1)}, nil
	case "down":
		return []program.Block{moveBlock(secondary.Name, -1)}, nil
	case "left":
		return []program.Block{moveBlock(primary.Name, -1)}, nil
	case "right":
		return []program.Block{moveBlock(primary.Name, 1)}, nil
	}
	return nil, fmt.Errorf("unknown jog direction %q", direction)
}

func (m *Machine) config(name string) (stepper.AxisConfig, error) {
	d, ok := m.axes[name]
	if !ok {
		return stepper.AxisConfig{}, fmt.Errorf("%w: %s", ErrUnknownAxis, name)
	}
	return d.Config(), nil
}

func (m *Machine) configs(names ...string) ([]stepper.AxisConfig, error) {
	res := make([]stepper.AxisConfig, len(names))
	for i, n := range names {
		cfg, err := m.config(n)
		if err != nil {
			return nil, err
		}
		res[i] = cfg
	}
	return res, nil
}

// tool returns the tool axis config, or nil when the rig has no tool axis.
func (m *Machine) tool() *stepper.AxisConfig {
	d, ok := m.axes[m.opts.Tool]
	if !ok {
		return nil
	}
	cfg := d.Config()
	return &cfg
}

// Program returns the blocks of a named routine: reset, manual, full, or a
// jog direction.
func (m *Machine) Program(name string) ([]program.Block, error) {
	switch name {
	case "manual":
		return ManualProgram(m.tool(), m.opts), nil
	case "reset", "full":
		c, err := m.configs(m.opts.Primary, m.opts.Secondary)
		if err != nil {
			return nil, err
		}
		if name == "reset" {
			return ResetProgram(c[0], c[1], m.tool(), m.opts), nil
		}
		return SweepProgram(c[0], c[1], m.tool(), m.opts), nil
	}
	c, err := m.configs(m.opts.Primary, m.opts.Secondary)
	if err != nil {
		return nil, err
	}
	return JogProgram(c[0], c[1], name)
}

func (m *Machine) runNamed(ctx context.Context, name string) error {
	blocks, err := m.Program(name)
	if err != nil {
		return err
	}
	return m.command(ctx, name, func(ctx context.Context) error {
		return m.runBlocks(ctx, blocks)
	})
}

// Reset runs ResetProgram.
func (m *Machine) Reset(ctx context.Context) error { return m.runNamed(ctx, "reset") }

// Manual runs ManualProgram.
func (m *Machine) Manual(ctx context.Context) error { return m.runNamed(ctx, "manual") }

// FullSweep runs SweepProgram.
func (m *Machine) FullSweep(ctx context.Context) error { return m.runNamed(ctx, "full") }

// Jog moves one step up, down, left or right.
func (m *Machine) Jog(ctx context.Context, direction string) error {
	switch direction {
	case "up", "down", "left", "right":
		return m.runNamed(ctx, direction)
	}
	return fmt.Errorf("unknown jog direction %q", direction)
}
