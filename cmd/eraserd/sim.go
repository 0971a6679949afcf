package main

import (
	"log"

	"github.com/mastercactapus/eraser/config"
	"github.com/mastercactapus/eraser/sim"
)

// default travel of one step pulse for uncalibrated simulated axes
const simPulseDistance = 0.0005

// simRig builds a simulated rig matching the config. Calibrated axes move
// at their calibrated speed; loads start in the middle of their travel.
func simRig(f *config.File) *sim.Rig {
	specs := make([]sim.AxisSpec, 0, len(f.Axes))
	for _, name := range f.Names() {
		cfg, err := f.AxisConfig(name)
		if err != nil {
			log.Fatal(err)
		}
		spec := sim.AxisSpec{
			Name:          name,
			Enable:        cfg.Enable,
			Direction:     cfg.Direction,
			Step:          cfg.Step,
			Bounds:        cfg.Bounds,
			Length:        cfg.Length,
			PulseDistance: simPulseDistance,
			Start:         cfg.Length / 2,
		}
		if c := f.Axes[name].Calibration; c != nil {
			spec.PulseDistance = c.Speed / c.Freq
			spec.Reversed = !c.Clockwise
			spec.SwappedSensors = c.SwapBounds
		}
		specs = append(specs, spec)
	}
	return sim.New(specs...)
}

// logWriter logs every write, standing in for a serial device.
type logWriter string

func (w logWriter) Write(p []byte) (int, error) {
	log.Printf("%s: % x", string(w), p)
	return len(p), nil
}
