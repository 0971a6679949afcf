package config

import (
	"fmt"
	"log"

	"github.com/mastercactapus/eraser/hw"
	"github.com/mastercactapus/eraser/pump"
	"github.com/mastercactapus/eraser/stepper"
)

// OpenAxes claims the pins of every configured axis from h and applies the
// stored calibration records.
func (f *File) OpenAxes(h *hw.Handle, logger *log.Logger) (map[string]*stepper.Axis, error) {
	tun := f.TuningValues()
	axes := make(map[string]*stepper.Axis, len(f.Axes))
	for _, name := range f.Names() {
		cfg, err := f.AxisConfig(name)
		if err != nil {
			return nil, err
		}
		a, err := stepper.New(h, cfg, tun, logger)
		if err != nil {
			return nil, err
		}
		if c := f.Axes[name].Calibration; c != nil {
			a.SetCalibration(*c)
		}
		axes[name] = a
	}
	return axes, nil
}

// OpenPump returns the configured pump, or nil when the rig has none.
func (f *File) OpenPump(h *hw.Handle) (pump.Pump, error) {
	p := f.Pump
	switch {
	case p == nil:
		return nil, nil
	case p.Pin != nil:
		pin, err := pump.NewPin(h, *p.Pin)
		if err != nil {
			return nil, err
		}
		return pin, nil
	case p.Serial != "":
		r, err := pump.OpenRelay(p.Serial, p.Baud, p.Channel)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("pump: no pin or serial device")
}
