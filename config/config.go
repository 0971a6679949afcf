// Package config loads the rig description and persists calibration records.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mastercactapus/eraser/stepper"
)

// Default drive parameters for axes that do not set their own.
const (
	DefaultFrequency = 1000
	DefaultDuty      = 0.5
)

// AxisNames are the axes the eraser knows about: x is the primary sweep,
// y the secondary (row) axis and z lifts the eraser.
var AxisNames = []string{"x", "y", "z"}

type File struct {
	Axes   map[string]*AxisEntry `json:"axes"`
	Pump   *PumpEntry            `json:"pump,omitempty"`
	Tuning *TuningEntry          `json:"tuning,omitempty"`
}

type Pins struct {
	Enable    *int `json:"enable"`
	Direction *int `json:"direction"`
	Step      *int `json:"step"`
	Bound0    *int `json:"bound0,omitempty"`
	Bound1    *int `json:"bound1,omitempty"`
}

type AxisEntry struct {
	Pins         Pins                 `json:"pins"`
	Length       float64              `json:"length"`
	StepDistance float64              `json:"step_distance"`
	Frequency    float64              `json:"frequency,omitempty"`
	Duty         float64              `json:"duty,omitempty"`
	Calibration  *stepper.Calibration `json:"calibration,omitempty"`
}

// PumpEntry selects either a GPIO pin or a USB serial relay.
type PumpEntry struct {
	Pin *int `json:"pin,omitempty"`

	Serial  string `json:"serial,omitempty"`
	Baud    int    `json:"baud,omitempty"`
	Channel int    `json:"channel,omitempty"`
}

// TuningEntry overrides stepper.DefaultTuning. Durations are in seconds.
type TuningEntry struct {
	Settle          *float64 `json:"settle,omitempty"`
	PollInterval    *float64 `json:"poll_interval,omitempty"`
	Debounce        *float64 `json:"debounce,omitempty"`
	BackoffSettle   *float64 `json:"backoff_settle,omitempty"`
	BackoffDistance *float64 `json:"backoff_distance,omitempty"`
	BackoffMax      *float64 `json:"backoff_max,omitempty"`
	BackoffFallback *float64 `json:"backoff_fallback,omitempty"`
	SafetyDuration  *float64 `json:"safety_duration,omitempty"`
	MaxDuration     *float64 `json:"max_duration,omitempty"`
}

// Load reads and validates the config file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Message: "read " + path, Cause: err}
	}
	return Parse(data)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, &Error{Message: "malformed JSON", Cause: err}
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func known(name string) bool {
	for _, n := range AxisNames {
		if n == name {
			return true
		}
	}
	return false
}

// Validate checks the structure of the file and that no pin is assigned twice.
func (f *File) Validate() error {
	if len(f.Axes) == 0 {
		return &Error{Section: "axes", Message: "no axes configured"}
	}

	owner := make(map[int]string)
	use := func(section, option string, n int) error {
		if n < 0 {
			return &Error{Section: section, Option: option, Message: fmt.Sprintf("invalid pin %d", n)}
		}
		if prev, ok := owner[n]; ok {
			return &Error{Section: section, Option: option, Message: fmt.Sprintf("pin %d already used by %s", n, prev)}
		}
		owner[n] = section + "." + option
		return nil
	}

	for _, name := range f.Names() {
		a := f.Axes[name]
		sec := "axes." + name
		if !known(name) {
			return &Error{Section: sec, Message: "unknown axis, expected one of x, y, z"}
		}
		if a == nil {
			return &Error{Section: sec, Message: "empty axis"}
		}

		required := []struct {
			opt string
			n   *int
		}{
			{"pins.enable", a.Pins.Enable},
			{"pins.direction", a.Pins.Direction},
			{"pins.step", a.Pins.Step},
		}
		for _, r := range required {
			if r.n == nil {
				return &Error{Section: sec, Option: r.opt, Message: "missing"}
			}
			if err := use(sec, r.opt, *r.n); err != nil {
				return err
			}
		}
		if (a.Pins.Bound0 == nil) != (a.Pins.Bound1 == nil) {
			return &Error{Section: sec, Option: "pins", Message: "bound0 and bound1 must be set together"}
		}
		if a.Pins.Bound0 != nil {
			if err := use(sec, "pins.bound0", *a.Pins.Bound0); err != nil {
				return err
			}
			if err := use(sec, "pins.bound1", *a.Pins.Bound1); err != nil {
				return err
			}
		}

		if a.Length <= 0 {
			return &Error{Section: sec, Option: "length", Message: "must be positive"}
		}
		if a.StepDistance <= 0 {
			return &Error{Section: sec, Option: "step_distance", Message: "must be positive"}
		}
		if a.Frequency < 0 {
			return &Error{Section: sec, Option: "frequency", Message: "must be positive"}
		}
		if a.Duty < 0 || a.Duty >= 1 {
			return &Error{Section: sec, Option: "duty", Message: "must be inside (0,1)"}
		}
		if a.Calibration != nil && !a.Calibration.Valid() {
			return &Error{Section: sec, Option: "calibration", Message: "freq and speed must be positive"}
		}
	}

	if p := f.Pump; p != nil {
		switch {
		case p.Pin != nil && p.Serial != "":
			return &Error{Section: "pump", Message: "set either pin or serial, not both"}
		case p.Pin != nil:
			if err := use("pump", "pin", *p.Pin); err != nil {
				return err
			}
		case p.Serial != "":
			if p.Channel < 1 || p.Channel > 8 {
				return &Error{Section: "pump", Option: "channel", Message: "must be 1-8"}
			}
		default:
			return &Error{Section: "pump", Message: "needs a pin or a serial device"}
		}
	}

	if t := f.Tuning; t != nil {
		for opt, v := range map[string]*float64{
			"settle":           t.Settle,
			"poll_interval":    t.PollInterval,
			"debounce":         t.Debounce,
			"backoff_settle":   t.BackoffSettle,
			"backoff_distance": t.BackoffDistance,
			"backoff_max":      t.BackoffMax,
			"backoff_fallback": t.BackoffFallback,
			"safety_duration":  t.SafetyDuration,
			"max_duration":     t.MaxDuration,
		} {
			if v != nil && *v < 0 {
				return &Error{Section: "tuning", Option: opt, Message: "must not be negative"}
			}
		}
		if t.MaxDuration != nil && *t.MaxDuration == 0 {
			return &Error{Section: "tuning", Option: "max_duration", Message: "must be positive"}
		}
	}

	return nil
}

// Names returns the configured axis names in order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Axes))
	for n := range f.Axes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AxisConfig returns the driver config for the named axis.
func (f *File) AxisConfig(name string) (stepper.AxisConfig, error) {
	a, ok := f.Axes[name]
	if !ok || a == nil {
		return stepper.AxisConfig{}, &Error{Section: "axes." + name, Message: "not configured"}
	}
	cfg := stepper.AxisConfig{
		Name:         name,
		Enable:       *a.Pins.Enable,
		Direction:    *a.Pins.Direction,
		Step:         *a.Pins.Step,
		Frequency:    a.Frequency,
		Duty:         a.Duty,
		Length:       a.Length,
		StepDistance: a.StepDistance,
	}
	if a.Pins.Bound0 != nil {
		cfg.Bounds = []int{*a.Pins.Bound0, *a.Pins.Bound1}
	}
	if cfg.Frequency == 0 {
		cfg.Frequency = DefaultFrequency
	}
	if cfg.Duty == 0 {
		cfg.Duty = DefaultDuty
	}
	return cfg, nil
}

func seconds(v *float64, d *time.Duration) {
	if v != nil {
		*d = time.Duration(*v * float64(time.Second))
	}
}

// TuningValues returns the tuning constants with the file's overrides applied.
func (f *File) TuningValues() stepper.Tuning {
	tun := stepper.DefaultTuning()
	t := f.Tuning
	if t == nil {
		return tun
	}
	seconds(t.Settle, &tun.Settle)
	seconds(t.PollInterval, &tun.PollInterval)
	seconds(t.Debounce, &tun.Debounce)
	seconds(t.BackoffSettle, &tun.BackoffSettle)
	seconds(t.BackoffMax, &tun.BackoffMax)
	seconds(t.BackoffFallback, &tun.BackoffFallback)
	seconds(t.SafetyDuration, &tun.SafetyDuration)
	seconds(t.MaxDuration, &tun.MaxDuration)
	if t.BackoffDistance != nil {
		tun.BackoffDistance = *t.BackoffDistance
	}
	return tun
}
