// Package hw owns the GPIO pins of the rig for the lifetime of the process.
package hw

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

var (
	// ErrPinClaimed is returned when a pin is requested twice.
	ErrPinClaimed = errors.New("pin already claimed")

	// ErrClosed is returned when claiming a pin from a closed Handle.
	ErrClosed = errors.New("hardware handle closed")
)

// Handle is the scoped owner of every pin the process uses. Pins are
// claimed through it and reset to an inert state by Close.
type Handle struct {
	src    PinSource
	logger *log.Logger

	mx      sync.Mutex
	closed  bool
	outputs map[int]OutputPin
	inputs  map[int]InputPin
}

// Open returns a Handle claiming pins from src. A nil logger logs to stderr.
func Open(src PinSource, logger *log.Logger) *Handle {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Handle{
		src:     src,
		logger:  logger,
		outputs: make(map[int]OutputPin),
		inputs:  make(map[int]InputPin),
	}
}

func (h *Handle) claim(n int) error {
	if h.closed {
		return ErrClosed
	}
	_, out := h.outputs[n]
	_, in := h.inputs[n]
	if out || in {
		return fmt.Errorf("gpio %d: %w", n, ErrPinClaimed)
	}
	return nil
}

// Output claims pin n as an output, driven low.
func (h *Handle) Output(n int) (OutputPin, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if err := h.claim(n); err != nil {
		return nil, err
	}
	p, err := h.src.Output(n)
	if err != nil {
		return nil, err
	}
	if err = p.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio %d: set low: %w", n, err)
	}
	h.outputs[n] = p
	return p, nil
}

// Input claims pin n as a pulled-down input with edge detection off.
func (h *Handle) Input(n int) (InputPin, error) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if err := h.claim(n); err != nil {
		return nil, err
	}
	p, err := h.src.Input(n)
	if err != nil {
		return nil, err
	}
	if err = p.In(gpio.PullDown, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("gpio %d: configure input: %w", n, err)
	}
	h.inputs[n] = p
	return p, nil
}

// Close deasserts every claimed pin. It is safe to call more than once and
// always returns nil; failures on individual pins are logged and skipped.
func (h *Handle) Close() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	for _, n := range sortedKeys(h.outputs) {
		p := h.outputs[n]
		if err := p.Out(gpio.Low); err != nil {
			h.logger.Printf("ERROR: reset gpio %d: %+v", n, err)
		}
		if err := p.Halt(); err != nil {
			h.logger.Printf("ERROR: halt gpio %d: %+v", n, err)
		}
	}
	for _, n := range sortedKeys(h.inputs) {
		p := h.inputs[n]
		if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
			h.logger.Printf("ERROR: reset gpio %d: %+v", n, err)
		}
		if err := p.Halt(); err != nil {
			h.logger.Printf("ERROR: halt gpio %d: %+v", n, err)
		}
	}
	h.outputs = nil
	h.inputs = nil
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
