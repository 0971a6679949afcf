package pump

import (
	"fmt"
	"io"
	"sync"

	"github.com/tarm/serial"
)

// Relay is a pump switched by an LCUS-type USB serial relay board.
// Each command is a four byte frame: 0xA0, channel, state, checksum.
type Relay struct {
	mx sync.Mutex
	w  io.Writer
	ch byte
}

var _ Pump = &Relay{}

// OpenRelay opens the relay board on the serial device dev.
func OpenRelay(dev string, baud, channel int) (*Relay, error) {
	if baud == 0 {
		baud = 9600
	}
	port, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open relay %s: %w", dev, err)
	}
	r, err := NewRelay(port, channel)
	if err != nil {
		port.Close()
		return nil, err
	}
	return r, nil
}

// NewRelay returns a Relay that writes frames for channel to w.
func NewRelay(w io.Writer, channel int) (*Relay, error) {
	if channel < 1 || channel > 8 {
		return nil, fmt.Errorf("relay channel %d out of range 1-8", channel)
	}
	return &Relay{w: w, ch: byte(channel)}, nil
}

func frame(ch byte, on bool) []byte {
	var state byte
	if on {
		state = 1
	}
	return []byte{0xA0, ch, state, 0xA0 + ch + state}
}

func (r *Relay) set(on bool) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, err := r.w.Write(frame(r.ch, on)); err != nil {
		return fmt.Errorf("relay channel %d: %w", r.ch, err)
	}
	return nil
}

func (r *Relay) On() error  { return r.set(true) }
func (r *Relay) Off() error { return r.set(false) }

// Close closes the underlying port, if it can be closed.
func (r *Relay) Close() error {
	if c, ok := r.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
