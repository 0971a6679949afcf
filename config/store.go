package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/mastercactapus/eraser/stepper"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Store persists calibration records into a config file. Only the
// calibration object of the given axis is rewritten; every other byte of the
// file is kept, and the file is replaced atomically.
type Store struct {
	Path string

	mx sync.Mutex
}

func NewStore(path string) *Store { return &Store{Path: path} }

// SaveCalibration replaces axes.<axis>.calibration with c.
func (s *Store) SaveCalibration(axis string, c stepper.Calibration) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return &Error{Message: "read " + s.Path, Cause: err}
	}
	if !gjson.ValidBytes(data) {
		return &Error{Message: "malformed JSON in " + s.Path}
	}
	if !gjson.GetBytes(data, "axes."+axis).IsObject() {
		return &Error{Section: "axes." + axis, Message: "not configured"}
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	out, err := sjson.SetRawBytes(data, "axes."+axis+".calibration", raw)
	if err != nil {
		return fmt.Errorf("update calibration for %s: %w", axis, err)
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(s.Path); err == nil {
		perm = info.Mode().Perm()
	}
	if err := renameio.WriteFile(s.Path, out, perm); err != nil {
		return fmt.Errorf("write %s: %w", s.Path, err)
	}
	return nil
}
