package config

import "fmt"

// Error is a configuration problem found while loading or validating a
// config file. It is fatal to startup.
type Error struct {
	Section string
	Option  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Option != "" {
		return fmt.Sprintf("config: %s.%s: %s", e.Section, e.Option, msg)
	}
	if e.Section != "" {
		return fmt.Sprintf("config: %s: %s", e.Section, msg)
	}
	return "config: " + msg
}

func (e *Error) Unwrap() error { return e.Cause }
