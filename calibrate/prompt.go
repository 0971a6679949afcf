package calibrate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Prompt is the operator side of a calibration run.
type Prompt interface {
	// Proceed shows msg and waits for the operator to continue.
	Proceed(ctx context.Context, msg string) error

	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, question string) (bool, error)
}

// OperatorAbortError is returned when the operator cancels, gives an answer
// that cannot be understood, or does not answer in time.
type OperatorAbortError struct {
	Reason string
}

func (e *OperatorAbortError) Error() string { return "calibration aborted: " + e.Reason }

// Terminal prompts on a text stream, one answer per line.
type Terminal struct {
	out   io.Writer
	lines chan string
	err   chan error
}

var _ Prompt = &Terminal{}

// NewTerminal reads answers from in and writes prompts to out.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{
		out:   out,
		lines: make(chan string),
		err:   make(chan error, 1),
	}
	go t.read(in)
	return t
}

func (t *Terminal) read(in io.Reader) {
	s := bufio.NewScanner(in)
	for s.Scan() {
		t.lines <- s.Text()
	}
	err := s.Err()
	if err == nil {
		err = io.EOF
	}
	t.err <- err
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-t.lines:
		return strings.ToLower(strings.TrimSpace(line)), nil
	case err := <-t.err:
		// keep reporting the same failure to later prompts
		t.err <- err
		return "", &OperatorAbortError{Reason: fmt.Sprintf("input closed: %v", err)}
	}
}

func isCancel(s string) bool {
	switch s {
	case "q", "quit", "cancel", "abort":
		return true
	}
	return false
}

func (t *Terminal) Proceed(ctx context.Context, msg string) error {
	fmt.Fprintf(t.out, "%s [enter to continue, q to abort] ", msg)
	ans, err := t.readLine(ctx)
	if err != nil {
		return err
	}
	if isCancel(ans) {
		return &OperatorAbortError{Reason: "cancelled by operator"}
	}
	return nil
}

func (t *Terminal) Confirm(ctx context.Context, question string) (bool, error) {
	fmt.Fprintf(t.out, "%s [y/n] ", question)
	ans, err := t.readLine(ctx)
	if err != nil {
		return false, err
	}
	switch {
	case ans == "y" || ans == "yes" || ans == "1":
		return true, nil
	case ans == "n" || ans == "no" || ans == "0":
		return false, nil
	case isCancel(ans):
		return false, &OperatorAbortError{Reason: "cancelled by operator"}
	}
	return false, &OperatorAbortError{Reason: fmt.Sprintf("invalid answer %q", ans)}
}
