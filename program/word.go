package program

import (
	"strconv"
	"strings"
)

// Word is a single letter and argument, e.g. X-12 or S0.5.
//
//	X, Y, Z  move the axis by a signed number of steps
//	S        speed multiplier for the move in the same block
//	P        pulse the pump for the given seconds
//	D        dwell for the given seconds
//	H        H1 holds every axis, H0 releases them
type Word struct {
	W   byte
	Arg float64
}

func (w Word) IsAxis() bool {
	switch w.W {
	case 'X', 'Y', 'Z':
		return true
	}
	return false
}

// IsAction reports whether the word does something on its own, as opposed
// to modifying another word in the block.
func (w Word) IsAction() bool {
	switch w.W {
	case 'X', 'Y', 'Z', 'P', 'D', 'H':
		return true
	}
	return false
}

func (w Word) IsValid() bool {
	return w.IsAction() || w.W == 'S'
}

func formatFloat(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if strings.ContainsRune(s, '.') {
		s = strings.TrimRight(s, "0")
	}
	return strings.TrimRight(s, ".")
}

func (w Word) String() string {
	return string(w.W) + formatFloat(w.Arg, 3)
}
