// Package coord tracks the dead-reckoned position of the eraser head.
package coord

import (
	"fmt"
	"math"
)

// Point is a position in metres along the x, y and z axes.
type Point struct{ X, Y, Z float64 }

// Get returns the value for the named axis.
func (p Point) Get(axis string) (float64, error) {
	switch axis {
	case "x":
		return p.X, nil
	case "y":
		return p.Y, nil
	case "z":
		return p.Z, nil
	}
	return 0, fmt.Errorf("unknown axis %q", axis)
}

// Set returns p with the named axis replaced by val.
func (p Point) Set(axis string, val float64) (Point, error) {
	switch axis {
	case "x":
		p.X = val
	case "y":
		p.Y = val
	case "z":
		p.Z = val
	default:
		return p, fmt.Errorf("unknown axis %q", axis)
	}
	return p, nil
}

// Clamp limits every coordinate to [0, max]. A zero max leaves that
// coordinate unlimited above.
func (p Point) Clamp(max Point) Point {
	clamp := func(v, m float64) float64 {
		v = math.Max(v, 0)
		if m > 0 {
			v = math.Min(v, m)
		}
		return v
	}
	p.X = clamp(p.X, max.X)
	p.Y = clamp(p.Y, max.Y)
	p.Z = clamp(p.Z, max.Z)
	return p
}
