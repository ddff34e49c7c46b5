package calibration

import (
	"errors"
	"fmt"
)

// ErrInvalidTable is returned for lookup tables that cannot be interpolated.
var ErrInvalidTable = errors.New("invalid calibration table")

// Lookup linearly interpolates value over the table (xs, ys).
//
// xs must be strictly increasing and the same length as ys, with at least two
// entries. Values outside [xs[0], xs[last]] clamp to the boundary y; no
// extrapolation happens. Exact table x values return their y unchanged.
func Lookup(value float64, xs, ys []float64) (float64, error) {
	if len(xs) != len(ys) {
		return 0, fmt.Errorf("%w: %d distances but %d positions", ErrInvalidTable, len(xs), len(ys))
	}
	if len(xs) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidTable, len(xs))
	}
	return lookup(value, xs, ys), nil
}

// lookup assumes a validated table.
func lookup(value float64, xs, ys []float64) float64 {
	last := len(xs) - 1
	if value <= xs[0] {
		return ys[0]
	}
	if value >= xs[last] {
		return ys[last]
	}

	// xs[0] already tested
	i := 1
	for value > xs[i] {
		i++
	}
	if value == xs[i] {
		return ys[i]
	}

	return (value-xs[i-1])*(ys[i]-ys[i-1])/(xs[i]-xs[i-1]) + ys[i-1]
}
