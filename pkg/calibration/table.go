package calibration

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Point maps a virtual distance to an actuator position.
type Point struct {
	DistanceMeters float64 `yaml:"distance_m"`
	PositionSteps  int     `yaml:"steps"`
}

// Table is an immutable, validated calibration table sorted by distance.
type Table struct {
	distances []float64
	steps     []float64
}

type tableFile struct {
	Points []Point `yaml:"points"`
}

// defaultPoints maps virtual distance to lens-display stage position for the
// reference headset. Position 0 is the stage's home (reset) position.
var defaultPoints = []Point{
	{DistanceMeters: 0.25, PositionSteps: 5200},
	{DistanceMeters: 0.35, PositionSteps: 4100},
	{DistanceMeters: 0.5, PositionSteps: 3050},
	{DistanceMeters: 0.75, PositionSteps: 2100},
	{DistanceMeters: 1.0, PositionSteps: 1600},
	{DistanceMeters: 1.5, PositionSteps: 1050},
	{DistanceMeters: 2.0, PositionSteps: 780},
	{DistanceMeters: 4.0, PositionSteps: 350},
	{DistanceMeters: 10.0, PositionSteps: 0},
}

// NewTable validates points and builds a Table. Points must be ordered by
// strictly increasing positive distance.
func NewTable(points []Point) (*Table, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, got %d", ErrInvalidTable, len(points))
	}

	t := &Table{
		distances: make([]float64, len(points)),
		steps:     make([]float64, len(points)),
	}
	for i, p := range points {
		if p.DistanceMeters <= 0 || math.IsNaN(p.DistanceMeters) || math.IsInf(p.DistanceMeters, 0) {
			return nil, fmt.Errorf("%w: point %d has non-positive distance %v", ErrInvalidTable, i, p.DistanceMeters)
		}
		if i > 0 && p.DistanceMeters <= points[i-1].DistanceMeters {
			return nil, fmt.Errorf("%w: distances must be strictly increasing (point %d: %v <= %v)",
				ErrInvalidTable, i, p.DistanceMeters, points[i-1].DistanceMeters)
		}
		t.distances[i] = p.DistanceMeters
		t.steps[i] = float64(p.PositionSteps)
	}
	return t, nil
}

// DefaultTable returns the built-in calibration table.
func DefaultTable() *Table {
	t, err := NewTable(defaultPoints)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseTable decodes a YAML table document.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse calibration table: %w", err)
	}
	return NewTable(f.Points)
}

// LoadTable reads a YAML table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration table: %w", err)
	}
	return ParseTable(data)
}

// Position returns the interpolated, unclamped actuator position for distance.
func (t *Table) Position(distanceMeters float64) float64 {
	return lookup(distanceMeters, t.distances, t.steps)
}

// Steps converts distance to an integral step count. The fractional part is
// truncated and the result is clamped to [0, math.MaxInt16].
func (t *Table) Steps(distanceMeters float64) int16 {
	pos := math.Trunc(t.Position(distanceMeters))
	switch {
	case pos < 0 || math.IsNaN(pos):
		return 0
	case pos > math.MaxInt16:
		return math.MaxInt16
	default:
		return int16(pos)
	}
}

// Points returns a copy of the table's points.
func (t *Table) Points() []Point {
	out := make([]Point, len(t.distances))
	for i := range t.distances {
		out[i] = Point{DistanceMeters: t.distances[i], PositionSteps: int(t.steps[i])}
	}
	return out
}

// Len returns the number of calibration points.
func (t *Table) Len() int {
	return len(t.distances)
}
