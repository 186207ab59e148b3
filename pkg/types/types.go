// Package types defines the core domain model shared by the seeding engine,
// the storage layer and the CLI.
package types

import (
	"fmt"
	"maps"
	"math"
	"math/bits"
	"slices"
	"strings"
)

// State is the lifecycle state of a task, and the derived state of a job.
type State int32

// Task states. UNSET → READY → RUNNING → {DONE | DEAD}
const (
	StateUnset   State = iota // created, not yet prepared
	StateReady                // prepared, waiting for a worker
	StateRunning              // a worker is executing it
	StateDone                 // finished successfully
	StateDead                 // failed, aborted or terminated
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "UNSET"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	case StateDead:
		return "DEAD"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateDead
}

// MarshalText encodes the state by name for JSON/YAML status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TaskType is the kind of work a task performs.
type TaskType string

const (
	TypeSeed     TaskType = "seed"     // populate missing tiles
	TypeReseed   TaskType = "reseed"   // regenerate tiles even if cached
	TypeTruncate TaskType = "truncate" // delete cached tiles
)

// ParseTaskType converts user input into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(strings.ToLower(s)) {
	case TypeSeed:
		return TypeSeed, nil
	case TypeReseed:
		return TypeReseed, nil
	case TypeTruncate:
		return TypeTruncate, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// GridCoverage is the rectangle of tiles covered at one zoom level:
// [minX, minY, maxX, maxY, zoom], bounds inclusive.
type GridCoverage [5]int64

// NewGridCoverage builds a coverage, normalizing swapped bounds.
func NewGridCoverage(minX, minY, maxX, maxY, zoom int64) GridCoverage {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return GridCoverage{minX, minY, maxX, maxY, zoom}
}

func (c GridCoverage) MinX() int64 { return c[0] }
func (c GridCoverage) MinY() int64 { return c[1] }
func (c GridCoverage) MaxX() int64 { return c[2] }
func (c GridCoverage) MaxY() int64 { return c[3] }
func (c GridCoverage) Zoom() int64 { return c[4] }

// Contains reports whether tile (x, y) at the coverage zoom lies inside it.
func (c GridCoverage) Contains(x, y int64) bool {
	return x >= c[0] && x <= c[2] && y >= c[1] && y <= c[3]
}

// Intersect clamps each bound of other into c. Both coverages must share the
// same zoom level. The second return value is false when they do not overlap.
func (c GridCoverage) Intersect(other GridCoverage) (GridCoverage, bool) {
	if c[4] != other[4] {
		return GridCoverage{}, false
	}
	out := GridCoverage{
		clamp(other[0], c[0], c[2]),
		clamp(other[1], c[1], c[3]),
		clamp(other[2], c[0], c[2]),
		clamp(other[3], c[1], c[3]),
		c[4],
	}
	overlap := other[0] <= c[2] && other[2] >= c[0] && other[1] <= c[3] && other[3] >= c[1]
	return out, overlap
}

// Count returns width×height, or -1 if the product overflows int64.
func (c GridCoverage) Count() int64 {
	w := uint64(c[2]-c[0]) + 1
	h := uint64(c[3]-c[1]) + 1
	hi, lo := bits.Mul64(w, h)
	if hi != 0 || lo > math.MaxInt64 {
		return -1
	}
	return int64(lo)
}

func clamp(v, lo, hi int64) int64 {
	return min(max(v, lo), hi)
}

// TileRange describes the tiles of one layer / gridset / format / parameter
// set across a span of zoom levels. It is treated as immutable once built.
type TileRange struct {
	Layer      string
	GridSet    string
	Format     string
	Parameters map[string]string
	ZoomStart  int
	ZoomStop   int

	coverages map[int]GridCoverage
}

// NewTileRange builds a range from one coverage per zoom level. The zoom span
// is derived from the coverages.
func NewTileRange(layer, gridSet, format string, params map[string]string, coverages []GridCoverage) (*TileRange, error) {
	if len(coverages) == 0 {
		return nil, fmt.Errorf("tile range for layer %q has no coverage", layer)
	}
	tr := &TileRange{
		Layer:      layer,
		GridSet:    gridSet,
		Format:     format,
		Parameters: maps.Clone(params),
		ZoomStart:  math.MaxInt,
		ZoomStop:   math.MinInt,
		coverages:  make(map[int]GridCoverage, len(coverages)),
	}
	for _, c := range coverages {
		if c[0] > c[2] || c[1] > c[3] {
			return nil, fmt.Errorf("invalid coverage %v", c)
		}
		z := int(c.Zoom())
		if _, dup := tr.coverages[z]; dup {
			return nil, fmt.Errorf("duplicate coverage for zoom %d", z)
		}
		tr.coverages[z] = c
		tr.ZoomStart = min(tr.ZoomStart, z)
		tr.ZoomStop = max(tr.ZoomStop, z)
	}
	for z := tr.ZoomStart; z <= tr.ZoomStop; z++ {
		if _, ok := tr.coverages[z]; !ok {
			return nil, fmt.Errorf("missing coverage for zoom %d", z)
		}
	}
	return tr, nil
}

// Coverage returns the coverage of zoom level z.
func (tr *TileRange) Coverage(z int) (GridCoverage, bool) {
	c, ok := tr.coverages[z]
	return c, ok
}

// Coverages returns the per-zoom coverages ordered by zoom.
func (tr *TileRange) Coverages() []GridCoverage {
	out := make([]GridCoverage, 0, len(tr.coverages))
	for z := tr.ZoomStart; z <= tr.ZoomStop; z++ {
		out = append(out, tr.coverages[z])
	}
	return out
}

// Contains reports whether tile (x, y, z) is inside the range.
func (tr *TileRange) Contains(x, y, z int64) bool {
	c, ok := tr.coverages[int(z)]
	return ok && c.Contains(x, y)
}

// TileCount returns the number of tiles in the range. A level other than the
// last one holding more than MaxInt64/4 tiles, or an overflowing sum, is
// reported as -1.
func (tr *TileRange) TileCount() int64 {
	var total int64
	for z := tr.ZoomStart; z <= tr.ZoomStop; z++ {
		level := tr.coverages[z].Count()
		if level < 0 {
			return -1
		}
		if level > math.MaxInt64/4 && z != tr.ZoomStop {
			return -1
		}
		if total > math.MaxInt64-level {
			return -1
		}
		total += level
	}
	return total
}

// ParameterKeys returns the parameter names sorted, for stable output.
func (tr *TileRange) ParameterKeys() []string {
	return slices.Sorted(maps.Keys(tr.Parameters))
}

// GridLoc is one meta-grid location handed out by a tile range iterator.
type GridLoc struct {
	X, Y, Z int64
}

func (l GridLoc) String() string {
	return fmt.Sprintf("(%d,%d,%d)", l.X, l.Y, l.Z)
}

// TileRequest is a unit of seeding work. Failures and RetryAt are only
// touched by the owning seed job's retry queue.
type TileRequest struct {
	X, Y, Z  int64
	Failures int
	RetryAt  int64 // Unix milliseconds
}

// NewTileRequest wraps a grid location.
func NewTileRequest(loc GridLoc) *TileRequest {
	return &TileRequest{X: loc.X, Y: loc.Y, Z: loc.Z}
}

// Loc returns the grid location of the request.
func (r *TileRequest) Loc() GridLoc {
	return GridLoc{X: r.X, Y: r.Y, Z: r.Z}
}

func (r *TileRequest) String() string {
	return fmt.Sprintf("(%d,%d,%d) failures=%d", r.X, r.Y, r.Z, r.Failures)
}
