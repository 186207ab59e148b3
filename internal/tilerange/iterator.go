// Package tilerange walks the meta-grid cells of a tile range. One cell is
// one unit of seeding work: a meta tile of metaX × metaY tiles anchored at
// the cell's lower-left tile.
package tilerange

import (
	"sync"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

// Iterator hands out meta-grid locations. Implementations must be safe for
// concurrent use: no two callers may receive the same location.
type Iterator interface {
	// NextMetaGridLocation returns the next unclaimed location, or false
	// once the range is exhausted.
	NextMetaGridLocation() (types.GridLoc, bool)
	TileRange() *types.TileRange
	MetaTilingFactors() (int, int)
}

// RangeIterator is the default Iterator over a TileRange, optionally
// filtered by a Mask.
type RangeIterator struct {
	tr    *types.TileRange
	metaX int64
	metaY int64
	mask  Mask

	mu      sync.Mutex
	started bool
	done    bool
	cursor  types.GridLoc
}

// New creates an iterator over tr with the given meta tiling factors.
// Factors below 1 are treated as 1.
func New(tr *types.TileRange, metaX, metaY int) *RangeIterator {
	return &RangeIterator{
		tr:    tr,
		metaX: int64(max(metaX, 1)),
		metaY: int64(max(metaY, 1)),
	}
}

// NewDiscontinuous creates an iterator that skips meta cells containing no
// tile accepted by mask.
func NewDiscontinuous(tr *types.TileRange, metaX, metaY int, mask Mask) *RangeIterator {
	it := New(tr, metaX, metaY)
	it.mask = mask
	return it
}

func (it *RangeIterator) TileRange() *types.TileRange { return it.tr }

func (it *RangeIterator) MetaTilingFactors() (int, int) {
	return int(it.metaX), int(it.metaY)
}

// NextMetaGridLocation advances the shared cursor under the iterator lock.
func (it *RangeIterator) NextMetaGridLocation() (types.GridLoc, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()

	for {
		if !it.advance() {
			return types.GridLoc{}, false
		}
		if it.mask == nil || it.cellMatches(it.cursor) {
			return it.cursor, true
		}
	}
}

// advance moves the cursor to the next cell, row by row, level by level.
func (it *RangeIterator) advance() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		return it.resetLevel(it.tr.ZoomStart)
	}

	cov, _ := it.tr.Coverage(int(it.cursor.Z))
	it.cursor.X += it.metaX
	if it.cursor.X <= cov.MaxX() {
		return true
	}
	it.cursor.X = cov.MinX()
	it.cursor.Y += it.metaY
	if it.cursor.Y <= cov.MaxY() {
		return true
	}
	return it.resetLevel(int(it.cursor.Z) + 1)
}

func (it *RangeIterator) resetLevel(z int) bool {
	if z > it.tr.ZoomStop {
		it.done = true
		return false
	}
	cov, _ := it.tr.Coverage(z)
	it.cursor = types.GridLoc{X: cov.MinX(), Y: cov.MinY(), Z: int64(z)}
	return true
}

func (it *RangeIterator) cellMatches(loc types.GridLoc) bool {
	cov, _ := it.tr.Coverage(int(loc.Z))
	maxX := min(loc.X+it.metaX-1, cov.MaxX())
	maxY := min(loc.Y+it.metaY-1, cov.MaxY())
	for y := loc.Y; y <= maxY; y++ {
		for x := loc.X; x <= maxX; x++ {
			if it.mask.Contains(x, y, loc.Z) {
				return true
			}
		}
	}
	return false
}

// CellCount returns how many meta cells New would hand out for tr, ignoring
// any mask.
func CellCount(tr *types.TileRange, metaX, metaY int) int64 {
	mx, my := int64(max(metaX, 1)), int64(max(metaY, 1))
	var n int64
	for _, c := range tr.Coverages() {
		w := c.MaxX() - c.MinX() + 1
		h := c.MaxY() - c.MinY() + 1
		n += ((w + mx - 1) / mx) * ((h + my - 1) / my)
	}
	return n
}
