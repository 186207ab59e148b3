package tilerange

import (
	"github.com/ChuLiYu/tileseed/pkg/types"
)

// Mask selects the tiles of a discontinuous range.
type Mask interface {
	Contains(x, y, z int64) bool
}

// MaskFunc adapts a function to Mask.
type MaskFunc func(x, y, z int64) bool

func (f MaskFunc) Contains(x, y, z int64) bool { return f(x, y, z) }

// BitmapMask is a per-zoom bitset over the coverage of a tile range.
type BitmapMask struct {
	levels map[int64]*bitmapLevel
}

type bitmapLevel struct {
	cov  types.GridCoverage
	bits []uint64
}

// NewBitmapMask creates an empty mask shaped after tr's coverages.
func NewBitmapMask(tr *types.TileRange) *BitmapMask {
	m := &BitmapMask{levels: make(map[int64]*bitmapLevel)}
	for _, c := range tr.Coverages() {
		n := c.Count()
		if n < 0 {
			continue
		}
		m.levels[c.Zoom()] = &bitmapLevel{cov: c, bits: make([]uint64, (n+63)/64)}
	}
	return m
}

// Set marks tile (x, y, z). Tiles outside the coverage are ignored.
func (m *BitmapMask) Set(x, y, z int64) {
	lvl, ok := m.levels[z]
	if !ok || !lvl.cov.Contains(x, y) {
		return
	}
	i := lvl.index(x, y)
	lvl.bits[i/64] |= 1 << (i % 64)
}

func (m *BitmapMask) Contains(x, y, z int64) bool {
	lvl, ok := m.levels[z]
	if !ok || !lvl.cov.Contains(x, y) {
		return false
	}
	i := lvl.index(x, y)
	return lvl.bits[i/64]&(1<<(i%64)) != 0
}

func (l *bitmapLevel) index(x, y int64) int64 {
	w := l.cov.MaxX() - l.cov.MinX() + 1
	return (y-l.cov.MinY())*w + (x - l.cov.MinX())
}
