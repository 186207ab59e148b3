// Package gridset resolves geographic extents into per-zoom grid coverages.
//
// Only the Web Mercator quad grid is supported. Rows are counted from the
// bottom of the world (origin lower left), so the y of a maptile.Tile is
// flipped before it lands in a coverage.
package gridset

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

// WebMercator is the gridset id used for the Web Mercator quad grid.
const WebMercator = "EPSG:900913"

// MaxZoom is the deepest level the quad grid is resolved to.
const MaxZoom = 30

// maxLat is the latitude limit of the Web Mercator projection.
const maxLat = 85.05112877980659

// WorldBound covers the whole projection.
var WorldBound = orb.Bound{Min: orb.Point{-180, -maxLat}, Max: orb.Point{180, maxLat}}

// WebMercatorCoverages returns one coverage per zoom in [zStart, zStop] for
// a lon/lat bound.
func WebMercatorCoverages(bound orb.Bound, zStart, zStop int) ([]types.GridCoverage, error) {
	if zStart < 0 || zStop > MaxZoom || zStart > zStop {
		return nil, fmt.Errorf("gridset: zoom range %d-%d outside 0-%d", zStart, zStop, MaxZoom)
	}
	bound = clampBound(bound)
	if bound.Min[0] > bound.Max[0] || bound.Min[1] > bound.Max[1] {
		return nil, fmt.Errorf("gridset: empty bound %v", bound)
	}

	out := make([]types.GridCoverage, 0, zStop-zStart+1)
	for z := zStart; z <= zStop; z++ {
		zoom := maptile.Zoom(z)
		// Top-left and bottom-right corners in XYZ numbering.
		tl := maptile.At(orb.Point{bound.Min[0], bound.Max[1]}, zoom)
		br := maptile.At(orb.Point{bound.Max[0], bound.Min[1]}, zoom)

		last := int64(1)<<uint(z) - 1
		minX, maxX := clampTile(int64(tl.X), last), clampTile(int64(br.X), last)
		minY := last - clampTile(int64(br.Y), last)
		maxY := last - clampTile(int64(tl.Y), last)

		out = append(out, types.NewGridCoverage(minX, minY, maxX, maxY, int64(z)))
	}
	return out, nil
}

// NewTileRange builds a Web Mercator tile range for a lon/lat bound.
func NewTileRange(layer, format string, params map[string]string, bound orb.Bound, zStart, zStop int) (*types.TileRange, error) {
	coverages, err := WebMercatorCoverages(bound, zStart, zStop)
	if err != nil {
		return nil, err
	}
	return types.NewTileRange(layer, WebMercator, format, params, coverages)
}

// TileBound returns the lon/lat bound of a cached tile.
func TileBound(loc types.GridLoc) orb.Bound {
	last := int64(1)<<uint(loc.Z) - 1
	t := maptile.New(uint32(loc.X), uint32(last-loc.Y), maptile.Zoom(loc.Z))
	return t.Bound()
}

func clampBound(b orb.Bound) orb.Bound {
	b.Min[0] = max(b.Min[0], WorldBound.Min[0])
	b.Min[1] = max(b.Min[1], WorldBound.Min[1])
	b.Max[0] = min(b.Max[0], WorldBound.Max[0])
	b.Max[1] = min(b.Max[1], WorldBound.Max[1])
	return b
}

func clampTile(v, last int64) int64 {
	return min(max(v, 0), last)
}
