package gridset

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

func TestWorldCoverages(t *testing.T) {
	covs, err := WebMercatorCoverages(WorldBound, 0, 3)
	require.NoError(t, err)
	require.Len(t, covs, 4)

	for z, c := range covs {
		n := int64(1) << uint(z)
		assert.Equal(t, types.NewGridCoverage(0, 0, n-1, n-1, int64(z)), c)
	}
}

func TestNorthEastQuadrantFlipsRows(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{179, 84}}
	covs, err := WebMercatorCoverages(bound, 1, 1)
	require.NoError(t, err)

	// XYZ tile (1,0,1) is the north-east quadrant; with the origin at the
	// bottom its row is 1.
	assert.Equal(t, types.NewGridCoverage(1, 1, 1, 1, 1), covs[0])
}

func TestOutOfRangeBoundIsClamped(t *testing.T) {
	covs, err := WebMercatorCoverages(orb.Bound{Min: orb.Point{-500, -100}, Max: orb.Point{500, 100}}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, types.NewGridCoverage(0, 0, 3, 3, 2), covs[0])
}

func TestInvalidZoomRange(t *testing.T) {
	_, err := WebMercatorCoverages(WorldBound, 3, 1)
	assert.Error(t, err)
	_, err = WebMercatorCoverages(WorldBound, 0, MaxZoom+1)
	assert.Error(t, err)
}

func TestNewTileRangeUsesWebMercator(t *testing.T) {
	tr, err := NewTileRange("roads", "image/png", nil, WorldBound, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, WebMercator, tr.GridSet)
	assert.Equal(t, int64(1+4+16), tr.TileCount())
}

func TestTileBoundRoundTrip(t *testing.T) {
	b := TileBound(types.GridLoc{X: 1, Y: 1, Z: 1})
	assert.InDelta(t, 0, b.Min[0], 1e-9)
	assert.InDelta(t, 180, b.Max[0], 1e-9)
	assert.Greater(t, b.Min[1], -1e-9)

	covs, err := WebMercatorCoverages(b.Pad(-0.5), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, types.NewGridCoverage(1, 1, 1, 1, 1), covs[0])
}
