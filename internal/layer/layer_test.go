package layer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tileseed/internal/storage"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

func testRange(t *testing.T, coverages ...types.GridCoverage) *types.TileRange {
	t.Helper()
	tr, err := types.NewTileRange("roads", "EPSG:900913", "image/png", nil, coverages)
	require.NoError(t, err)
	return tr
}

func countingSource(calls *atomic.Int32) SourceFunc {
	return func(_ context.Context, req Request) ([]byte, error) {
		calls.Add(1)
		return []byte(req.Loc.String()), nil
	}
}

func TestSeedTileClipsMetaCellToCoverage(t *testing.T) {
	store := storage.NewMemoryBlobStore()
	var calls atomic.Int32
	l := NewCachedLayer("roads", 4, 4, countingSource(&calls), storage.NewBroker(store))

	tr := testRange(t, types.NewGridCoverage(0, 0, 2, 1, 3))
	require.NoError(t, l.SeedTile(context.Background(), tr, types.GridLoc{X: 0, Y: 0, Z: 3}, true))

	assert.Equal(t, int32(6), calls.Load(), "3x2 tiles inside the 4x4 cell")
	assert.Equal(t, 6, store.Len())
}

func TestSeedTileHonoursTryCache(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBlobStore()
	var calls atomic.Int32
	l := NewCachedLayer("roads", 2, 2, countingSource(&calls), storage.NewBroker(store))
	tr := testRange(t, types.NewGridCoverage(0, 0, 1, 1, 1))
	loc := types.GridLoc{X: 0, Y: 0, Z: 1}

	require.NoError(t, l.SeedTile(ctx, tr, loc, true))
	require.NoError(t, l.SeedTile(ctx, tr, loc, true))
	assert.Equal(t, int32(4), calls.Load(), "second seed is served from cache")

	require.NoError(t, l.SeedTile(ctx, tr, loc, false))
	assert.Equal(t, int32(8), calls.Load(), "reseed regenerates")
}

func TestSeedTileReportsSourceFailure(t *testing.T) {
	boom := errors.New("backend down")
	l := NewCachedLayer("roads", 1, 1, SourceFunc(func(context.Context, Request) ([]byte, error) {
		return nil, boom
	}), storage.NewBroker(storage.NewMemoryBlobStore()))

	tr := testRange(t, types.NewGridCoverage(0, 0, 0, 0, 0))
	err := l.SeedTile(context.Background(), tr, types.GridLoc{}, true)
	assert.ErrorIs(t, err, boom)

	err = l.SeedTile(context.Background(), tr, types.GridLoc{Z: 4}, true)
	assert.Error(t, err, "zoom outside the range")
}

func TestConcurrentSeedOfSameCellIsCollapsed(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	src := SourceFunc(func(_ context.Context, req Request) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("x"), nil
	})
	l := NewCachedLayer("roads", 1, 1, src, storage.NewBroker(storage.NewMemoryBlobStore()))
	tr := testRange(t, types.NewGridCoverage(0, 0, 0, 0, 0))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.SeedTile(context.Background(), tr, types.GridLoc{}, false))
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestUpdateFiltersJoinsErrors(t *testing.T) {
	var seen []string
	l := NewCachedLayer("roads", 1, 1, nil, nil,
		WithFilterUpdate(func(_ context.Context, tr *types.TileRange) error {
			seen = append(seen, tr.Layer)
			return nil
		}),
		WithFilterUpdate(func(context.Context, *types.TileRange) error {
			return errors.New("filter store offline")
		}),
	)

	err := l.UpdateFilters(context.Background(), testRange(t, types.NewGridCoverage(0, 0, 0, 0, 0)))
	assert.ErrorContains(t, err, "filter store offline")
	assert.Equal(t, []string{"roads"}, seen)
}

func TestHTTPSourceTemplate(t *testing.T) {
	_, err := NewHTTPSource(HTTPSourceConfig{URLTemplate: "http://example.com/{z}/{x}.png"})
	assert.Error(t, err)

	s, err := NewHTTPSource(HTTPSourceConfig{URLTemplate: "http://example.com/{layer}/{z}/{x}/{-y}/{y}.png"})
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/roads/2/1/2/1.png",
		s.URL(Request{Layer: "roads", Loc: types.GridLoc{X: 1, Y: 1, Z: 2}}))
}

func TestHTTPSourceFetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/0/0/0.png" {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("png-bytes"))
			return
		}
		http.Error(w, "no tile", http.StatusNotFound)
	}))
	defer srv.Close()

	s, err := NewHTTPSource(HTTPSourceConfig{
		URLTemplate:       srv.URL + "/{z}/{x}/{y}.png",
		RequestsPerSecond: 1000,
		Burst:             10,
		Timeout:           time.Second,
	})
	require.NoError(t, err)
	defer s.Release()

	body, err := s.Fetch(context.Background(), Request{Loc: types.GridLoc{}, Format: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))

	_, err = s.Fetch(context.Background(), Request{Loc: types.GridLoc{X: 1, Y: 1, Z: 1}})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPSourceRateLimitHonoursContext(t *testing.T) {
	s, err := NewHTTPSource(HTTPSourceConfig{
		URLTemplate:       "http://127.0.0.1:1/{z}/{x}/{y}.png",
		RequestsPerSecond: 0.001,
		Burst:             1,
	})
	require.NoError(t, err)
	require.True(t, s.limiter.Allow(), "consume the only token")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Fetch(ctx, Request{})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add(NewCachedLayer("roads", 1, 1, nil, nil))
	r.Add(NewCachedLayer("rivers", 1, 1, nil, nil))

	l, err := r.Get("roads")
	require.NoError(t, err)
	assert.Equal(t, "roads", l.Name())

	_, err = r.Get("lakes")
	assert.ErrorIs(t, err, ErrUnknownLayer)
	assert.Equal(t, []string{"rivers", "roads"}, r.Names())
}
