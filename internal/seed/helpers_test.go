package seed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeLayer records SeedTile calls and fails or blocks on demand.
type fakeLayer struct {
	name         string
	metaX, metaY int

	mu       sync.Mutex
	calls    []types.GridLoc
	tryCache []bool

	fail     func(loc types.GridLoc) error
	block    chan struct{}
	filters  atomic.Int32
	released atomic.Int32
}

func newFakeLayer(name string) *fakeLayer {
	return &fakeLayer{name: name, metaX: 1, metaY: 1}
}

func (l *fakeLayer) Name() string { return l.name }

func (l *fakeLayer) MetaTilingFactors() (int, int) { return l.metaX, l.metaY }

func (l *fakeLayer) SeedTile(ctx context.Context, _ *types.TileRange, loc types.GridLoc, tryCache bool) error {
	l.mu.Lock()
	l.calls = append(l.calls, loc)
	l.tryCache = append(l.tryCache, tryCache)
	l.mu.Unlock()

	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if l.fail != nil {
		return l.fail(loc)
	}
	return nil
}

func (l *fakeLayer) UpdateFilters(context.Context, *types.TileRange) error {
	l.filters.Add(1)
	return nil
}

func (l *fakeLayer) Release() { l.released.Add(1) }

func (l *fakeLayer) seen() []types.GridLoc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.GridLoc(nil), l.calls...)
}

// listIterator hands out a fixed list of locations.
type listIterator struct {
	mu   sync.Mutex
	locs []types.GridLoc
	tr   *types.TileRange
}

func (it *listIterator) NextMetaGridLocation() (types.GridLoc, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.locs) == 0 {
		return types.GridLoc{}, false
	}
	loc := it.locs[0]
	it.locs = it.locs[1:]
	return loc, true
}

func (it *listIterator) TileRange() *types.TileRange { return it.tr }

func (it *listIterator) MetaTilingFactors() (int, int) { return 1, 1 }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type deleterFunc func(ctx context.Context, tr *types.TileRange) error

func (f deleterFunc) DeleteRange(ctx context.Context, tr *types.TileRange) error { return f(ctx, tr) }

func testRange(t *testing.T, coverages ...types.GridCoverage) *types.TileRange {
	t.Helper()
	if len(coverages) == 0 {
		coverages = []types.GridCoverage{types.NewGridCoverage(0, 0, 3, 3, 2)}
	}
	tr, err := types.NewTileRange("roads", "EPSG:900913", "image/png", nil, coverages)
	require.NoError(t, err)
	return tr
}

func newTestBreeder(t *testing.T, mutate func(*Config)) *Breeder {
	t.Helper()
	cfg := Config{
		PoolSize:      4,
		QueueSize:     16,
		DrainInterval: time.Hour,
		Retry:         DefaultRetryPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := NewBreeder(cfg)
	require.NoError(t, err)
	return b
}

func startBreeder(t *testing.T, mutate func(*Config)) *Breeder {
	t.Helper()
	b := newTestBreeder(t, mutate)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)
	return b
}

func waitDone(t *testing.T, job Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %d did not finish, state %s", job.ID(), job.State())
	}
}
