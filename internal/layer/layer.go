// ============================================================================
// tileseed Layer - tile generation collaborator
// ============================================================================
//
// Package: internal/layer
// File: layer.go
// Function: materialize meta tiles into the cache for seeding tasks
//
// Flow of one SeedTile call:
//   meta cell (x, y, z) → clip to range coverage
//      ├─ tryCache: skip tiles the broker already has
//      ├─ Source.Fetch for each missing tile
//      └─ Broker.Put
//
// Two jobs seeding the same layer can hit the same meta cell at once; the
// calls are collapsed so the source sees one request per cell.
//
// ============================================================================

package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/ChuLiYu/tileseed/internal/storage"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

var log = slog.Default()

// ErrUnknownLayer is returned by a Registry lookup miss.
var ErrUnknownLayer = errors.New("layer: unknown layer")

// Layer is what a seeding task needs from a tile layer.
type Layer interface {
	Name() string
	MetaTilingFactors() (int, int)
	// SeedTile materializes the meta tile whose lower-left tile is loc.
	// With tryCache, tiles already cached are left alone.
	SeedTile(ctx context.Context, tr *types.TileRange, loc types.GridLoc, tryCache bool) error
}

// FilterUpdater is implemented by layers that refresh request filters once
// a seed job finishes.
type FilterUpdater interface {
	UpdateFilters(ctx context.Context, tr *types.TileRange) error
}

// Releaser is implemented by layers holding per-task backend resources.
type Releaser interface {
	Release()
}

// Request is one tile asked of a Source.
type Request struct {
	Layer      string
	GridSet    string
	Format     string
	Parameters map[string]string
	Loc        types.GridLoc
}

// Source produces tile bytes.
type Source interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) ([]byte, error)

func (f SourceFunc) Fetch(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// CachedLayer seeds tiles from a Source into a storage Broker.
type CachedLayer struct {
	name    string
	metaX   int
	metaY   int
	source  Source
	broker  *storage.Broker
	group   singleflight.Group
	filters []func(ctx context.Context, tr *types.TileRange) error
}

// Option configures a CachedLayer.
type Option func(*CachedLayer)

// WithFilterUpdate registers a hook run when a seed job over this layer ends.
func WithFilterUpdate(fn func(ctx context.Context, tr *types.TileRange) error) Option {
	return func(l *CachedLayer) { l.filters = append(l.filters, fn) }
}

// NewCachedLayer creates a layer. Meta factors below 1 are raised to 1.
func NewCachedLayer(name string, metaX, metaY int, source Source, broker *storage.Broker, opts ...Option) *CachedLayer {
	l := &CachedLayer{
		name:   name,
		metaX:  max(metaX, 1),
		metaY:  max(metaY, 1),
		source: source,
		broker: broker,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *CachedLayer) Name() string { return l.name }

func (l *CachedLayer) MetaTilingFactors() (int, int) { return l.metaX, l.metaY }

func (l *CachedLayer) SeedTile(ctx context.Context, tr *types.TileRange, loc types.GridLoc, tryCache bool) error {
	cov, ok := tr.Coverage(int(loc.Z))
	if !ok {
		return fmt.Errorf("layer %s: zoom %d outside range", l.name, loc.Z)
	}
	cell, ok := types.NewGridCoverage(loc.X, loc.Y, loc.X+int64(l.metaX)-1, loc.Y+int64(l.metaY)-1, loc.Z).Intersect(cov)
	if !ok {
		return nil
	}

	key := fmt.Sprintf("%s/%s/%s/%s/%d/%d/%d/%t",
		l.name, tr.GridSet, tr.Format, storage.ParametersID(tr.Parameters), loc.Z, loc.X, loc.Y, tryCache)
	_, err, shared := l.group.Do(key, func() (any, error) {
		return nil, l.seedCell(ctx, tr, cell, tryCache)
	})
	if shared {
		log.Debug("Meta tile shared with concurrent caller", "layer", l.name, "loc", loc)
	}
	return err
}

func (l *CachedLayer) seedCell(ctx context.Context, tr *types.TileRange, cell types.GridCoverage, tryCache bool) error {
	for y := cell.MinY(); y <= cell.MaxY(); y++ {
		for x := cell.MinX(); x <= cell.MaxX(); x++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			loc := types.GridLoc{X: x, Y: y, Z: cell.Zoom()}
			tile := storage.NewTileObject(l.name, tr.GridSet, tr.Format, tr.Parameters, loc, nil)

			if tryCache {
				hit, err := l.broker.Get(ctx, tile)
				if err != nil {
					return err
				}
				if hit {
					continue
				}
			}

			blob, err := l.source.Fetch(ctx, Request{
				Layer:      l.name,
				GridSet:    tr.GridSet,
				Format:     tr.Format,
				Parameters: tr.Parameters,
				Loc:        loc,
			})
			if err != nil {
				return fmt.Errorf("fetch %s %s: %w", l.name, loc, err)
			}
			tile.Blob = blob
			if err := l.broker.Put(ctx, tile); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateFilters runs the registered filter hooks, joining their errors.
func (l *CachedLayer) UpdateFilters(ctx context.Context, tr *types.TileRange) error {
	var errs []error
	for _, fn := range l.filters {
		if err := fn(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release forwards to the source when it holds resources.
func (l *CachedLayer) Release() {
	if r, ok := l.source.(Releaser); ok {
		r.Release()
	}
}
