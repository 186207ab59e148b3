package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

// Broker is the storage side seeding and truncation tasks talk to. It
// validates requests, times them and delegates to one BlobStore.
type Broker struct {
	store BlobStore
}

// NewBroker wraps a blob store.
func NewBroker(store BlobStore) *Broker {
	return &Broker{store: store}
}

// Store returns the underlying blob store.
func (b *Broker) Store() BlobStore { return b.store }

// Get looks a tile up; a miss is (false, nil).
func (b *Broker) Get(ctx context.Context, tile *TileObject) (bool, error) {
	if err := tile.Validate(); err != nil {
		return false, &Error{Op: "get", Err: err}
	}
	return b.store.Get(ctx, tile)
}

// Put stores a tile, overwriting any previous blob.
func (b *Broker) Put(ctx context.Context, tile *TileObject) error {
	if err := tile.Validate(); err != nil {
		return &Error{Op: "put", Err: err}
	}
	return b.store.Put(ctx, tile)
}

// Delete removes one tile.
func (b *Broker) Delete(ctx context.Context, tile *TileObject) (bool, error) {
	if err := tile.Validate(); err != nil {
		return false, &Error{Op: "delete", Err: err}
	}
	return b.store.Delete(ctx, tile)
}

// DeleteRange removes every cached tile inside a tile range.
func (b *Broker) DeleteRange(ctx context.Context, tr *types.TileRange) error {
	if tr == nil || tr.Layer == "" {
		return &Error{Op: "delete_range", Err: ErrInvalidTile}
	}
	start := time.Now()
	n, err := b.store.DeleteRange(ctx, tr)
	if err != nil {
		return fmt.Errorf("truncate %s zoom %d-%d: %w", tr.Layer, tr.ZoomStart, tr.ZoomStop, err)
	}
	log.Info("Tile range truncated",
		"layer", tr.Layer,
		"gridset", tr.GridSet,
		"format", tr.Format,
		"zoom_start", tr.ZoomStart,
		"zoom_stop", tr.ZoomStop,
		"deleted", n,
		"duration", time.Since(start))
	return nil
}

// DeleteByParameters removes every tile a layer cached for one parameter set.
func (b *Broker) DeleteByParameters(ctx context.Context, layer string, params map[string]string) error {
	if layer == "" {
		return &Error{Op: "delete_by_parameters", Err: ErrInvalidTile}
	}
	return b.store.DeleteByParametersID(ctx, layer, ParametersID(params))
}

// DeleteLayer removes all tiles of a layer.
func (b *Broker) DeleteLayer(ctx context.Context, layer string) error {
	if layer == "" {
		return &Error{Op: "delete_layer", Err: ErrInvalidTile}
	}
	return b.store.DeleteLayer(ctx, layer)
}

// DeleteGridSubset removes a layer's tiles for one gridset.
func (b *Broker) DeleteGridSubset(ctx context.Context, layer, gridSet string) error {
	if layer == "" || gridSet == "" {
		return &Error{Op: "delete_gridsubset", Err: ErrInvalidTile}
	}
	return b.store.DeleteGridSubset(ctx, layer, gridSet)
}

// RenameLayer moves a layer's tiles to a new name.
func (b *Broker) RenameLayer(ctx context.Context, oldName, newName string) error {
	if oldName == "" || newName == "" {
		return &Error{Op: "rename_layer", Err: ErrInvalidTile}
	}
	if oldName == newName {
		return nil
	}
	return b.store.RenameLayer(ctx, oldName, newName)
}

// AddListener subscribes to store notifications.
func (b *Broker) AddListener(l Listener) { b.store.AddListener(l) }

// RemoveListener unsubscribes a listener.
func (b *Broker) RemoveListener(l Listener) bool { return b.store.RemoveListener(l) }

// Close closes the store. Closing twice is not an error.
func (b *Broker) Close() error {
	if err := b.store.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}
