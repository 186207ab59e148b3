package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

type memEntry struct {
	blob    []byte
	created time.Time
}

// MemoryBlobStore keeps tiles in a map. Listeners are notified after the
// store lock is released.
type MemoryBlobStore struct {
	mu        sync.RWMutex
	tiles     map[TileKey]memEntry
	closed    bool
	listeners ListenerList
	nowFunc   func() time.Time
}

// NewMemoryBlobStore creates an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		tiles:   make(map[TileKey]memEntry),
		nowFunc: time.Now,
	}
}

func (s *MemoryBlobStore) Put(_ context.Context, tile *TileObject) error {
	if err := tile.Validate(); err != nil {
		return &Error{Op: "put", Err: err}
	}
	key := tile.Key()
	blob := append([]byte(nil), tile.Blob...)
	created := tile.Created
	if created.IsZero() {
		created = s.nowFunc()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Op: "put", Key: key.String(), Err: ErrClosed}
	}
	old, existed := s.tiles[key]
	s.tiles[key] = memEntry{blob: blob, created: created}
	s.mu.Unlock()

	tile.Created = created
	info := TileInfo{Key: key, Size: int64(len(blob))}
	if existed {
		s.listeners.SendTileUpdated(info, int64(len(old.blob)))
	} else {
		s.listeners.SendTileStored(info)
	}
	return nil
}

func (s *MemoryBlobStore) Get(_ context.Context, tile *TileObject) (bool, error) {
	if err := tile.Validate(); err != nil {
		return false, &Error{Op: "get", Err: err}
	}
	key := tile.Key()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, &Error{Op: "get", Key: key.String(), Err: ErrClosed}
	}
	e, ok := s.tiles[key]
	if !ok {
		return false, nil
	}
	tile.Blob = append([]byte(nil), e.blob...)
	tile.Created = e.created
	return true, nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, tile *TileObject) (bool, error) {
	if err := tile.Validate(); err != nil {
		return false, &Error{Op: "delete", Err: err}
	}
	key := tile.Key()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, &Error{Op: "delete", Key: key.String(), Err: ErrClosed}
	}
	e, ok := s.tiles[key]
	delete(s.tiles, key)
	s.mu.Unlock()

	if ok {
		s.listeners.SendTileDeleted(TileInfo{Key: key, Size: int64(len(e.blob))})
	}
	return ok, nil
}

func (s *MemoryBlobStore) DeleteRange(ctx context.Context, tr *types.TileRange) (int64, error) {
	ts := RangeTileSet(tr)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, &Error{Op: "delete_range", Key: ts.String(), Err: ErrClosed}
	}
	var removed []TileInfo
	for key, e := range s.tiles {
		if key.TileSet != ts || !tr.Contains(key.X, key.Y, key.Z) {
			continue
		}
		delete(s.tiles, key)
		removed = append(removed, TileInfo{Key: key, Size: int64(len(e.blob))})
	}
	s.mu.Unlock()

	for _, info := range removed {
		s.listeners.SendTileDeleted(info)
	}
	return int64(len(removed)), nil
}

func (s *MemoryBlobStore) DeleteByParametersID(_ context.Context, layer, parametersID string) error {
	return s.deleteSets("delete_by_parameters", func(ts TileSet) bool {
		return ts.Layer == layer && ts.ParametersID == parametersID
	}, func(sets map[TileSet]struct{}) {
		for ts := range sets {
			s.listeners.SendTileSetDeleted(ts)
		}
	})
}

func (s *MemoryBlobStore) DeleteLayer(_ context.Context, layer string) error {
	return s.deleteSets("delete_layer", func(ts TileSet) bool {
		return ts.Layer == layer
	}, func(map[TileSet]struct{}) {
		s.listeners.SendLayerDeleted(layer)
	})
}

func (s *MemoryBlobStore) DeleteGridSubset(_ context.Context, layer, gridSet string) error {
	return s.deleteSets("delete_gridsubset", func(ts TileSet) bool {
		return ts.Layer == layer && ts.GridSet == gridSet
	}, func(map[TileSet]struct{}) {
		s.listeners.SendGridSubsetDeleted(layer, gridSet)
	})
}

func (s *MemoryBlobStore) deleteSets(op string, match func(TileSet) bool, notify func(map[TileSet]struct{})) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Op: op, Err: ErrClosed}
	}
	sets := make(map[TileSet]struct{})
	for key := range s.tiles {
		if match(key.TileSet) {
			sets[key.TileSet] = struct{}{}
			delete(s.tiles, key)
		}
	}
	s.mu.Unlock()

	notify(sets)
	return nil
}

func (s *MemoryBlobStore) RenameLayer(_ context.Context, oldName, newName string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &Error{Op: "rename_layer", Key: oldName, Err: ErrClosed}
	}
	for key := range s.tiles {
		if key.Layer == newName {
			s.mu.Unlock()
			return &Error{Op: "rename_layer", Key: newName, Err: ErrLayerExists}
		}
	}
	moved := make(map[TileKey]memEntry)
	for key, e := range s.tiles {
		if key.Layer == oldName {
			delete(s.tiles, key)
			key.Layer = newName
			moved[key] = e
		}
	}
	for key, e := range moved {
		s.tiles[key] = e
	}
	s.mu.Unlock()

	s.listeners.SendLayerRenamed(oldName, newName)
	return nil
}

func (s *MemoryBlobStore) AddListener(l Listener) { s.listeners.Add(l) }

func (s *MemoryBlobStore) RemoveListener(l Listener) bool { return s.listeners.Remove(l) }

// Len returns the number of stored tiles.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tiles)
}

func (s *MemoryBlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
