package storage

import (
	"sync"
)

// TileInfo describes one stored or deleted tile for listeners.
type TileInfo struct {
	Key  TileKey
	Size int64
}

// Listener receives store notifications. Callbacks run on the goroutine that
// changed the store and must not block for long.
type Listener interface {
	TileStored(info TileInfo)
	TileDeleted(info TileInfo)
	TileUpdated(info TileInfo, oldSize int64)
	LayerDeleted(layer string)
	LayerRenamed(oldName, newName string)
	GridSubsetDeleted(layer, gridSet string)
	TileSetDeleted(ts TileSet)
}

// ListenerList fans notifications out to registered listeners. A listener
// that panics is logged and skipped; the others still get the event.
type ListenerList struct {
	mu        sync.RWMutex
	listeners []Listener
}

// Add registers a listener.
func (l *ListenerList) Add(listener Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Remove unregisters a listener and reports whether it was present.
func (l *ListenerList) Remove(listener Listener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.listeners {
		if existing == listener {
			l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (l *ListenerList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.listeners)
}

func (l *ListenerList) each(event string, fn func(Listener)) {
	l.mu.RLock()
	snapshot := l.listeners
	l.mu.RUnlock()

	for _, listener := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Storage listener panicked", "event", event, "panic", r)
				}
			}()
			fn(listener)
		}()
	}
}

func (l *ListenerList) SendTileStored(info TileInfo) {
	l.each("tile_stored", func(x Listener) { x.TileStored(info) })
}

func (l *ListenerList) SendTileDeleted(info TileInfo) {
	l.each("tile_deleted", func(x Listener) { x.TileDeleted(info) })
}

func (l *ListenerList) SendTileUpdated(info TileInfo, oldSize int64) {
	l.each("tile_updated", func(x Listener) { x.TileUpdated(info, oldSize) })
}

func (l *ListenerList) SendLayerDeleted(layer string) {
	l.each("layer_deleted", func(x Listener) { x.LayerDeleted(layer) })
}

func (l *ListenerList) SendLayerRenamed(oldName, newName string) {
	l.each("layer_renamed", func(x Listener) { x.LayerRenamed(oldName, newName) })
}

func (l *ListenerList) SendGridSubsetDeleted(layer, gridSet string) {
	l.each("gridsubset_deleted", func(x Listener) { x.GridSubsetDeleted(layer, gridSet) })
}

func (l *ListenerList) SendTileSetDeleted(ts TileSet) {
	l.each("tileset_deleted", func(x Listener) { x.TileSetDeleted(ts) })
}
