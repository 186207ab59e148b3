// ============================================================================
// tileseed Quota Store - disk usage per tile set
// ============================================================================
//
// Package: internal/quota
// File: store.go
// Function: count bytes and tiles stored per tile set, survive restarts
//
// Data flow:
//   BlobStore --listener event--> Store.record
//                                   ├─ 1. journal.Append (CRC32 JSON line)
//                                   └─ 2. apply to the in-memory table
//
// Recovery (Open):
//   1. load snapshot            (usage table + LastSeq)
//   2. replay journal seq > LastSeq
//
// Checkpoint:
//   snapshot the table with the journal's LastSeq, then rotate the journal.
//   Both steps run under the store lock so no event falls between them.
//
// Loops:
//   checkpointLoop - flush the journal every second, checkpoint every
//                    CheckpointInterval
//
// ============================================================================

package quota

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/tileseed/internal/metrics"
	"github.com/ChuLiYu/tileseed/internal/storage"
)

var log = slog.Default()

const (
	journalFile  = "quota.journal"
	snapshotFile = "quota.snapshot.json"
)

// Config quota store configuration
type Config struct {
	Dir                string           `yaml:"dir"`
	SyncOnAppend       bool             `yaml:"sync_on_append"`
	CheckpointInterval time.Duration    `yaml:"checkpoint_interval"`
	Limits             map[string]int64 `yaml:"limits"` // bytes per layer
}

// Excess returns how many of used bytes lie over a layer's limit; 0 when
// within the limit or unlimited.
func (c Config) Excess(layer string, used int64) int64 {
	limit := c.Limits[layer]
	if limit <= 0 {
		return 0
	}
	return max(used-limit, 0)
}

// Usage is the space taken by one tile set.
type Usage struct {
	Set   storage.TileSet `json:"set"`
	Bytes int64           `json:"bytes"`
	Tiles int64           `json:"tiles"`
}

// Store tracks usage from storage events. It implements storage.Listener.
type Store struct {
	cfg       Config
	mu        sync.Mutex
	usage     map[storage.TileSet]*Usage
	journal   *Journal
	snapshots *SnapshotManager
	metrics   *metrics.Collector
	closed    bool

	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	stopOnce sync.Once
}

var _ storage.Listener = (*Store)(nil)

// Open recovers the usage table from cfg.Dir and opens the journal for
// appending. Call Start to run periodic checkpoints.
func Open(cfg Config, m *metrics.Collector) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("quota: no directory configured")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create quota dir: %w", err)
	}

	s := &Store{
		cfg:       cfg,
		usage:     make(map[storage.TileSet]*Usage),
		snapshots: NewSnapshotManager(filepath.Join(cfg.Dir, snapshotFile)),
		metrics:   m,
		stopCh:    make(chan struct{}),
	}

	snap, err := s.snapshots.Load()
	if err != nil {
		return nil, err
	}
	for _, u := range snap.Usage {
		s.usage[u.Set] = &Usage{Set: u.Set, Bytes: u.Bytes, Tiles: u.Tiles}
	}

	s.journal, err = OpenJournal(filepath.Join(cfg.Dir, journalFile))
	if err != nil {
		return nil, err
	}
	s.journal.AdvanceTo(snap.LastSeq)

	replayed := 0
	err = s.journal.Replay(snap.LastSeq, func(ev Event) error {
		s.apply(ev)
		replayed++
		return nil
	})
	if err != nil {
		s.journal.Close()
		return nil, fmt.Errorf("failed to replay quota journal: %w", err)
	}

	s.metrics.SetQuotaBytes(s.globalLocked().Bytes)
	log.Info("Quota store recovered",
		"dir", cfg.Dir,
		"snapshot_seq", snap.LastSeq,
		"replayed", replayed,
		"tile_sets", len(s.usage))
	return s, nil
}

// Start runs the flush and checkpoint loop.
func (s *Store) Start() {
	s.loopWg.Add(1)
	go s.checkpointLoop()
}

// Close stops the loop, writes a final checkpoint and closes the journal.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWg.Wait()

	err := s.Checkpoint()
	if errors.Is(err, ErrStoreClosed) {
		return nil
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return errors.Join(err, s.journal.Close())
}

func (s *Store) checkpointLoop() {
	defer s.loopWg.Done()

	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	var checkpointC <-chan time.Time
	if s.cfg.CheckpointInterval > 0 {
		ticker := time.NewTicker(s.cfg.CheckpointInterval)
		defer ticker.Stop()
		checkpointC = ticker.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case <-flush.C:
			if err := s.journal.Flush(); err != nil {
				log.Error("Quota journal flush failed", "error", err)
			}
		case <-checkpointC:
			if err := s.Checkpoint(); err != nil {
				log.Error("Quota checkpoint failed", "error", err)
			}
		}
	}
}

// Checkpoint writes a snapshot and empties the journal.
func (s *Store) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.journal.Flush(); err != nil {
		return err
	}
	data := SnapshotData{
		LastSeq: s.journal.LastSeq(),
		TakenAt: time.Now().UTC(),
		Usage:   s.listLocked(),
	}
	if err := s.snapshots.Write(data); err != nil {
		return err
	}
	if err := s.journal.Rotate(); err != nil {
		return fmt.Errorf("snapshot written but journal rotation failed: %w", err)
	}
	log.Debug("Quota checkpoint written", "last_seq", data.LastSeq, "tile_sets", len(data.Usage))
	return nil
}

// ============================================================================
// storage.Listener
// ============================================================================

func (s *Store) TileStored(info storage.TileInfo) {
	s.record(Event{Type: EventAdd, Set: info.Key.TileSet, Bytes: info.Size, Tiles: 1})
}

func (s *Store) TileDeleted(info storage.TileInfo) {
	s.record(Event{Type: EventAdd, Set: info.Key.TileSet, Bytes: -info.Size, Tiles: -1})
}

func (s *Store) TileUpdated(info storage.TileInfo, oldSize int64) {
	if info.Size == oldSize {
		return
	}
	s.record(Event{Type: EventAdd, Set: info.Key.TileSet, Bytes: info.Size - oldSize})
}

func (s *Store) LayerDeleted(layer string) {
	s.record(Event{Type: EventDropLayer, Set: storage.TileSet{Layer: layer}})
}

func (s *Store) LayerRenamed(oldName, newName string) {
	s.record(Event{Type: EventRenameLayer, Set: storage.TileSet{Layer: oldName}, NewLayer: newName})
}

func (s *Store) GridSubsetDeleted(layer, gridSet string) {
	s.record(Event{Type: EventDropGridSubset, Set: storage.TileSet{Layer: layer, GridSet: gridSet}})
}

func (s *Store) TileSetDeleted(ts storage.TileSet) {
	s.record(Event{Type: EventDropSet, Set: ts})
}

// record journals ev and then applies it. A journal failure is logged; the
// in-memory table still moves so this process stays accurate.
func (s *Store) record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		log.Warn("Quota event after close dropped", "type", ev.Type, "set", ev.Set.String())
		return
	}
	if _, err := s.journal.Append(ev, s.cfg.SyncOnAppend); err != nil {
		log.Error("Quota journal append failed", "type", ev.Type, "set", ev.Set.String(), "error", err)
	}
	s.apply(ev)
	s.metrics.SetQuotaBytes(s.globalLocked().Bytes)
}

// apply requires mu (or exclusive access during Open).
func (s *Store) apply(ev Event) {
	switch ev.Type {
	case EventAdd:
		u, ok := s.usage[ev.Set]
		if !ok {
			u = &Usage{Set: ev.Set}
			s.usage[ev.Set] = u
		}
		u.Bytes += ev.Bytes
		u.Tiles += ev.Tiles
		// Notifications may arrive out of order (a delete ahead of its
		// put), so a negative balance is kept until it nets out.
		if u.Tiles == 0 && u.Bytes == 0 {
			delete(s.usage, ev.Set)
		}
	case EventDropSet:
		delete(s.usage, ev.Set)
	case EventDropLayer:
		for ts := range s.usage {
			if ts.Layer == ev.Set.Layer {
				delete(s.usage, ts)
			}
		}
	case EventDropGridSubset:
		for ts := range s.usage {
			if ts.Layer == ev.Set.Layer && ts.GridSet == ev.Set.GridSet {
				delete(s.usage, ts)
			}
		}
	case EventRenameLayer:
		var moved []*Usage
		for ts, u := range s.usage {
			if ts.Layer == ev.Set.Layer {
				delete(s.usage, ts)
				u.Set.Layer = ev.NewLayer
				moved = append(moved, u)
			}
		}
		for _, u := range moved {
			if cur, ok := s.usage[u.Set]; ok {
				cur.Bytes += u.Bytes
				cur.Tiles += u.Tiles
				continue
			}
			s.usage[u.Set] = u
		}
	default:
		log.Warn("Unknown quota event", "type", ev.Type, "seq", ev.Seq)
	}
}

// ============================================================================
// Queries
// ============================================================================

// Usage returns the usage of one tile set.
func (s *Store) Usage(ts storage.TileSet) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[ts]; ok {
		return *u
	}
	return Usage{Set: ts}
}

// LayerUsage sums every tile set of a layer.
func (s *Store) LayerUsage(layer string) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := Usage{Set: storage.TileSet{Layer: layer}}
	for ts, u := range s.usage {
		if ts.Layer == layer {
			total.Bytes += u.Bytes
			total.Tiles += u.Tiles
		}
	}
	return total
}

// GlobalUsage sums every tile set.
func (s *Store) GlobalUsage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalLocked()
}

func (s *Store) globalLocked() Usage {
	var total Usage
	for _, u := range s.usage {
		total.Bytes += u.Bytes
		total.Tiles += u.Tiles
	}
	return total
}

// List returns every tracked tile set ordered by key.
func (s *Store) List() []Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Store) listLocked() []Usage {
	out := make([]Usage, 0, len(s.usage))
	for _, u := range s.usage {
		out = append(out, *u)
	}
	sortUsage(out)
	return out
}

// Excess returns how many bytes a layer is over its limit; 0 when within
// the limit or unlimited.
func (s *Store) Excess(layer string) int64 {
	return s.cfg.Excess(layer, s.LayerUsage(layer).Bytes)
}

// LastSeq returns the journal's last sequence number.
func (s *Store) LastSeq() uint64 { return s.journal.LastSeq() }

// Inspect recovers the usage table in dir without opening it for writing.
func Inspect(dir string) ([]Usage, error) {
	snap, err := NewSnapshotManager(filepath.Join(dir, snapshotFile)).Load()
	if err != nil {
		return nil, err
	}

	s := &Store{usage: make(map[storage.TileSet]*Usage)}
	for _, u := range snap.Usage {
		s.usage[u.Set] = &Usage{Set: u.Set, Bytes: u.Bytes, Tiles: u.Tiles}
	}
	err = replayFile(filepath.Join(dir, journalFile), snap.LastSeq, func(ev Event) error {
		s.apply(ev)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s.listLocked(), nil
}

func sortUsage(us []Usage) {
	slices.SortFunc(us, func(a, b Usage) int {
		return cmp.Or(
			cmp.Compare(a.Set.Layer, b.Set.Layer),
			cmp.Compare(a.Set.GridSet, b.Set.GridSet),
			cmp.Compare(a.Set.Format, b.Set.Format),
			cmp.Compare(a.Set.ParametersID, b.Set.ParametersID),
		)
	})
}
