// ============================================================================
// tileseed Storage - blob store contract
// ============================================================================
//
// Package: internal/storage
// File: storage.go
// Function: tile object model and the BlobStore interface the broker drives
//
// Tile key:
//   (layer, gridset, format, parametersID, x, y, z)
//   parametersID is derived from the parameter map, so two maps with the
//   same pairs in a different order address the same tiles.
//
// Consistency contract:
//   - Put overwrites; listeners see TileStored for a new key and
//     TileUpdated (with the previous size) for an overwrite
//   - Get fills Blob and Created on a hit
//   - DeleteRange removes every key inside the range's per-zoom coverage
//     that also matches its format and parameters
//   - All operations are safe for concurrent use by many seeding jobs
//   - Listener notifications happen after the change is visible and never
//     propagate a listener failure back to the caller
//
// ============================================================================

package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ChuLiYu/tileseed/pkg/types"
)

var log = slog.Default()

var (
	// ErrInvalidTile is returned for a tile object missing part of its key
	ErrInvalidTile = errors.New("storage: invalid tile object")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("storage: store closed")
	// ErrLayerExists is returned when renaming onto an existing layer
	ErrLayerExists = errors.New("storage: layer already exists")
)

// Error records a failed store operation and the tile key it touched.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return "storage: " + e.Op + ": " + e.Err.Error()
	}
	return "storage: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// TileSet identifies all tiles of one layer, gridset, format and parameter set.
type TileSet struct {
	Layer        string `json:"layer"`
	GridSet      string `json:"gridset"`
	Format       string `json:"format"`
	ParametersID string `json:"parameters_id,omitempty"`
}

func (ts TileSet) String() string {
	s := ts.Layer + "/" + ts.GridSet + "/" + ts.Format
	if ts.ParametersID != "" {
		s += "/" + ts.ParametersID
	}
	return s
}

// TileKey is the full storage key of one tile.
type TileKey struct {
	TileSet
	X, Y, Z int64
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.TileSet, k.Z, k.X, k.Y)
}

// TileObject carries a tile blob and its key through the store.
type TileObject struct {
	Layer        string
	GridSet      string
	Format       string
	Parameters   map[string]string
	ParametersID string
	X, Y, Z      int64
	Blob         []byte
	Created      time.Time
}

// NewTileObject builds a tile object and derives its parameters id.
func NewTileObject(layer, gridSet, format string, params map[string]string, loc types.GridLoc, blob []byte) *TileObject {
	return &TileObject{
		Layer:        layer,
		GridSet:      gridSet,
		Format:       format,
		Parameters:   params,
		ParametersID: ParametersID(params),
		X:            loc.X,
		Y:            loc.Y,
		Z:            loc.Z,
		Blob:         blob,
	}
}

// Key returns the storage key. An empty ParametersID is derived from Parameters.
func (t *TileObject) Key() TileKey {
	pid := t.ParametersID
	if pid == "" {
		pid = ParametersID(t.Parameters)
	}
	return TileKey{
		TileSet: TileSet{Layer: t.Layer, GridSet: t.GridSet, Format: t.Format, ParametersID: pid},
		X:       t.X,
		Y:       t.Y,
		Z:       t.Z,
	}
}

// Validate checks that the key is complete.
func (t *TileObject) Validate() error {
	if t == nil || t.Layer == "" || t.GridSet == "" || t.Format == "" {
		return ErrInvalidTile
	}
	if t.X < 0 || t.Y < 0 || t.Z < 0 {
		return ErrInvalidTile
	}
	return nil
}

// ParametersID returns a stable id for a parameter map: the hex SHA-1 of the
// sorted key=value pairs. Nil and empty maps have the empty id.
func ParametersID(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// RangeTileSet returns the tile set a range addresses.
func RangeTileSet(tr *types.TileRange) TileSet {
	return TileSet{
		Layer:        tr.Layer,
		GridSet:      tr.GridSet,
		Format:       tr.Format,
		ParametersID: ParametersID(tr.Parameters),
	}
}

// BlobStore stores tile blobs. Implementations must be safe for concurrent use.
type BlobStore interface {
	Put(ctx context.Context, tile *TileObject) error
	// Get reports a miss as (false, nil).
	Get(ctx context.Context, tile *TileObject) (bool, error)
	Delete(ctx context.Context, tile *TileObject) (bool, error)
	// DeleteRange returns the number of tiles removed.
	DeleteRange(ctx context.Context, tr *types.TileRange) (int64, error)
	DeleteByParametersID(ctx context.Context, layer, parametersID string) error
	DeleteLayer(ctx context.Context, layer string) error
	DeleteGridSubset(ctx context.Context, layer, gridSet string) error
	RenameLayer(ctx context.Context, oldName, newName string) error

	AddListener(l Listener)
	RemoveListener(l Listener) bool

	Close() error
}
