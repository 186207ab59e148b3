// ============================================================================
// tileseed SQLite blob store
// ============================================================================
//
// Package: internal/storage/sqlite
// File: sqlite.go
// Function: persistent BlobStore on a single SQLite file (pure Go driver)
//
// Schema:
//   tiles(layer, gridset, format, params_id, z, x, y, data, size, created)
//   primary key (layer, gridset, format, params_id, z, x, y)
//
// Writes run in a transaction that first reads the previous size, so
// listeners get TileStored or TileUpdated(oldSize) exactly as the memory
// store reports them. Notifications go out after commit.
//
// ============================================================================

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/tileseed/internal/storage"
	"github.com/ChuLiYu/tileseed/pkg/types"
)

var log = slog.Default()

const schema = `
CREATE TABLE IF NOT EXISTS tiles (
	layer     TEXT    NOT NULL,
	gridset   TEXT    NOT NULL,
	format    TEXT    NOT NULL,
	params_id TEXT    NOT NULL,
	z         INTEGER NOT NULL,
	x         INTEGER NOT NULL,
	y         INTEGER NOT NULL,
	data      BLOB    NOT NULL,
	size      INTEGER NOT NULL,
	created   INTEGER NOT NULL,
	PRIMARY KEY (layer, gridset, format, params_id, z, x, y)
);
CREATE INDEX IF NOT EXISTS tiles_layer_params ON tiles (layer, params_id);
`

const keyWhere = `layer = ? AND gridset = ? AND format = ? AND params_id = ? AND z = ? AND x = ? AND y = ?`

// Store is a BlobStore backed by SQLite.
type Store struct {
	db        *sql.DB
	path      string
	closed    atomic.Bool
	listeners storage.ListenerList
	nowFunc   func() time.Time
}

var _ storage.BlobStore = (*Store)(nil)

// Open opens (and creates if needed) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes them anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema in %s: %w", path, err)
	}

	log.Info("SQLite blob store opened", "path", path)
	return &Store{db: db, path: path, nowFunc: time.Now}, nil
}

func keyArgs(k storage.TileKey) []any {
	return []any{k.Layer, k.GridSet, k.Format, k.ParametersID, k.Z, k.X, k.Y}
}

func (s *Store) fail(op, key string, err error) error {
	if s.closed.Load() || errors.Is(err, sql.ErrConnDone) {
		err = storage.ErrClosed
	}
	return &storage.Error{Op: op, Key: key, Err: err}
}

func (s *Store) checkOpen(op, key string) error {
	if s.closed.Load() {
		return &storage.Error{Op: op, Key: key, Err: storage.ErrClosed}
	}
	return nil
}

// withTx runs fn in a transaction and commits when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Put(ctx context.Context, tile *storage.TileObject) error {
	if err := tile.Validate(); err != nil {
		return &storage.Error{Op: "put", Err: err}
	}
	key := tile.Key()
	if err := s.checkOpen("put", key.String()); err != nil {
		return err
	}
	created := tile.Created
	if created.IsZero() {
		created = s.nowFunc()
	}

	var (
		oldSize int64
		existed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT size FROM tiles WHERE `+keyWhere, keyArgs(key)...).Scan(&oldSize)
		switch {
		case err == nil:
			existed = true
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO tiles (layer, gridset, format, params_id, z, x, y, data, size, created)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (layer, gridset, format, params_id, z, x, y)
DO UPDATE SET data = excluded.data, size = excluded.size, created = excluded.created`,
			append(keyArgs(key), tile.Blob, len(tile.Blob), created.UnixMilli())...)
		return err
	})
	if err != nil {
		return s.fail("put", key.String(), err)
	}

	tile.Created = created
	info := storage.TileInfo{Key: key, Size: int64(len(tile.Blob))}
	if existed {
		s.listeners.SendTileUpdated(info, oldSize)
	} else {
		s.listeners.SendTileStored(info)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tile *storage.TileObject) (bool, error) {
	if err := tile.Validate(); err != nil {
		return false, &storage.Error{Op: "get", Err: err}
	}
	key := tile.Key()
	if err := s.checkOpen("get", key.String()); err != nil {
		return false, err
	}

	var (
		data    []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT data, created FROM tiles WHERE `+keyWhere, keyArgs(key)...).Scan(&data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.fail("get", key.String(), err)
	}
	tile.Blob = data
	tile.Created = time.UnixMilli(created)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, tile *storage.TileObject) (bool, error) {
	if err := tile.Validate(); err != nil {
		return false, &storage.Error{Op: "delete", Err: err}
	}
	key := tile.Key()
	if err := s.checkOpen("delete", key.String()); err != nil {
		return false, err
	}

	var (
		size  int64
		found bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT size FROM tiles WHERE `+keyWhere, keyArgs(key)...).Scan(&size)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		_, err = tx.ExecContext(ctx, `DELETE FROM tiles WHERE `+keyWhere, keyArgs(key)...)
		return err
	})
	if err != nil {
		return false, s.fail("delete", key.String(), err)
	}
	if found {
		s.listeners.SendTileDeleted(storage.TileInfo{Key: key, Size: size})
	}
	return found, nil
}

// DeleteRange deletes one zoom level per transaction.
func (s *Store) DeleteRange(ctx context.Context, tr *types.TileRange) (int64, error) {
	ts := storage.RangeTileSet(tr)
	if err := s.checkOpen("delete_range", ts.String()); err != nil {
		return 0, err
	}

	const where = `layer = ? AND gridset = ? AND format = ? AND params_id = ? AND z = ?
AND x BETWEEN ? AND ? AND y BETWEEN ? AND ?`

	var total int64
	for _, c := range tr.Coverages() {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		args := []any{ts.Layer, ts.GridSet, ts.Format, ts.ParametersID, c.Zoom(), c.MinX(), c.MaxX(), c.MinY(), c.MaxY()}

		var removed []storage.TileInfo
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			rows, err := tx.QueryContext(ctx, `SELECT x, y, size FROM tiles WHERE `+where, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				info := storage.TileInfo{Key: storage.TileKey{TileSet: ts, Z: c.Zoom()}}
				if err := rows.Scan(&info.Key.X, &info.Key.Y, &info.Size); err != nil {
					return err
				}
				removed = append(removed, info)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `DELETE FROM tiles WHERE `+where, args...)
			return err
		})
		if err != nil {
			return total, s.fail("delete_range", ts.String(), err)
		}

		for _, info := range removed {
			s.listeners.SendTileDeleted(info)
		}
		total += int64(len(removed))
	}
	return total, nil
}

func (s *Store) DeleteByParametersID(ctx context.Context, layer, parametersID string) error {
	if err := s.checkOpen("delete_by_parameters", layer); err != nil {
		return err
	}

	var sets []storage.TileSet
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT DISTINCT gridset, format FROM tiles WHERE layer = ? AND params_id = ?`, layer, parametersID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			ts := storage.TileSet{Layer: layer, ParametersID: parametersID}
			if err := rows.Scan(&ts.GridSet, &ts.Format); err != nil {
				return err
			}
			sets = append(sets, ts)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM tiles WHERE layer = ? AND params_id = ?`, layer, parametersID)
		return err
	})
	if err != nil {
		return s.fail("delete_by_parameters", layer, err)
	}
	for _, ts := range sets {
		s.listeners.SendTileSetDeleted(ts)
	}
	return nil
}

func (s *Store) DeleteLayer(ctx context.Context, layer string) error {
	if err := s.checkOpen("delete_layer", layer); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE layer = ?`, layer); err != nil {
		return s.fail("delete_layer", layer, err)
	}
	s.listeners.SendLayerDeleted(layer)
	return nil
}

func (s *Store) DeleteGridSubset(ctx context.Context, layer, gridSet string) error {
	key := layer + "/" + gridSet
	if err := s.checkOpen("delete_gridsubset", key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE layer = ? AND gridset = ?`, layer, gridSet); err != nil {
		return s.fail("delete_gridsubset", key, err)
	}
	s.listeners.SendGridSubsetDeleted(layer, gridSet)
	return nil
}

func (s *Store) RenameLayer(ctx context.Context, oldName, newName string) error {
	if err := s.checkOpen("rename_layer", oldName); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles WHERE layer = ?`, newName).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return storage.ErrLayerExists
		}
		_, err := tx.ExecContext(ctx, `UPDATE tiles SET layer = ? WHERE layer = ?`, newName, oldName)
		return err
	})
	if errors.Is(err, storage.ErrLayerExists) {
		return &storage.Error{Op: "rename_layer", Key: newName, Err: err}
	}
	if err != nil {
		return s.fail("rename_layer", oldName, err)
	}
	s.listeners.SendLayerRenamed(oldName, newName)
	return nil
}

func (s *Store) AddListener(l storage.Listener) { s.listeners.Add(l) }

func (s *Store) RemoveListener(l storage.Listener) bool { return s.listeners.Remove(l) }

// Path returns the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Info("SQLite blob store closed", "path", s.path)
	return s.db.Close()
}
