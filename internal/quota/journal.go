package quota

// ============================================================================
// Quota journal - append-only record of usage changes
// ============================================================================
//
// File format: one JSON event per line, each with a CRC32 over its payload.
//
// Sequence numbers never go back: Rotate empties the file but keeps the
// counter, so a snapshot's LastSeq always separates applied from pending
// events.
//
// Appends are buffered and flushed when the buffer fills, when the flush
// interval has passed, or when the caller forces it.
//
// A final line that fails to decode is a torn write from a crash and is
// ignored on replay; a bad line anywhere else is corruption.
//
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/tileseed/internal/storage"
)

// EventType names a usage change.
type EventType string

const (
	EventAdd            EventType = "ADD"             // bytes/tiles delta on one tile set
	EventDropSet        EventType = "DROP_SET"        // tile set removed
	EventDropLayer      EventType = "DROP_LAYER"      // every tile set of a layer removed
	EventDropGridSubset EventType = "DROP_GRIDSUBSET" // every tile set of a layer and gridset removed
	EventRenameLayer    EventType = "RENAME_LAYER"
)

// Event is one journal record.
type Event struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Set       storage.TileSet `json:"set"`
	NewLayer  string          `json:"new_layer,omitempty"`
	Bytes     int64           `json:"bytes,omitempty"`
	Tiles     int64           `json:"tiles,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Checksum  uint32          `json:"checksum"`
}

// EventHandler applies a replayed event.
type EventHandler func(ev Event) error

type syncWriter interface {
	io.Writer
	Sync() error
	Close() error
}

// Journal is the append-only event log.
type Journal struct {
	mu      sync.Mutex
	file    syncWriter
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// OpenJournal opens or creates the journal at path and continues numbering
// after its last event.
func OpenJournal(path string) (*Journal, error) {
	var seq uint64
	err := replayFile(path, 0, func(ev Event) error {
		seq = ev.Seq
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append assigns the next sequence number and checksum and buffers ev.
func (j *Journal) Append(ev Event, forceFlush bool) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrJournalClosed
	}

	j.seq++
	ev.Seq = j.seq
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	ev.Checksum = CalculateChecksum(ev)
	j.buffer = append(j.buffer, ev)

	if forceFlush || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		if err := j.flushLocked(); err != nil {
			return ev.Seq, err
		}
	}
	return ev.Seq, nil
}

// Flush writes buffered events and syncs the file.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	return j.flushLocked()
}

func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, ev := range j.buffer {
		if err := j.encoder.Encode(ev); err != nil {
			return fmt.Errorf("failed to write journal event %d: %w", ev.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}

// Replay flushes pending events and hands every event with seq > after to
// handler, in order.
func (j *Journal) Replay(after uint64, handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	return replayFile(j.path, after, handler)
}

// Rotate flushes and empties the journal. The sequence counter continues.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		j.closed = true
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	j.file = file
	j.encoder = json.NewEncoder(file)
	j.lastFlushTime = time.Now()
	return nil
}

// AdvanceTo raises the sequence counter to at least seq.
func (j *Journal) AdvanceTo(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq = max(j.seq, seq)
}

// LastSeq returns the sequence number of the last appended event.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the file. The journal cannot be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.flushLocked(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// replayFile reads the journal at path. A missing file returns os.ErrNotExist.
func replayFile(path string, after uint64, handler EventHandler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			lines = append(lines, append([]byte(nil), line...))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	for i, line := range lines {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			if i == len(lines)-1 {
				log.Warn("Ignoring torn journal tail", "path", path, "line", i+1, "error", err)
				return nil
			}
			return &CorruptionError{Line: i + 1, Cause: err}
		}
		if want := CalculateChecksum(ev); want != ev.Checksum {
			return &ChecksumError{Seq: ev.Seq, Expected: want, Actual: ev.Checksum}
		}
		if ev.Seq <= after {
			continue
		}
		if err := handler(ev); err != nil {
			return err
		}
	}
	return nil
}
