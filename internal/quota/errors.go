package quota

// ============================================================================
// Quota error definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a journal record whose CRC32 does not match
	ErrChecksumMismatch = errors.New("quota: journal checksum mismatch")
	// ErrCorruptedJournal indicates a record that cannot be parsed
	ErrCorruptedJournal = errors.New("quota: journal is corrupted")
	// ErrJournalClosed is returned by operations after Close
	ErrJournalClosed = errors.New("quota: journal already closed")

	// ErrCorruptedSnapshot indicates an unreadable snapshot file
	ErrCorruptedSnapshot = errors.New("quota: snapshot file is corrupted")
	// ErrIncompatibleVersion indicates a snapshot written by another schema
	ErrIncompatibleVersion = errors.New("quota: snapshot schema version is incompatible")

	// ErrStoreClosed is returned by Checkpoint after Close
	ErrStoreClosed = errors.New("quota: store closed")
)

// ChecksumError carries the record that failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("quota: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrChecksumMismatch }

// CorruptionError locates a record that could not be decoded.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("quota: journal corrupted at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedJournal }

func (e *CorruptionError) Unwrap() error { return e.Cause }
