// Package bookerr names the error kinds of the order book core. The
// journal, snapshot and recovery packages wrap ErrJournalIO, ErrCapacity
// and ErrSnapshotIO into the errors they return; the book itself reports
// failures as plain booleans and uses none of them. Public operations still surface
// plain booleans or the recovery.Status enum per the external contract;
// these sentinels exist so internal callers can use errors.Is instead of
// string matching when logging or deciding retry behavior.
package bookerr

import "errors"

var (
	// ErrInvalidArgument covers bad input: wrong symbol, duplicate order
	// ID, non-positive execute quantity.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers cancel/execute against an unknown order id.
	ErrNotFound = errors.New("order not found")

	// ErrTerminal covers mutation attempts against an order whose status
	// is already terminal.
	ErrTerminal = errors.New("order already terminal")

	// ErrJournalIO covers mmap/ftruncate/msync/rename failures during
	// journal append or compaction.
	ErrJournalIO = errors.New("journal I/O error")

	// ErrSnapshotIO covers snapshot read/write failures. A corrupt
	// snapshot is treated as absent, not fatal.
	ErrSnapshotIO = errors.New("snapshot I/O error")

	// ErrRecoveryMismatch covers a journal entry referencing an order id
	// absent at replay time; the entry is skipped, replay continues.
	ErrRecoveryMismatch = errors.New("recovery mismatch")

	// ErrCapacity covers a journal append that would exceed the
	// configured maximum file size.
	ErrCapacity = errors.New("journal capacity exceeded")
)
