package durability

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal means a journal file could not be parsed as a
	// sequence of JSON events.
	ErrCorruptedJournal = errors.New("durability: journal file is corrupted")

	// ErrChecksumMismatch means a decoded event's checksum did not match
	// its recomputed value.
	ErrChecksumMismatch = errors.New("durability: checksum mismatch")

	// ErrJournalClosed means an Append was attempted after Close.
	ErrJournalClosed = errors.New("durability: journal is closed")
)

// ChecksumError formats the sequence number and checksums of a checksum
// failure. The journal itself reports checksum failures with the
// ErrChecksumMismatch sentinel and does not construct a ChecksumError.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("durability: checksum mismatch at seq=%d (expected=0x%x, got=0x%x)", e.Seq, e.Expected, e.Actual)
}
