package types

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrInvalidParameter reports a bad volume, zone or sector range. No state was mutated.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrZoneNotOpen is returned by operations on a zone that has not been opened.
	ErrZoneNotOpen = errors.New("zone is not open")

	// ErrZoneAlreadyOpen is returned when opening a zone twice.
	ErrZoneAlreadyOpen = errors.New("zone is already open")

	// ErrNoFreeBlocks is returned when garbage collection and merging cannot produce a free block.
	ErrNoFreeBlocks = errors.New("no free blocks available")

	// ErrOutOfMemory is returned when a zone cannot be allocated within its configured budget.
	ErrOutOfMemory = errors.New("zone allocation budget exceeded")

	// ErrUnformatted is returned when no valid directory header or root info is found.
	ErrUnformatted = errors.New("zone is not formatted")

	// ErrCorrupted is returned when a record fails its zero-bit-count check.
	ErrCorrupted = errors.New("corrupted record")

	// ErrCRCMismatch is returned when sector data does not match its stored CRC.
	ErrCRCMismatch = errors.New("sector CRC mismatch")

	// ErrPartitionLocked is returned once a zone has been locked after a failed relocation.
	ErrPartitionLocked = errors.New("partition is locked")

	// ErrInvariant reports a broken internal invariant: a logic bug or undetected corruption.
	ErrInvariant = errors.New("internal invariant violated")

	// ErrMetaFull is returned when the meta blocks cannot hold the live records.
	ErrMetaFull = errors.New("meta blocks exhausted")
)

// ErrorKind classifies errors into the recovery taxonomy.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindParameter
	KindIO
	KindResource
	KindCorruption
	KindLocked
)

// String returns the kind name
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindParameter:
		return "parameter"
	case KindIO:
		return "io"
	case KindResource:
		return "resource"
	case KindCorruption:
		return "corruption"
	case KindLocked:
		return "locked"
	}
	return "unknown"
}

// KindOf classifies err. Errors not raised by the translation layer itself come from
// the flash adapter and are reported as I/O errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidParameter), errors.Is(err, ErrZoneNotOpen), errors.Is(err, ErrZoneAlreadyOpen):
		return KindParameter
	case errors.Is(err, ErrNoFreeBlocks), errors.Is(err, ErrOutOfMemory), errors.Is(err, ErrMetaFull):
		return KindResource
	case errors.Is(err, ErrUnformatted), errors.Is(err, ErrCorrupted), errors.Is(err, ErrInvariant):
		return KindCorruption
	case errors.Is(err, ErrPartitionLocked):
		return KindLocked
	}
	return KindIO
}

// Invariantf builds an ErrInvariant error carrying a stack trace
func Invariantf(format string, args ...any) error {
	return pkgerrors.WithStack(fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...)))
}

// Paramf builds an ErrInvalidParameter error
func Paramf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}
