package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the unit, spill and engine packages. A missing
// key is never an error: lookups report it through a found flag.
var (
	// ErrDataCorruption marks a payload that could not be decompressed or
	// decoded. It is scoped to one unit.
	ErrDataCorruption = errors.New("data corruption")

	// ErrCapacityExceeded marks a spill that would overflow the secondary
	// region. The spill is skipped; the unit stays in memory.
	ErrCapacityExceeded = errors.New("secondary storage capacity exceeded")

	// ErrConfiguration marks invalid construction parameters.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrEngineClosed is returned by operations started after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")

	// ErrEmptyKey is returned when a unit key is empty.
	ErrEmptyKey = errors.New("key cannot be empty")

	// ErrContentTooLarge is returned when encoded content exceeds the
	// configured per-unit limit.
	ErrContentTooLarge = errors.New("content exceeds maximum unit size")
)

// CorruptionError reports a decompression or decode fault for one key.
type CorruptionError struct {
	Key string
	Err error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("unit %q: %v: %v", e.Key, ErrDataCorruption, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is.
func (e *CorruptionError) Unwrap() []error {
	return []error{ErrDataCorruption, e.Err}
}
