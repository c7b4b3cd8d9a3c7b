package engine

import (
	"errors"
	"fmt"
)

// Error taxonomy. InvalidParameter and InvalidData fail fast before any
// simulation state exists; EmptyWindow aborts an optimization whose split
// leaves a side with no rows. Insufficient cash is never an error: the entry
// is skipped and recorded in the run log.
var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidData      = errors.New("invalid data")
	ErrEmptyWindow      = errors.New("empty optimization window")
)

func paramErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

func dataErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidData, fmt.Sprintf(format, args...))
}

func windowErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrEmptyWindow, fmt.Sprintf(format, args...))
}
