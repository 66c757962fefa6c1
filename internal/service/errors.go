package service

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation names an unknown record id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned for records that break the data model.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrInvalidSetting is returned for rejected settings values.
	ErrInvalidSetting = errors.New("invalid setting")

	// ErrRemoteUnavailable covers every sync failure: offline, timeout,
	// non-2xx answers and malformed bodies.
	ErrRemoteUnavailable = errors.New("remote unavailable")
)

// ParseError reports bytes that are not an array of record-shaped objects.
type ParseError struct {
	Index int // element index, -1 for the payload as a whole
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse error: %v", e.Err)
	}
	return fmt.Sprintf("parse error at element %d: %v", e.Index, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func unavailable(err error) error {
	if errors.Is(err, ErrRemoteUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
}
