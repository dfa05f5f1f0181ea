package util

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedStream    = errors.New("malformed stream")
	ErrUnsupportedHeader  = errors.New("unsupported header")
	ErrNotLoaded          = errors.New("range not loaded")
	ErrLookupInconsistent = errors.New("lookup table inconsistent")
	ErrCanceled           = errors.New("canceled")
)

// Malformed wraps ErrMalformedStream with a description.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedStream, fmt.Sprintf(format, args...))
}

// Unsupported wraps ErrUnsupportedHeader with a description.
func Unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedHeader, fmt.Sprintf(format, args...))
}

// IsMalformed reports whether err comes from bad input rather than I/O.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedStream)
}
