package stream

import "errors"

// Error kinds surfaced by the stream core. Callers match with [errors.Is];
// the C-shaped client surface converts to errno-style integers via [Errno].
var (
	// ErrInvalidArgument covers bad configs, malformed opaque payloads,
	// unknown vendor UUIDs, and duplicate user IDs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound covers missing engines and missing capture profiles.
	ErrNotFound = errors.New("not found")

	// ErrResourceExhausted covers allocation failures.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrIO covers reads outside Buffering and engine/device I/O failures
	// surfaced verbatim.
	ErrIO = errors.New("i/o error")

	// ErrPrecondition covers operations issued during subsystem restart
	// from a non-matching saved client state.
	ErrPrecondition = errors.New("precondition failed")

	// ErrTransient covers engine start failures; the caller may retry after
	// the stream unwinds to its predecessor state.
	ErrTransient = errors.New("transient failure")
)

// errno values for the integer return surface.
const (
	errnoENOENT = 2
	errnoEIO    = 5
	errnoENOMEM = 12
	errnoEINVAL = 22
)

// Errno maps an error to the stream API's errno-style return code: 0 on nil,
// a negative errno otherwise. Unclassified errors report as I/O failures.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrPrecondition):
		return -errnoEINVAL
	case errors.Is(err, ErrNotFound):
		return -errnoENOENT
	case errors.Is(err, ErrResourceExhausted):
		return -errnoENOMEM
	default:
		return -errnoEIO
	}
}
