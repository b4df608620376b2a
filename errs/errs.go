// Package errs defines the sentinel error kinds shared by every layer of the
// allocator, and the small wrapping helpers used to attach context to them.
package errs

import "fmt"

// Sentinel error kinds, per the allocator's error-handling contract. Callers
// use errors.Is against these; every wrapped error produced by this module
// unwraps to exactly one of them.
var (
	// ErrOutOfMemory covers both "the OS refused to grant pages" and
	// "the request exceeds max_class".
	ErrOutOfMemory = fmt.Errorf("allocator: out of memory")

	// ErrInvalidArgument covers malformed size/alignment/flag combinations
	// rejected before any page hook or bin is touched.
	ErrInvalidArgument = fmt.Errorf("allocator: invalid argument")

	// ErrUnmanagedPointer is returned when free/realloc/usable_size is
	// handed a pointer the radix tree does not resolve to an active extent.
	ErrUnmanagedPointer = fmt.Errorf("allocator: unmanaged pointer")

	// ErrCorruption covers invariant violations detected at runtime: a
	// region bitmap that disagrees with its free count, a radix entry that
	// points at a freed extent, a bin list that doesn't contain its
	// current slab.
	ErrCorruption = fmt.Errorf("allocator: internal corruption detected")

	// ErrConfiguration is returned by config.Parse for any malformed
	// name:value pair in the configuration vocabulary.
	ErrConfiguration = fmt.Errorf("allocator: invalid configuration")
)

// Wrap attaches msg as context to err while keeping err (and therefore the
// sentinel it wraps) discoverable via errors.Is/errors.As.
func Wrap(err error, msg string) error {
	if err == nil {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// New is a thin alias kept for parity with the teacher's utils.NewError,
// used where a layer needs a plain, unsentineled error.
func New(msg string) error {
	return fmt.Errorf("%s", msg)
}
