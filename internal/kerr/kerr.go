// Package kerr defines the small set of error kinds the kernel core
// surfaces to syscall handlers as negative return codes.
package kerr

import "github.com/pkg/errors"

// Kind classifies a kernel error into one of the ABI-visible buckets.
type Kind int

const (
	InvalidArgument Kind = iota
	NotFound
	WouldBlock
	OutOfResources
	AlreadyExists
	Deadlock
)

var codes = map[Kind]int{
	InvalidArgument: -1,
	NotFound:        -1,
	WouldBlock:      -2,
	OutOfResources:  -1,
	AlreadyExists:   -1,
	Deadlock:        -0xDEAD,
}

// kernError is the sentinel carried by errors.Cause.
type kernError struct {
	kind Kind
	msg  string
}

func (e *kernError) Error() string { return e.msg }

// New creates an error of the given kind with a call-site message, wrapped
// so callers can still errors.Wrap it with more context further up.
func New(kind Kind, msg string) error {
	return &kernError{kind: kind, msg: msg}
}

// Code translates err (possibly wrapped) to its syscall ABI return value.
// Errors with no recognized kind map to -1.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var ke *kernError
	if errors.As(err, &ke) {
		return codes[ke.kind]
	}
	return -1
}

// Is reports whether err (possibly wrapped) is of the given kind.
func Is(err error, kind Kind) bool {
	var ke *kernError
	if !errors.As(err, &ke) {
		return false
	}
	return ke.kind == kind
}

// Exported sentinels for the common cases, used with errors.Wrap at
// call sites that want a stack-carrying wrapped error.
var (
	ErrNotFound       = New(NotFound, "not found")
	ErrAlreadyExists  = New(AlreadyExists, "already exists")
	ErrWouldBlock     = New(WouldBlock, "would block")
	ErrOutOfResources = New(OutOfResources, "out of resources")
	ErrInvalidArg     = New(InvalidArgument, "invalid argument")
	ErrDeadlock       = New(Deadlock, "deadlock detected")
)
