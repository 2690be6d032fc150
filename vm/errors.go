package vm

import "fmt"

// ErrorKind classifies the machine's failure modes. Every error raised by
// the core carries exactly one kind; the host decides what to do with it
// (in practice: print and exit nonzero).
type ErrorKind int

const (
	// Load-time kinds.
	ErrBundle ErrorKind = iota
	ErrJSONDecode
	ErrUnknownOpcode
	ErrMissingField
	ErrUnresolvedLabel
	ErrUndefinedGlobal
	ErrUnknownSysFunction

	// Run-time kinds.
	ErrType
	ErrArity
	ErrDivByZero
	ErrStackOverflow
	ErrStackUnderflow
	ErrOutOfMemory
	ErrRecursiveLazyForce
	ErrAssertion
)

var errorKindNames = map[ErrorKind]string{
	ErrBundle:             "BundleError",
	ErrJSONDecode:         "JsonDecode",
	ErrUnknownOpcode:      "UnknownOpcode",
	ErrMissingField:       "MissingField",
	ErrUnresolvedLabel:    "UnresolvedLabel",
	ErrUndefinedGlobal:    "UndefinedGlobal",
	ErrUnknownSysFunction: "UnknownSysFunction",
	ErrType:               "TypeError",
	ErrArity:              "ArityError",
	ErrDivByZero:          "DivByZero",
	ErrStackOverflow:      "StackOverflow",
	ErrStackUnderflow:     "StackUnderflow",
	ErrOutOfMemory:        "OutOfMemory",
	ErrRecursiveLazyForce: "RecursiveLazyForce",
	ErrAssertion:          "AssertionError",
}

// String returns the kind's diagnostic name.
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a machine diagnostic: a kind plus a message. The core never
// recovers from its own errors; they propagate to the host unchanged.
type Error struct {
	Kind    ErrorKind
	Message string
	wrapped error
}

// Errorf builds an Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around an underlying cause,
// preserving it for errors.Unwrap.
func WrapError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), wrapped: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Message
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.wrapped
}

// IsKind reports whether err is a machine Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if me, ok := err.(*Error); ok && me.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
