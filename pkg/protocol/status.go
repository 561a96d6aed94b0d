package protocol

import "fmt"

// Code classifies an RPC failure. The zero value means success.
type Code uint32

const (
	CodeOK              Code = 0
	CodeInvalidArgument Code = 3
	CodeAlreadyExists   Code = 6
	CodeUnimplemented   Code = 12
	CodeInternal        Code = 13
	CodeUnauthenticated Code = 16
)

// String returns the canonical name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeUnimplemented:
		return "Unimplemented"
	case CodeInternal:
		return "Internal"
	case CodeUnauthenticated:
		return "Unauthenticated"
	default:
		return fmt.Sprintf("Code(%d)", uint32(c))
	}
}

// Error is an RPC-visible failure carrying a status code. It is what
// handlers return and what travels on the wire inside a CallStatus.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// Errorf builds an *Error with the given code.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the code from err. A nil error maps to CodeOK, a
// non-*Error maps to CodeInternal.
func StatusOf(err error) *Error {
	if err == nil {
		return &Error{Code: CodeOK}
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
