// Package errs defines the error taxonomy of spec §7: a small set of
// sentinel-wrapped kinds callers can distinguish with errors.Is/As instead
// of string matching.
package errs

import "fmt"

// Kind is one of the taxonomy's error classes.
type Kind string

const (
	// InvalidSpec: configuration error, fatal at load.
	InvalidSpec Kind = "invalid_spec"
	// TransportError: connection closed/refused/reset; recoverable by
	// reconnect on next use.
	TransportError Kind = "transport_error"
	// Timeout: operation exceeded its budget.
	Timeout Kind = "timeout"
	// ModbusException: the device returned a Modbus exception PDU.
	ModbusException Kind = "modbus_exception"
	// MissingRegisters: parser-local, affects one parameter for one tick.
	MissingRegisters Kind = "missing_registers"
	// Truncated: an undersized register slice was handed to the codec.
	Truncated Kind = "truncated"
	// BackpressureFull: observed only internally when a bounded channel
	// would otherwise block past its caller's cancellation.
	BackpressureFull Kind = "backpressure_full"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Code    byte // populated for ModbusException
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, errs.Sentinel(errs.Timeout)) style checks: any
// *Error target matches when its Kind equals e's Kind, whatever its other
// fields hold.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func ModbusExc(code byte) error {
	return &Error{Kind: ModbusException, Code: code, Message: fmt.Sprintf("exception code %d", code)}
}

// Sentinel returns a zero-value *Error of the given kind, suitable as the
// target of errors.Is(err, errs.Sentinel(errs.Timeout)).
func Sentinel(kind Kind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
