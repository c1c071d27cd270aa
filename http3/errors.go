package http3

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/3 wire error code, sent on a QUIC CONNECTION_CLOSE
// when the core tears down the transport after a protocol violation.
type ErrorCode uint64

const (
	ErrNoError              ErrorCode = 0x100
	ErrGeneralProtocolError ErrorCode = 0x101
	ErrInternalError        ErrorCode = 0x102
	ErrStreamCreationError  ErrorCode = 0x103
	ErrClosedCriticalStream ErrorCode = 0x104
	ErrFrameUnexpected      ErrorCode = 0x105
	ErrFrameError           ErrorCode = 0x106
	ErrExcessiveLoad        ErrorCode = 0x107
	ErrIDError              ErrorCode = 0x108
	ErrSettingsError        ErrorCode = 0x109
	ErrMissingSettings      ErrorCode = 0x10a
	ErrRequestRejected      ErrorCode = 0x10b
	ErrRequestCancelled     ErrorCode = 0x10c
	ErrRequestIncomplete    ErrorCode = 0x10d
	ErrMessageError         ErrorCode = 0x10e
	ErrConnectError         ErrorCode = 0x10f
	ErrVersionFallback      ErrorCode = 0x110

	// ErrQpackDecompressionFailed is the decoder-stream error space, but
	// it's the wire code a QPACK decode failure closes the connection with.
	ErrQpackDecompressionFailed ErrorCode = 0x200
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNoError:
		return "H3_NO_ERROR"
	case ErrGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrInternalError:
		return "H3_INTERNAL_ERROR"
	case ErrStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case ErrFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrFrameError:
		return "H3_FRAME_ERROR"
	case ErrExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case ErrIDError:
		return "H3_ID_ERROR"
	case ErrSettingsError:
		return "H3_SETTINGS_ERROR"
	case ErrMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrRequestRejected:
		return "H3_REQUEST_REJECTED"
	case ErrRequestCancelled:
		return "H3_REQUEST_CANCELLED"
	case ErrRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case ErrMessageError:
		return "H3_MESSAGE_ERROR"
	case ErrConnectError:
		return "H3_CONNECT_ERROR"
	case ErrVersionFallback:
		return "H3_VERSION_FALLBACK"
	case ErrQpackDecompressionFailed:
		return "QPACK_DECOMPRESSION_FAILED"
	default:
		return fmt.Sprintf("unknown H3 error code: %#x", uint64(e))
	}
}

// Kind classifies an Error by control-flow role: local-only, must-close, or
// surfaced to the application.
type Kind int

const (
	KindDone Kind = iota // no work / would-block; never closes
	KindBufferTooShort
	KindStreamBlocked // transport capacity insufficient; retry on writable
	KindInternalError
	KindExcessiveLoad
	KindIDError
	KindStreamCreationError
	KindClosedCriticalStream
	KindMissingSettings
	KindFrameUnexpected
	KindFrameError
	KindQpackDecompressionFailed
	KindSettingsError
	KindTransportError // propagated from the Transport, not closed by us
	KindRequestRejected
	KindRequestCancelled
	KindRequestIncomplete
	KindMessageError
	KindConnectError
	KindVersionFallback
)

// wireCode reports the wire ErrorCode a Kind closes the transport with, and
// whether this Kind closes at all.
func (k Kind) wireCode() (ErrorCode, bool) {
	switch k {
	case KindInternalError:
		return ErrInternalError, true
	case KindExcessiveLoad:
		return ErrExcessiveLoad, true
	case KindIDError:
		return ErrIDError, true
	case KindStreamCreationError:
		return ErrStreamCreationError, true
	case KindClosedCriticalStream:
		return ErrClosedCriticalStream, true
	case KindMissingSettings:
		return ErrMissingSettings, true
	case KindFrameUnexpected:
		return ErrFrameUnexpected, true
	case KindFrameError:
		return ErrFrameError, true
	case KindQpackDecompressionFailed:
		return ErrQpackDecompressionFailed, true
	case KindSettingsError:
		return ErrSettingsError, true
	case KindMessageError:
		return ErrMessageError, true
	default:
		return 0, false
	}
}

// Error is the error type returned by every core operation. Done and
// StreamBlocked are ordinary control-flow signals, not bugs; callers
// should inspect Kind rather than treat every non-nil error as fatal.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("h3: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("h3: %s", e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ErrDone and ErrStreamBlocked are the two purely-local sentinels; compare
// against them with errors.Is, or switch on (*Error).Kind directly.
var (
	ErrDone          = &Error{Kind: KindDone, Msg: "done"}
	ErrStreamBlocked = &Error{Kind: KindStreamBlocked, Msg: "stream blocked"}
)

func isKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// IsDone reports whether err is the purely-local "no work right now"
// signal, as opposed to a protocol violation or transport failure.
func IsDone(err error) bool { return isKind(err, KindDone) }

// TransportError is returned by a Transport implementation when an
// operation could not complete. A TransportError whose cause is ErrDone is
// treated as "nothing right now" when reading (no bytes, no error) and as
// ErrStreamBlocked when opening a stream; from every other send-path call,
// and for any other cause, it surfaces to the application wrapped as
// KindTransportError.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("h3 transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// closeForKind maps a protocol-violation Kind to the transport close call
// the connection engine issues before returning the error to the caller.
// Non-closing kinds (Done, BufferTooShort, StreamBlocked, TransportError,
// Request*, ConnectError, VersionFallback) are returned false and left
// untouched.
func closeForKind(t Transport, kind Kind, reason string) bool {
	code, ok := kind.wireCode()
	if !ok {
		return false
	}
	_ = t.Close(true, uint64(code), []byte(reason))
	return true
}
