package printer

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied indicates the radio permission is not granted.
	ErrPermissionDenied = errors.New("printer: permission denied")

	// ErrTransportUnavailable indicates the radio is absent or powered off.
	ErrTransportUnavailable = errors.New("printer: transport unavailable")

	// ErrInvalidAddress indicates a malformed target address.
	ErrInvalidAddress = errors.New("printer: invalid address")

	// ErrConnectFailed indicates the link or negotiation was rejected or aborted.
	ErrConnectFailed = errors.New("printer: connect failed")

	// ErrConnectTimeout indicates the connect attempt did not reach the ready state in time.
	ErrConnectTimeout = errors.New("printer: connect timeout")

	// ErrNoWritableTarget indicates negotiation found no writable element.
	ErrNoWritableTarget = errors.New("printer: no writable target")

	// ErrNotConnected indicates an operation requiring a ready connection was attempted without one.
	ErrNotConnected = errors.New("printer: not connected")

	// ErrBusy indicates a transfer is already in flight.
	ErrBusy = errors.New("printer: busy")

	// ErrSendFailed indicates a transfer did not complete. See SendError.
	ErrSendFailed = errors.New("printer: send failed")
)

var (
	// ErrNotSupported indicates the driver does not support the requested operation.
	ErrNotSupported = errors.New("printer: operation not supported by driver")

	// ErrManagerClosed indicates the Manager has been closed.
	ErrManagerClosed = errors.New("printer: manager closed")

	// ErrInvalidTransition indicates an invalid connection state transition.
	ErrInvalidTransition = errors.New("printer: invalid state transition")

	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("printer: connection config is nil")

	// ErrDriverNil indicates that a nil Driver was provided.
	ErrDriverNil = errors.New("printer: driver is nil")
)

// SendError reports a failed transfer with the number of bytes that reached
// the transport before the fault.
//
// errors.Is(err, ErrSendFailed) holds for every SendError, and the
// underlying cause is reachable with errors.Is/errors.As as well.
type SendError struct {
	// Delivered is the number of bytes accepted (stream) or acknowledged
	// (packet with ack) before the failure.
	Delivered int
	// Total is the payload size.
	Total int
	// Err is the cause.
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("printer: send failed: only %d of %d bytes delivered: %v", e.Delivered, e.Total, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}
