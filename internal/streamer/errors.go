package streamer

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations. Classify with errors.Is.
var (
	// ErrInvalidState indicates a lifecycle method or setter was called out of order.
	ErrInvalidState = errors.New("invalid session state")

	// ErrUnsupportedCodec indicates no encoder advertises the requested media type.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrDeviceConfig indicates a device rejected the requested parameters.
	ErrDeviceConfig = errors.New("device configuration failed")
)

// Background pump errors. These never change the session state.
var (
	// ErrPumpFatal indicates a drain pump observed an unrecognised device status.
	ErrPumpFatal = errors.New("pump fatal")

	// ErrCaptureFailure indicates the capture device reported a read failure.
	ErrCaptureFailure = errors.New("capture failure")
)

// StateError reports the operation that was rejected and the state it was
// rejected in.
type StateError struct {
	Op    string
	State SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("can't %s in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}
