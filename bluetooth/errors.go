package bluetooth

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned for operations issued with no device link.
	ErrNotConnected = errors.New("not connected")

	// ErrNotReady is returned when the link is up but the command and
	// response characteristics have not both been located yet.
	ErrNotReady = errors.New("characteristics not discovered")

	// ErrAlreadyConnected is returned by Connect when a link already exists
	// or a connection attempt is in progress.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrRequestInFlight is returned when a new exchange is issued while
	// another is outstanding. Requests are rejected, never queued.
	ErrRequestInFlight = errors.New("request already in flight")

	// ErrCancelled is returned to the caller of a transfer that was cancelled
	// locally. The device may still send a few late chunks; they are dropped.
	ErrCancelled = errors.New("cancelled")

	// ErrDisconnected resolves any exchange abandoned by link loss.
	ErrDisconnected = errors.New("disconnected")

	// ErrRequestTimeout resolves an exchange that saw no response activity
	// within the session's request timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnsupportedMask is returned when a mask with bits outside the
	// firmware-supported set is submitted.
	ErrUnsupportedMask = errors.New("mask contains unsupported bits")

	// ErrCountdownActive rejects a start command while already counting.
	ErrCountdownActive = errors.New("countdown already running")

	// ErrNoCountdown rejects a countdown cancel when nothing is counting.
	ErrNoCountdown = errors.New("no countdown running")
)

// DeviceError is a failure explicitly reported by the device firmware,
// e.g. a rejected GNSS mask update.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device reported failure (code 0x%02x)", e.Code)
}
