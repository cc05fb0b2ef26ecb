// internal/stream/errors.go
package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrHistoryExpired means the source can no longer replay from the
	// requested checkpoint.
	ErrHistoryExpired = errors.New("event history expired")
	// ErrDeviceChanged means the watched path now lives on another volume,
	// so the checkpoint belongs to a different event numbering.
	ErrDeviceChanged = errors.New("watched path changed device")
	// ErrAlreadyRunning is returned by Prepare while a pass is active.
	ErrAlreadyRunning = errors.New("stream already running")
	// ErrRunnerFailed is reported when a session ends without being stopped.
	ErrRunnerFailed = errors.New("stream runner failed")
)

// StartError is returned when a runner could not open its session.
type StartError struct {
	Kind Kind
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %s stream: %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}
