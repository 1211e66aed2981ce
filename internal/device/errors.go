package device

import (
	"errors"
	"fmt"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // drop the command
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDuplicateDevice is returned when two drivers share an ID.
	ErrDuplicateDevice = errors.New("device: duplicate id")

	// ErrNoDevices is returned when a registry would be created empty.
	ErrNoDevices = errors.New("device: no devices")

	// ErrCapabilityUnsupported is returned when a device lacks the capability an operation needs.
	ErrCapabilityUnsupported = errors.New("device: capability not supported")

	// ErrUnknownCapability is returned when parsing an unrecognised capability name.
	ErrUnknownCapability = errors.New("device: unknown capability")

	// ErrNotRunning is returned when refreshing or commanding a device that was not started.
	ErrNotRunning = errors.New("device: not running")

	// ErrBusy is returned by TryRefresh while a lifecycle sequence holds the registry.
	ErrBusy = errors.New("device: lifecycle sequence in progress")

	// ErrDriverPanic wraps a panic recovered from driver code.
	ErrDriverPanic = errors.New("device: driver panic")

	// ErrCallTimeout is returned when a driver call exceeds its limit.
	ErrCallTimeout = errors.New("device: driver call timed out")
)

// Op names a lifecycle operation in a LifecycleError.
type Op string

// Lifecycle operations.
const (
	OpStart     Op = "start"
	OpStop      Op = "stop"
	OpConfigure Op = "configure"
	OpRefresh   Op = "refresh"
	OpExecute   Op = "execute"
	OpTemplate  Op = "template"
)

// LifecycleError reports a failed call into one device's driver.
type LifecycleError struct {
	DeviceID   string
	DeviceName string
	Op         Op
	Err        error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("device %s (%s): %s: %v", e.DeviceID, e.DeviceName, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// LifecycleErrors extracts every LifecycleError from err, which may be
// a single error or the errors.Join of several.
func LifecycleErrors(err error) []*LifecycleError {
	if err == nil {
		return nil
	}
	var out []*LifecycleError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, LifecycleErrors(e)...)
		}
		return out
	}
	var le *LifecycleError
	if errors.As(err, &le) {
		out = append(out, le)
	}
	return out
}
