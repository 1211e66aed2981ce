package bridge

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

// CommandMessage is an inbound command envelope.
// Topic: riot2/node/{id}/command
type CommandMessage struct {
	// ID correlates the command with its acknowledgements. Optional.
	ID string `json:"id,omitempty"`

	DeviceID string          `json:"deviceId"`
	Command  string          `json:"command"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AckStatus is the outcome reported for a command.
type AckStatus string

const (
	// AckAccepted means the command was queued for a worker.
	AckAccepted AckStatus = "accepted"

	// AckCompleted means the device executed the command.
	AckCompleted AckStatus = "completed"

	// AckFailed means the command was dropped or the device rejected it.
	AckFailed AckStatus = "failed"
)

// Error codes for failed commands.
const (
	ErrCodeNotFound    = "DEVICE_NOT_FOUND"
	ErrCodeUnsupported = "COMMAND_UNSUPPORTED"
	ErrCodeNotRunning  = "DEVICE_NOT_RUNNING"
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeBusy        = "BUSY"
	ErrCodeDevice      = "DEVICE_ERROR"
)

// AckMessage is published for every accepted, completed or failed command.
// Topic: riot2/node/{id}/ack
type AckMessage struct {
	CommandID string    `json:"commandId,omitempty"`
	DeviceID  string    `json:"deviceId"`
	Command   string    `json:"command"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newAck(cmd CommandMessage, status AckStatus) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Command:   cmd.Command,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

func newAckError(cmd CommandMessage, code string, err error) AckMessage {
	ack := newAck(cmd, AckFailed)
	ack.Error = &AckError{Code: code, Message: err.Error()}
	return ack
}

// errorCode maps an Execute error to an ack error code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeNotFound
	case errors.Is(err, device.ErrCapabilityUnsupported):
		return ErrCodeUnsupported
	case errors.Is(err, device.ErrNotRunning):
		return ErrCodeNotRunning
	case errors.Is(err, device.ErrCallTimeout):
		return ErrCodeTimeout
	default:
		return ErrCodeDevice
	}
}

// StatusMessage is published when a device changes state.
// Topic: riot2/node/{id}/status
type StatusMessage struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     device.State `json:"state"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
}

// ReportMessage carries one refresh report.
// Topic: riot2/node/{id}/report
type ReportMessage struct {
	DeviceID   string          `json:"deviceId"`
	DeviceName string          `json:"deviceName"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}
