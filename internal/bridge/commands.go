package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

// handleCommand decodes a command and queues it. It runs on the MQTT
// delivery goroutine and never blocks on a device.
func (b *Bridge) handleCommand(_ string, payload []byte) error {
	b.stats.commandsReceived.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.stats.messagesMalformed.Add(1)
		return fmt.Errorf("%w: command: %v", ErrMalformedMessage, err)
	}
	if cmd.DeviceID == "" || cmd.Command == "" {
		b.stats.messagesMalformed.Add(1)
		return fmt.Errorf("%w: command needs deviceId and command", ErrMalformedMessage)
	}

	if b.stopping() {
		b.stats.commandsDropped.Add(1)
		return ErrStopped
	}

	select {
	case b.commands <- cmd:
		b.publishAck(newAck(cmd, AckAccepted))
		return nil
	default:
		b.stats.commandsDropped.Add(1)
		b.logger.Warn("command queue full, dropping command",
			"command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command)
		b.publishAck(newAckError(cmd, ErrCodeBusy, ErrQueueFull))
		return nil
	}
}

// commandWorker executes queued commands until Stop.
func (b *Bridge) commandWorker() {
	defer b.workerWG.Done()
	for {
		select {
		case <-b.done:
			return
		case cmd := <-b.commands:
			b.executeCommand(cmd)
		}
	}
}

func (b *Bridge) executeCommand(cmd CommandMessage) {
	ctx, cancel := context.WithTimeout(b.ctx, b.commandTimeout)
	defer cancel()

	b.logger.Info("executing command",
		"command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command)

	err := b.registry.Execute(ctx, cmd.DeviceID, device.Command{
		ID:      cmd.ID,
		Name:    cmd.Command,
		Payload: cmd.Payload,
	})
	if err != nil {
		b.stats.commandsFailed.Add(1)
		b.logger.Warn("command failed",
			"command_id", cmd.ID, "device_id", cmd.DeviceID, "command", cmd.Command, "error", err)
		b.publishAck(newAckError(cmd, errorCode(err), err))
		return
	}
	b.publishAck(newAck(cmd, AckCompleted))
}

// publishAck publishes a command acknowledgement.
func (b *Bridge) publishAck(ack AckMessage) {
	if err := b.publishJSON(b.topics.Ack(), ack); err != nil {
		b.logger.Error("failed to publish ack", "command_id", ack.CommandID, "error", err)
	}
}
