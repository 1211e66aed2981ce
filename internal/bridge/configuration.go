package bridge

import (
	"bytes"
	"fmt"

	"github.com/revolutionized-iot2/riot2-node/internal/configsync"
)

// handleConfiguration validates a pushed configuration and hands it to
// the configuration worker. The newest message replaces any still pending.
func (b *Bridge) handleConfiguration(_ string, payload []byte) error {
	b.stats.configsReceived.Add(1)

	cfg, err := configsync.ParseDeviceConfiguration(payload)
	if err != nil {
		b.stats.messagesMalformed.Add(1)
		return fmt.Errorf("%w: configuration: %v", ErrMalformedMessage, err)
	}

	b.configReceived.Store(true)
	b.firstOnce.Do(func() { close(b.firstConfig) })

	if b.stopping() {
		return ErrStopped
	}

	b.configMu.Lock()
	b.pendingConfig = &pendingConfig{raw: bytes.Clone(payload), cfg: cfg}
	b.configMu.Unlock()

	select {
	case b.configSignal <- struct{}{}:
	default:
	}
	return nil
}

// configWorker applies configurations one at a time. The broker redelivers
// the retained configuration after every reconnect; a payload identical to
// the last applied one is skipped.
func (b *Bridge) configWorker() {
	defer b.workerWG.Done()

	var last []byte
	for {
		select {
		case <-b.done:
			return
		case <-b.configSignal:
		}

		b.configMu.Lock()
		p := b.pendingConfig
		b.pendingConfig = nil
		b.configMu.Unlock()
		if p == nil {
			continue
		}
		if last != nil && bytes.Equal(last, p.raw) {
			b.logger.Debug("configuration unchanged, skipping")
			continue
		}

		b.logger.Info("applying configuration", "devices", len(p.cfg.Devices))
		if err := b.configSync.SetDeviceConfiguration(b.ctx, p.cfg); err != nil {
			b.logger.Error("configuration applied with errors", "error", err)
		}
		b.stats.configsApplied.Add(1)
		last = p.raw
	}
}
