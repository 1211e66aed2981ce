package device

import (
	"context"
	"errors"
)

// ApplyConfiguration runs StopAllDevices, ConfigureDevices and
// StartAllDevices(notify=true) as one sequence.
//
// The sequence holds the registry gate for its whole duration, so no
// refresh or command reaches a device between the stop and the start.
// Device failures do not abort the sequence; they are returned joined.
func (r *Registry) ApplyConfiguration(ctx context.Context) error {
	if err := r.gate.Acquire(ctx, gateWeight); err != nil {
		return err
	}
	defer r.gate.Release(gateWeight)

	r.logger.Info("applying device configuration", "devices", len(r.devices))

	stopErr := r.StopAllDevices(ctx)
	configureErr := r.ConfigureDevices(ctx)
	startErr := r.StartAllDevices(ctx, true)

	err := errors.Join(stopErr, configureErr, startErr)
	failed := len(LifecycleErrors(err))
	r.logger.Info("device configuration applied", "devices", len(r.devices), "failed", failed)
	return err
}

// Shutdown stops every device. It waits for a running sequence to finish
// unless ctx expires first, in which case it stops devices anyway.
func (r *Registry) Shutdown(ctx context.Context) error {
	if err := r.gate.Acquire(ctx, gateWeight); err != nil {
		r.logger.Warn("lifecycle gate not acquired before shutdown, stopping anyway", "error", err)
		return r.StopAllDevices(context.WithoutCancel(ctx))
	}
	defer r.gate.Release(gateWeight)
	return r.StopAllDevices(ctx)
}

// StopAllDevices calls Stop on every started device in registry order.
//
// A failing stop sets that device to StateError and does not prevent the
// remaining devices from stopping. Devices that were never started move
// to StateStopped without a driver call.
//
// Callers outside a configuration update should use Shutdown or ApplyConfiguration.
func (r *Registry) StopAllDevices(ctx context.Context) error {
	var errs []error
	for _, d := range r.devices {
		if err := r.stopDevice(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) stopDevice(ctx context.Context, d *Device) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if !d.isStarted() {
		_, msg := d.State()
		r.transition(d, StateStopped, msg, false)
		return nil
	}

	if err := r.call(ctx, d.driver.Stop); err != nil {
		le := lifecycleError(d, OpStop, err)
		r.logger.Error("device stop failed", "device_id", d.ID(), "device", d.Name(), "error", err)
		r.transition(d, StateError, err.Error(), true)
		return le
	}

	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	r.transition(d, StateStopped, stateMessage(d), false)
	return nil
}

// ConfigureDevices binds a configuration to every device and applies it to
// devices with the configure capability. It never starts or stops devices.
//
// Binding order: class and instance ID both match, then the first unbound
// configuration for the class, then a configuration for the instance ID.
// Unmatched devices keep a synthesized default.
func (r *Registry) ConfigureDevices(ctx context.Context) error {
	var cfg *NodeDeviceConfiguration
	if r.source != nil {
		cfg = r.source.DeviceConfiguration()
	}
	bindings := bind(r.devices, cfg)

	var errs []error
	for i, d := range r.devices {
		if err := r.configureDevice(ctx, d, bindings[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) configureDevice(ctx context.Context, d *Device, b binding) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	d.config = b.config
	d.matched = b.matched
	d.mu.Unlock()

	// A device that failed to stop keeps its Error state and is not
	// reconfigured while its driver may still be running.
	if d.isStarted() {
		return nil
	}

	_, msg := d.State()
	r.transition(d, StateConfiguring, msg, false)

	if !b.matched || !d.caps.Has(CapConfigure) {
		return nil
	}

	configurable, _ := d.driver.(Configurable)
	conf := b.config.Clone()
	err := r.call(ctx, func(ctx context.Context) error {
		return configurable.Configure(ctx, conf)
	})
	if err != nil {
		r.logger.Error("device configure failed", "device_id", d.ID(), "device", d.Name(), "error", err)
		r.transition(d, StateError, err.Error(), true)
		return lifecycleError(d, OpConfigure, err)
	}
	return nil
}

// StartAllDevices calls Start on every device in registry order.
//
// Devices that are already started or in StateError (a failed configure
// or stop in this sequence) are skipped. With notify set, every device that
// starts successfully emits one state event, so the orchestrator learns of
// it without waiting for the scheduler.
func (r *Registry) StartAllDevices(ctx context.Context, notify bool) error {
	var errs []error
	for _, d := range r.devices {
		if err := r.startDevice(ctx, d, notify); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) startDevice(ctx context.Context, d *Device, notify bool) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if d.isStarted() {
		return nil
	}
	if state, _ := d.State(); state == StateError {
		r.logger.Warn("skipping start of device in error state", "device_id", d.ID(), "device", d.Name())
		return nil
	}

	if err := r.call(ctx, d.driver.Start); err != nil {
		r.logger.Error("device start failed", "device_id", d.ID(), "device", d.Name(), "error", err)
		r.transition(d, StateError, err.Error(), true)
		return lifecycleError(d, OpStart, err)
	}

	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	r.transition(d, StateRunning, stateMessage(d), notify)
	r.logger.Info("device started", "device_id", d.ID(), "device", d.Name())
	return nil
}
