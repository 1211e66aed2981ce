package device

import (
	"context"
	"fmt"
)

// Refresh polls one report device and emits its reports as events.
// It waits for a running lifecycle sequence to finish.
//
// Parameters:
//   - ctx: Context for the wait and the driver call
//   - id: Device ID
//
// Returns:
//   - []Report: Reports produced, also delivered to subscribers
//   - error: ErrDeviceNotFound, ErrCapabilityUnsupported, ErrNotRunning,
//     or a *LifecycleError when the driver fails
func (r *Registry) Refresh(ctx context.Context, id string) ([]Report, error) {
	d, err := r.lookup(id, CapReport)
	if err != nil {
		return nil, err
	}
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.gate.Release(1)
	return r.refresh(ctx, d)
}

// TryRefresh is Refresh without waiting: it returns ErrBusy while a
// lifecycle sequence holds the registry. The scheduler uses it so a tick
// never queues behind a configuration update.
func (r *Registry) TryRefresh(ctx context.Context, id string) ([]Report, error) {
	d, err := r.lookup(id, CapReport)
	if err != nil {
		return nil, err
	}
	if !r.gate.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer r.gate.Release(1)
	return r.refresh(ctx, d)
}

func (r *Registry) refresh(ctx context.Context, d *Device) ([]Report, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if !d.isStarted() {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, d.ID())
	}

	refresher, _ := d.driver.(Refresher)
	var reports []Report
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		reports, err = refresher.Refresh(ctx)
		return err
	})
	if err != nil {
		r.transition(d, StateError, err.Error(), true)
		return nil, lifecycleError(d, OpRefresh, err)
	}

	// A successful refresh clears an earlier refresh failure.
	if state, _ := d.State(); state == StateError {
		r.transition(d, StateRunning, stateMessage(d), true)
	} else {
		d.mu.Lock()
		d.message = stateMessage(d)
		d.mu.Unlock()
	}

	for i := range reports {
		rep := reports[i]
		r.emit(Event{
			Kind:       EventReport,
			DeviceID:   d.ID(),
			DeviceName: d.Name(),
			Report:     &rep,
		})
	}
	return reports, nil
}

// Execute delivers a command to a command device.
//
// A failing command is returned as a *LifecycleError and does not change
// the device's state.
func (r *Registry) Execute(ctx context.Context, id string, cmd Command) error {
	d, err := r.lookup(id, CapCommand)
	if err != nil {
		return err
	}
	if err := r.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.gate.Release(1)

	d.opMu.Lock()
	defer d.opMu.Unlock()

	if !d.isStarted() {
		return fmt.Errorf("%w: %s", ErrNotRunning, d.ID())
	}

	commander, _ := d.driver.(Commander)
	err = r.call(ctx, func(ctx context.Context) error {
		return commander.Execute(ctx, cmd)
	})
	if err != nil {
		r.logger.Warn("device command failed", "device_id", d.ID(), "command", cmd.Name, "error", err)
		return lifecycleError(d, OpExecute, err)
	}

	d.mu.Lock()
	d.message = stateMessage(d)
	d.mu.Unlock()
	return nil
}

// Templates returns one configuration template per device in registry
// order. A device whose template call fails is logged and left out.
func (r *Registry) Templates(ctx context.Context) []Configuration {
	out := make([]Configuration, 0, len(r.devices))
	for _, d := range r.devices {
		if !d.caps.Has(CapTemplate) {
			out = append(out, DefaultTemplate(d))
			continue
		}

		provider, _ := d.driver.(TemplateProvider)
		var tmpl Configuration
		err := r.call(ctx, func(ctx context.Context) error {
			var err error
			tmpl, err = provider.ConfigurationTemplate(ctx)
			return err
		})
		if err != nil {
			r.logger.Warn("device template failed", "device_id", d.ID(), "error", lifecycleError(d, OpTemplate, err))
			continue
		}
		out = append(out, tmpl)
	}
	return out
}

func (r *Registry) lookup(id string, need Capability) (*Device, error) {
	d, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if !d.caps.Has(need) {
		return nil, fmt.Errorf("%w: %s on %s", ErrCapabilityUnsupported, Capabilities(need), id)
	}
	return d, nil
}
