package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ConfigSource supplies the configuration ConfigureDevices binds.
// configsync.Service implements it.
type ConfigSource interface {
	DeviceConfiguration() *NodeDeviceConfiguration
}

const (
	// DefaultOperationTimeout bounds a single driver call.
	DefaultOperationTimeout = 30 * time.Second

	// gateWeight is the semaphore weight the lifecycle sequence takes;
	// refreshes and commands take 1.
	gateWeight = 1 << 30
)

// Options configures a Registry.
type Options struct {
	// Source provides the bound configuration. Nil means every device keeps its default.
	Source ConfigSource

	// OperationTimeout bounds each driver call. Defaults to DefaultOperationTimeout.
	OperationTimeout time.Duration

	Logger Logger
}

// Device is the registry's handle over one driver instance.
//
// State and configuration are only changed by Registry operations.
type Device struct {
	driver Driver
	caps   Capabilities

	// opMu serialises driver calls for this device.
	opMu sync.Mutex

	mu      sync.RWMutex
	state   State
	message string
	config  Configuration
	matched bool
	started bool
}

// ID returns the device's stable identifier.
func (d *Device) ID() string { return d.driver.ID() }

// Name returns the display name.
func (d *Device) Name() string { return d.driver.Name() }

// Class returns the type identifier configurations match on.
func (d *Device) Class() string { return d.driver.Class() }

// Capabilities returns the capability set resolved at registration.
func (d *Device) Capabilities() Capabilities { return d.caps }

// State returns the lifecycle state and last status message.
func (d *Device) State() (State, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state, d.message
}

// Status returns the externally visible snapshot.
func (d *Device) Status() Status {
	state, msg := d.State()
	return Status{ID: d.ID(), Name: d.Name(), Message: msg, State: state}
}

// Configuration returns a copy of the bound configuration and whether it
// came from the orchestrator rather than the synthesized default.
func (d *Device) Configuration() (Configuration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config.Clone(), d.matched
}

func (d *Device) isStarted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started
}

// Registry owns the node's devices and runs every lifecycle transition.
//
// Devices keep load order. The Scheduler and Bridge resolve devices by ID at
// use time and never cache handles across configuration reloads.
//
// Concurrency: a weighted semaphore serialises the Stop, Configure, Start
// sequence (full weight) against refreshes and commands (weight 1). Each
// device additionally serialises its own driver calls.
type Registry struct {
	devices []*Device
	byID    map[string]*Device

	source  ConfigSource
	gate    *semaphore.Weighted
	timeout time.Duration
	logger  Logger

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// NewRegistry registers drivers in the given order and resolves each one's
// capability set.
//
// Returns:
//   - *Registry: Registry with every device in StateUnknown
//   - error: ErrNoDevices for an empty set, ErrDuplicateDevice for repeated IDs
func NewRegistry(drivers []Driver, opts Options) (*Registry, error) {
	if len(drivers) == 0 {
		return nil, ErrNoDevices
	}

	r := &Registry{
		devices: make([]*Device, 0, len(drivers)),
		byID:    make(map[string]*Device, len(drivers)),
		source:  opts.Source,
		gate:    semaphore.NewWeighted(gateWeight),
		timeout: opts.OperationTimeout,
		logger:  opts.Logger,
		subs:    make(map[int]chan Event),
	}
	if r.timeout <= 0 {
		r.timeout = DefaultOperationTimeout
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}

	for _, drv := range drivers {
		id := drv.ID()
		if _, exists := r.byID[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, id)
		}
		d := &Device{
			driver: drv,
			caps:   resolveCapabilities(drv),
			state:  StateUnknown,
		}
		d.config = defaultConfiguration(d)
		r.devices = append(r.devices, d)
		r.byID[id] = d
		r.logger.Debug("device registered", "device_id", id, "class", drv.Class(), "capabilities", d.caps.String())
	}

	return r, nil
}

// Devices returns the devices in registry order.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Device looks up a device by ID.
func (r *Registry) Device(id string) (*Device, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Statuses returns one entry per device that is not in StateUnknown, in registry order.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.devices))
	for _, d := range r.devices {
		st := d.Status()
		if st.State == StateUnknown {
			continue
		}
		out = append(out, st)
	}
	return out
}

// Subscribe returns a channel of registry events and a function that
// cancels the subscription. Events are dropped, never queued without
// bound, when the subscriber falls behind.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			delete(r.subs, id)
			r.subsMu.Unlock()
			close(ch)
		})
	}
}

func (r *Registry) emit(ev Event) {
	ev.Time = time.Now().UTC()

	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("event subscriber full, dropping event",
				"device_id", ev.DeviceID, "kind", ev.Kind)
		}
	}
}

// transition sets a device's state. Events go out only when emit is set.
func (r *Registry) transition(d *Device, state State, message string, emit bool) {
	d.mu.Lock()
	prev := d.state
	d.state = state
	d.message = message
	d.mu.Unlock()

	if prev != state {
		r.logger.Debug("device state changed", "device_id", d.ID(), "from", prev, "to", state)
	}
	if emit {
		r.emit(Event{
			Kind:       EventState,
			DeviceID:   d.ID(),
			DeviceName: d.Name(),
			State:      state,
			Message:    message,
		})
	}
}

// stateMessage returns the driver's own status message, if it reports one.
func stateMessage(d *Device) string {
	if m, ok := d.driver.(StateMessenger); ok {
		return m.StateMessage()
	}
	return ""
}

// call runs fn against driver code with the operation timeout and panic
// recovery. A driver that ignores its context is abandoned after the
// timeout; its goroutine finishes in the background.
func (r *Registry) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%w: %v", ErrDriverPanic, p)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w after %v", ErrCallTimeout, r.timeout)
		}
		return ctx.Err()
	}
}

func lifecycleError(d *Device, op Op, err error) *LifecycleError {
	return &LifecycleError{DeviceID: d.ID(), DeviceName: d.Name(), Op: op, Err: err}
}
