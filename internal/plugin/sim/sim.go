// Package sim provides simulated devices for development nodes and tests.
//
// The entry exposes three devices: a clock that reports the time, a relay
// that accepts on, off and toggle commands, and a counter whose step is
// set through its configuration parameters.
package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
)

// Device classes.
const (
	ClassClock   = "RIoT2.Plugins.Sim.Clock"
	ClassRelay   = "RIoT2.Plugins.Sim.Relay"
	ClassCounter = "RIoT2.Plugins.Sim.Counter"
)

var (
	errNotStarted     = errors.New("sim: device not started")
	errUnknownCommand = errors.New("sim: unknown command")
)

// Entry is the simulated plugin entry point.
type Entry struct {
	clock   *Clock
	relay   *Relay
	counter *Counter
}

// NewEntry creates an entry whose device IDs start with prefix.
func NewEntry(prefix string) *Entry {
	return &Entry{
		clock:   &Clock{id: prefix + "-clock", now: time.Now},
		relay:   &Relay{id: prefix + "-relay"},
		counter: &Counter{id: prefix + "-counter", step: 1},
	}
}

func (e *Entry) Name() string { return "sim" }

// Initialize registers GET /devices, which lists the simulated state.
func (e *Entry) Initialize(_ context.Context, reg plugin.Registrar) error {
	reg.Handle(http.MethodGet, "/devices", http.HandlerFunc(e.handleDevices))
	return nil
}

func (e *Entry) Devices() []device.Driver {
	return []device.Driver{e.clock, e.relay, e.counter}
}

func (e *Entry) handleDevices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck // best effort write
		"relay":   e.relay.StateMessage(),
		"counter": e.counter.value(),
	})
}

// run tracks the started flag every simulated device shares.
type run struct {
	mu      sync.Mutex
	started bool
}

func (r *run) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *run) Stop(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}

func (r *run) isStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// =============================================================================
// Clock
// =============================================================================

// Clock reports the current time on every refresh.
type Clock struct {
	run
	id  string
	now func() time.Time
}

func (c *Clock) ID() string    { return c.id }
func (c *Clock) Name() string  { return "Simulated clock" }
func (c *Clock) Class() string { return ClassClock }

func (c *Clock) Refresh(context.Context) ([]device.Report, error) {
	if !c.isStarted() {
		return nil, errNotStarted
	}
	payload, err := json.Marshal(map[string]string{"time": c.now().UTC().Format(time.RFC3339)})
	if err != nil {
		return nil, err
	}
	return []device.Report{{Name: "time", Payload: payload}}, nil
}

// =============================================================================
// Relay
// =============================================================================

// Relay is a switch that accepts on, off and toggle.
type Relay struct {
	run
	id string

	stateMu sync.Mutex
	on      bool
}

func (r *Relay) ID() string    { return r.id }
func (r *Relay) Name() string  { return "Simulated relay" }
func (r *Relay) Class() string { return ClassRelay }

func (r *Relay) Execute(_ context.Context, cmd device.Command) error {
	if !r.isStarted() {
		return errNotStarted
	}
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	switch cmd.Name {
	case "on":
		r.on = true
	case "off":
		r.on = false
	case "toggle":
		r.on = !r.on
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd.Name)
	}
	return nil
}

func (r *Relay) StateMessage() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.on {
		return "on"
	}
	return "off"
}

func (r *Relay) ConfigurationTemplate(context.Context) (device.Configuration, error) {
	return device.Configuration{
		ID:            r.id,
		Name:          r.Name(),
		ClassFullName: ClassRelay,
		CommandTemplates: []device.CommandTemplate{
			{ID: "on", Name: "Switch on", Type: "switch"},
			{ID: "off", Name: "Switch off", Type: "switch"},
			{ID: "toggle", Name: "Toggle", Type: "switch"},
		},
		ReportTemplates:  []device.ReportTemplate{},
		DeviceParameters: map[string]string{},
	}, nil
}

// =============================================================================
// Counter
// =============================================================================

// Counter adds its configured step on every refresh.
type Counter struct {
	run
	id string

	countMu sync.Mutex
	step    int
	count   int
}

func (c *Counter) ID() string    { return c.id }
func (c *Counter) Name() string  { return "Simulated counter" }
func (c *Counter) Class() string { return ClassCounter }

// Configure reads the "step" parameter. A missing parameter resets the step to 1.
func (c *Counter) Configure(_ context.Context, cfg device.Configuration) error {
	step := 1
	if raw, ok := cfg.DeviceParameters["step"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return fmt.Errorf("sim: invalid step %q", raw)
		}
		step = n
	}
	c.countMu.Lock()
	c.step = step
	c.countMu.Unlock()
	return nil
}

func (c *Counter) Refresh(context.Context) ([]device.Report, error) {
	if !c.isStarted() {
		return nil, errNotStarted
	}
	c.countMu.Lock()
	c.count += c.step
	n := c.count
	c.countMu.Unlock()

	payload, err := json.Marshal(map[string]int{"value": n})
	if err != nil {
		return nil, err
	}
	return []device.Report{{Name: "count", Payload: payload}}, nil
}

func (c *Counter) value() int {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.count
}
