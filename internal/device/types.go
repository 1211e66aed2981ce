package device

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// State is a device's lifecycle state.
type State string

// Lifecycle states. Unknown means the device was never started and is
// hidden from external status queries.
const (
	StateUnknown     State = "Unknown"
	StateStopped     State = "Stopped"
	StateConfiguring State = "Configuring"
	StateRunning     State = "Running"
	StateError       State = "Error"
)

// Capability is one optional behaviour a device supports.
type Capability uint8

// Capabilities a device may carry.
const (
	// CapReport marks a device the scheduler refreshes on its schedule.
	CapReport Capability = 1 << iota
	// CapCommand marks a device that executes commands from the bus.
	CapCommand
	// CapTemplate marks a device that describes its own configuration template.
	CapTemplate
	// CapConfigure marks a device that accepts a DeviceConfiguration.
	CapConfigure
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapReport, "report"},
	{CapCommand, "command"},
	{CapTemplate, "template"},
	{CapConfigure, "configure"},
}

// Capabilities is the tagged capability set attached to a device at registration.
type Capabilities Capability

// Has reports whether c is in the set.
func (cs Capabilities) Has(c Capability) bool {
	return Capability(cs)&c != 0
}

// With returns the set plus c.
func (cs Capabilities) With(c Capability) Capabilities {
	return Capabilities(Capability(cs) | c)
}

// Names lists the capabilities in a stable order.
func (cs Capabilities) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, cn := range capabilityNames {
		if cs.Has(cn.cap) {
			names = append(names, cn.name)
		}
	}
	return names
}

func (cs Capabilities) String() string {
	return strings.Join(cs.Names(), ",")
}

// MarshalJSON encodes the set as a list of names.
func (cs Capabilities) MarshalJSON() ([]byte, error) {
	return json.Marshal(cs.Names())
}

// UnmarshalJSON decodes a list of names; unknown names are rejected.
func (cs *Capabilities) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseCapabilities(names)
	if err != nil {
		return err
	}
	*cs = parsed
	return nil
}

// ParseCapabilities builds a set from capability names.
func ParseCapabilities(names []string) (Capabilities, error) {
	var cs Capabilities
	for _, name := range names {
		found := false
		for _, cn := range capabilityNames {
			if cn.name == name {
				cs = cs.With(cn.cap)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
		}
	}
	return cs, nil
}

// CommandTemplate describes one command a device accepts.
type CommandTemplate struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Type  string          `json:"type,omitempty"`
	Model json.RawMessage `json:"model,omitempty"`
}

// ReportTemplate describes one report a device produces.
type ReportTemplate struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type,omitempty"`
	Address string          `json:"address,omitempty"`
	Model   json.RawMessage `json:"model,omitempty"`
}

// Configuration is the orchestrator-supplied description of one device.
//
// ClassFullName matches the driver class; ID matches the device instance.
// CommandTemplates is null for devices that do not accept commands.
type Configuration struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	ClassFullName    string            `json:"classFullName"`
	RefreshSchedule  string            `json:"refreshSchedule,omitempty"`
	CommandTemplates []CommandTemplate `json:"commandTemplates"`
	ReportTemplates  []ReportTemplate  `json:"reportTemplates"`
	DeviceParameters map[string]string `json:"deviceParameters"`
}

// Clone returns a deep copy so bound configurations are never shared.
func (c Configuration) Clone() Configuration {
	out := c
	if c.CommandTemplates != nil {
		out.CommandTemplates = make([]CommandTemplate, len(c.CommandTemplates))
		copy(out.CommandTemplates, c.CommandTemplates)
	}
	if c.ReportTemplates != nil {
		out.ReportTemplates = make([]ReportTemplate, len(c.ReportTemplates))
		copy(out.ReportTemplates, c.ReportTemplates)
	}
	if c.DeviceParameters != nil {
		out.DeviceParameters = make(map[string]string, len(c.DeviceParameters))
		for k, v := range c.DeviceParameters {
			out.DeviceParameters[k] = v
		}
	}
	return out
}

// NodeDeviceConfiguration is the full payload pushed by the orchestrator.
// It is immutable once received; a new push replaces it wholesale.
type NodeDeviceConfiguration struct {
	Devices   []Configuration `json:"devices"`
	PluginURL string          `json:"pluginUrl,omitempty"`
}

// Command is one inbound command for a device.
type Command struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Report is one value produced by a refresh.
type Report struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Status is the externally visible snapshot of a device.
type Status struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
	State   State  `json:"state"`
}

// EventKind identifies what an Event carries.
type EventKind string

// Event kinds emitted by the registry.
const (
	EventState  EventKind = "state"
	EventReport EventKind = "report"
)

// Event is a state change or report published to subscribers.
type Event struct {
	Kind       EventKind `json:"kind"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	State      State     `json:"state,omitempty"`
	Message    string    `json:"message,omitempty"`
	Report     *Report   `json:"report,omitempty"`
	Time       time.Time `json:"time"`
}
