package device

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultRefreshSchedule is the cron expression given to report devices
// that have no configured schedule.
const DefaultRefreshSchedule = "0 * * * *"

type binding struct {
	config  Configuration
	matched bool
}

// bind pairs each device with at most one configuration entry, and each
// entry with at most one device. Devices are visited in registry order
// for each pass so the outcome is deterministic.
func bind(devices []*Device, cfg *NodeDeviceConfiguration) []binding {
	out := make([]binding, len(devices))
	if cfg == nil || len(cfg.Devices) == 0 {
		for i, d := range devices {
			out[i] = binding{config: defaultConfiguration(d)}
		}
		return out
	}

	used := make([]bool, len(cfg.Devices))
	done := make([]bool, len(devices))

	claim := func(i int, match func(d *Device, c Configuration) bool) {
		d := devices[i]
		for j, c := range cfg.Devices {
			if used[j] || !match(d, c) {
				continue
			}
			used[j] = true
			done[i] = true
			out[i] = binding{config: c.Clone(), matched: true}
			return
		}
	}

	passes := []func(d *Device, c Configuration) bool{
		func(d *Device, c Configuration) bool {
			return c.ClassFullName == d.Class() && c.ID != "" && c.ID == d.ID()
		},
		func(d *Device, c Configuration) bool {
			return c.ClassFullName == d.Class()
		},
		func(d *Device, c Configuration) bool {
			return c.ID != "" && c.ID == d.ID()
		},
	}
	for _, match := range passes {
		for i := range devices {
			if !done[i] {
				claim(i, match)
			}
		}
	}

	for i, d := range devices {
		if !done[i] {
			out[i] = binding{config: defaultConfiguration(d)}
		}
	}
	return out
}

// defaultConfiguration is the configuration an unmatched device keeps.
// It has no refresh schedule, so the scheduler leaves the device alone.
func defaultConfiguration(d *Device) Configuration {
	cfg := Configuration{
		ID:               d.ID(),
		Name:             d.Name(),
		ClassFullName:    d.Class(),
		ReportTemplates:  []ReportTemplate{},
		DeviceParameters: map[string]string{},
	}
	if d.caps.Has(CapCommand) {
		cfg.CommandTemplates = []CommandTemplate{}
	}
	return cfg
}

// DefaultTemplate synthesizes the template for a device that does not
// provide its own. It is named after the device class, without its
// namespace. Report devices get the hourly DefaultRefreshSchedule.
func DefaultTemplate(d *Device) Configuration {
	cfg := Configuration{
		ID:               uuid.NewString(),
		Name:             shortClassName(d.Class()),
		ClassFullName:    d.Class(),
		ReportTemplates:  []ReportTemplate{},
		DeviceParameters: map[string]string{},
	}
	if d.caps.Has(CapReport) {
		cfg.RefreshSchedule = DefaultRefreshSchedule
	}
	if d.caps.Has(CapCommand) {
		cfg.CommandTemplates = []CommandTemplate{}
	}
	return cfg
}

// shortClassName strips the namespace from a class name:
// "RIoT2.Plugins.Sim.Counter" becomes "Counter".
func shortClassName(class string) string {
	return class[strings.LastIndex(class, ".")+1:]
}
