// Package device provides the Device Registry for the RIoT2 node.
//
// The Registry owns every device the plugin loader produced and is the only
// component that calls into driver code. The Scheduler, the message bus
// Bridge and the HTTP surface all go through it.
//
// # Architecture
//
//	┌──────────────┐   drivers    ┌───────────────────────────────────────┐
//	│ plugin.Loader│─────────────▶│               Registry                │
//	└──────────────┘              │                                       │
//	                              │  gate (semaphore)                     │
//	┌──────────────┐  TryRefresh  │   ├─ ApplyConfiguration  weight = all │
//	│  scheduler   │─────────────▶│   ├─ Refresh / TryRefresh  weight = 1 │
//	└──────────────┘              │   └─ Execute               weight = 1 │
//	┌──────────────┐   Execute    │                                       │
//	│    bridge    │─────────────▶│  per device: opMu, state, binding     │
//	└──────────────┘◀─── Events ──│                                       │
//	                              └───────────────────────────────────────┘
//
// # Lifecycle
//
// Each device moves through Unknown, Stopped, Configuring and Running.
// Error is reachable from any lifecycle call that fails, times out or
// panics. ApplyConfiguration runs StopAllDevices, ConfigureDevices and
// StartAllDevices(true) while holding the whole gate, so a concurrent
// refresh or command never sees a device between the stop and the start.
//
// Devices in Unknown were never started and are excluded from Statuses.
//
// # Capabilities
//
// Capabilities are resolved once in NewRegistry from the optional driver
// interfaces (Refresher, Commander, TemplateProvider, Configurable), and
// narrowed by CapabilityDeclarer when a driver declares its own set.
//
// # Usage
//
//	reg, err := device.NewRegistry(drivers, device.Options{
//	    Source:           syncService,
//	    OperationTimeout: cfg.GetOperationTimeout(),
//	    Logger:           log,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := reg.ApplyConfiguration(ctx); err != nil {
//	    for _, le := range device.LifecycleErrors(err) {
//	        log.Warn("device failed", "device_id", le.DeviceID, "op", le.Op)
//	    }
//	}
package device
