// Package configsync owns the node configuration and the plugin package
// self-update.
//
// The orchestrator pushes a NodeDeviceConfiguration over the bus. The
// bridge validates it with ParseDeviceConfiguration and hands it to
// SetDeviceConfiguration, which replaces the active configuration and
// notifies the registered handlers in order:
//
//	svc := configsync.New(configsync.Options{
//	    Identity:   func() (configsync.NodeConfiguration, error) { return configsync.IdentityFromConfig(cfg), nil },
//	    Store:      configsync.NewSQLiteManifestStore(db.DB),
//	    Fetcher:    configsync.NewHTTPFetcher(configsync.FetcherOptions{Timeout: cfg.GetDownloadTimeout()}),
//	    Supervisor: restart,
//	    PluginDir:  cfg.Node.PluginDir,
//	    StagingDir: cfg.Node.StagingDir,
//	})
//	svc.Handle(applyToRegistry, svc.PluginUpdateHandler())
//
// # Self-update
//
// When a configuration names a plugin package URL, CheckForUpdate fetches
// only the package metadata. A different filename (or no package loaded
// at all) downloads the package into the staging directory, records it in
// the "staged" manifest slot and asks the Supervisor to restart the node.
// Loaded code is never swapped in place: on the next boot
// InstallPluginPackage moves the staged file into the plugin directory
// before the plugin loader runs.
//
// Any failure leaves the installed package and the applied configuration
// untouched and is reported as a *SyncError.
package configsync
