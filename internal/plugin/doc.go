// Package plugin discovers and loads device plugin packages.
//
// A package is one file in the plugin directory. The Opener decides what
// the file is: mcpplugin.Opener runs it as a subprocess and talks to it
// over stdio, StaticOpener maps file names to compiled-in packages.
//
// Each package exposes one or more Entry values. The Loader initialises
// every entry with a Registrar for HTTP routes, collects the devices the
// entries expose, and only then commits the package's routes to the
// RouteTable. Any failure excludes the whole package and is returned as a
// *LoadError; other packages are unaffected.
//
// # Usage
//
//	loader, err := plugin.NewLoader(plugin.Options{
//	    Opener: mcpplugin.NewOpener(mcpplugin.OpenerOptions{Logger: log}),
//	    Routes: routes,
//	    Logger: log,
//	})
//	drivers, loadErrs := loader.LoadAll(ctx, cfg.Node.PluginDir)
//	if len(drivers) == 0 {
//	    return plugin.ErrNoDevices
//	}
//	defer loader.Close()
package plugin
