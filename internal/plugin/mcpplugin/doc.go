// Package mcpplugin runs plugin packages as separate processes and talks
// to them with the Model Context Protocol over stdio.
//
// Each package file is an executable. The node side (Opener, Connect)
// starts it, performs the MCP handshake and calls the "describe" tool.
// Entries are initialised with the "initialize" tool, which returns the
// entry's HTTP routes and devices. Every device becomes a proxy driver
// that forwards start, stop, configure, refresh, execute and template to
// the tool of the same name, and declares the capability set the plugin
// reported.
//
// The plugin side (NewServer, Serve) wraps ordinary plugin.Entry values,
// so a package is written exactly like a compiled-in one:
//
//	func main() {
//	    srv := mcpplugin.NewServer("sim", version, sim.NewEntry("sim"))
//	    if err := mcpplugin.Serve(srv); err != nil {
//	        os.Exit(1)
//	    }
//	}
//
// A crash in a plugin process only fails the calls into its own devices.
// The registry records those failures as device errors.
package mcpplugin
