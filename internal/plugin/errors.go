package plugin

import (
	"errors"
	"fmt"
)

// Domain errors for the plugin package.
var (
	// ErrNoEntryPoints is returned when a package exposes no entries.
	ErrNoEntryPoints = errors.New("plugin: package has no entry points")

	// ErrNoDevices is returned by the caller when every package together yields no devices.
	ErrNoDevices = errors.New("plugin: no devices loaded")

	// ErrLoadTimeout is returned when opening or initialising a package exceeds its limit.
	ErrLoadTimeout = errors.New("plugin: load timed out")

	// ErrPluginPanic wraps a panic recovered while loading a package.
	ErrPluginPanic = errors.New("plugin: panic during load")

	// ErrUnknownPackage is returned by StaticOpener for an unregistered file.
	ErrUnknownPackage = errors.New("plugin: unknown package")
)

// LoadError reports one package that was excluded from the device set.
type LoadError struct {
	Package string
	Path    string
	Entry   string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("plugin %s: entry %s: %v", e.Package, e.Entry, e.Err)
	}
	return fmt.Sprintf("plugin %s: %v", e.Package, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
