package plugin

import (
	"context"
	"net/http"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

// Registrar is the surface a plugin entry may use during Initialize to
// add its own HTTP routes. Patterns are relative to the package mount
// point /api/plugins/{package}.
type Registrar interface {
	Handle(method, pattern string, h http.Handler)
}

// Entry is one plugin entry point within a package.
//
// Initialize runs once, before Devices is read. An entry whose Initialize
// fails causes its whole package to be excluded.
type Entry interface {
	Name() string
	Initialize(ctx context.Context, reg Registrar) error
	Devices() []device.Driver
}

// Package is one loaded plugin package.
type Package interface {
	Name() string
	Entries() []Entry
	Close() error
}

// Opener turns a package file into a Package.
type Opener interface {
	Open(ctx context.Context, path string) (Package, error)
}

// Logger defines the logging interface used by the Loader.
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
