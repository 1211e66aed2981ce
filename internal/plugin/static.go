package plugin

import (
	"context"
	"fmt"
	"path/filepath"
)

// StaticOpener opens compiled-in packages by file name. A file in the
// plugin directory selects the package registered under its base name.
type StaticOpener map[string]func() Package

// Open returns the package registered for the file's base name.
func (o StaticOpener) Open(_ context.Context, path string) (Package, error) {
	factory, ok := o[filepath.Base(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, filepath.Base(path))
	}
	return factory(), nil
}

// NewPackage builds an in-process Package from entries.
func NewPackage(name string, entries ...Entry) Package {
	return &staticPackage{name: name, entries: entries}
}

type staticPackage struct {
	name    string
	entries []Entry
}

func (p *staticPackage) Name() string     { return p.name }
func (p *staticPackage) Entries() []Entry { return p.entries }
func (p *staticPackage) Close() error     { return nil }
