package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/revolutionized-iot2/riot2-node/internal/infrastructure/config"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin/mcpplugin"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin/sim"
)

// devPackageName is the marker file that selects the compiled-in
// simulated package on development nodes.
const devPackageName = "sim"

// packageOpener opens compiled-in packages by name and runs every other
// package file as an out-of-process plugin.
type packageOpener struct {
	builtin  plugin.StaticOpener
	external plugin.Opener
}

// newPackageOpener creates the node's opener. Compiled-in packages are
// only available in development mode.
func newPackageOpener(cfg *config.Config, logger mcpplugin.Logger) *packageOpener {
	o := &packageOpener{
		external: mcpplugin.NewOpener(mcpplugin.OpenerOptions{
			Env: []string{
				"RIOT2_NODE_ID=" + cfg.Node.ID,
				"RIOT2_NODE_URL=" + cfg.Node.URL,
			},
			Version: version,
			Logger:  logger,
		}),
	}
	if cfg.Node.DevMode {
		o.builtin = plugin.StaticOpener{
			devPackageName: func() plugin.Package {
				return plugin.NewPackage(devPackageName, sim.NewEntry(cfg.Node.ID))
			},
		}
	}
	return o
}

func (o *packageOpener) Open(ctx context.Context, path string) (plugin.Package, error) {
	if _, ok := o.builtin[filepath.Base(path)]; ok {
		return o.builtin.Open(ctx, path)
	}
	return o.external.Open(ctx, path)
}

// ensureDevPackage gives a development plugin directory without package
// files the simulated package, so a fresh development node has devices.
func ensureDevPackage(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating plugin directory: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading plugin directory: %w", err)
	default:
		for _, e := range entries {
			if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
				return nil
			}
		}
	}
	marker := filepath.Join(dir, devPackageName)
	return os.WriteFile(marker, []byte("compiled-in simulated devices\n"), 0o600)
}
