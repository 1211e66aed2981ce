// riotplugin-sim is a plugin package for the RIoT2 node that serves the
// simulated devices over stdio. Copy the binary into the node's plugin
// directory to load it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/revolutionized-iot2/riot2-node/internal/plugin/mcpplugin"
	"github.com/revolutionized-iot2/riot2-node/internal/plugin/sim"
)

// Version information - set at build time via ldflags
var version = "dev"

func main() {
	app := &cli.App{
		Name:    "riotplugin-sim",
		Usage:   "simulated device plugin for the RIoT2 node",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "prefix",
				Value:   "sim",
				Usage:   "device ID prefix",
				EnvVars: []string{"RIOT2_SIM_PREFIX"},
			},
		},
		Action: func(c *cli.Context) error {
			// stdout carries the protocol; diagnostics go to stderr.
			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			log.Info("serving simulated devices", "prefix", c.String("prefix"), "version", version)

			srv := mcpplugin.NewServer("sim", version, sim.NewEntry(c.String("prefix")))
			return mcpplugin.Serve(srv)
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
