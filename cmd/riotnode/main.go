// riotnode is the RIoT2 node agent.
//
// It loads plugin packages, hosts their devices, and connects them to the
// orchestrator over MQTT. The node receives its device configuration and
// plugin package updates from the bus, refreshes report devices on their
// schedules, and answers the orchestrator's HTTP queries.
//
// Commands:
//
//	riotnode run        start the node (default)
//	riotnode supervise  run the node as a child process and relaunch it
//	riotnode version    print build information
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/revolutionized-iot2/riot2-node/internal/process"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/node.yaml"

// errInvalidConfig marks start-up failures caused by the configuration.
// The node exits with process.ConfigErrorExitCode so a supervisor does not
// relaunch it into the same failure.
var errInvalidConfig = errors.New("invalid configuration")

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := newApp().RunContext(ctx, os.Args)
	if code := exitCode(err); code != 0 {
		if !errors.Is(err, process.ErrRestartRequested) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		cancel()
		os.Exit(code) //nolint:gocritic // cancel already ran
	}
}

// newApp builds the command-line application.
func newApp() *cli.App {
	return &cli.App{
		Name:    "riotnode",
		Usage:   "RIoT2 node agent",
		Version: version,
		Flags:   []cli.Flag{configFlag()},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the node",
				Flags: []cli.Flag{configFlag()},
				Action: func(c *cli.Context) error {
					return run(c.Context, c.String("config"))
				},
			},
			{
				Name:  "supervise",
				Usage: "run the node as a child process and relaunch it when it exits",
				Flags: []cli.Flag{
					configFlag(),
					&cli.IntFlag{
						Name:  "max-restarts",
						Value: 10,
						Usage: "consecutive failed starts before giving up (0 is unlimited)",
					},
				},
				Action: func(c *cli.Context) error {
					return supervise(c.Context, c.String("config"), c.Int("max-restarts"))
				},
			},
			{
				Name:  "version",
				Usage: "print build information",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "riotnode %s (commit %s, built %s)\n", version, commit, date)
					return nil
				},
			},
		},
		// Without a command the node runs.
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config"))
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   defaultConfigPath,
		Usage:   "path to the node configuration file",
		EnvVars: []string{"RIOT2_CONFIG"},
	}
}

// exitCode maps run's error to the process exit status.
//
// Returns:
//   - 0 on clean shutdown
//   - process.RestartExitCode when the node asked to be relaunched
//   - process.ConfigErrorExitCode when the configuration is unusable
//   - the child's status for supervise, 1 otherwise
func exitCode(err error) int {
	var exitErr *process.ExitError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, process.ErrRestartRequested):
		return process.RestartExitCode
	case errors.Is(err, errInvalidConfig):
		return process.ConfigErrorExitCode
	case errors.As(err, &exitErr) && exitErr.Code > 0:
		return exitErr.Code
	default:
		return 1
	}
}
