// Package process supervises the node process.
//
// Manager runs one child process in its own process group and restarts it
// when it fails, with a doubling delay and an attempt limit. Exit codes
// carry meaning:
//   - 0 ends supervision
//   - RestartExitCode (75) relaunches immediately without counting as a failure
//   - ConfigErrorExitCode (78) is not retried
//
// An optional health check acts as a watchdog: after three consecutive
// failures the process group is killed and treated as failed.
//
// Inside the node, RestartSignal lets components such as the plugin
// updater ask for a relaunch. The node then stops cleanly and exits with
// RestartExitCode, which either `riotnode supervise` or systemd
// (Restart=always) turns into a new process.
//
// Example usage:
//
//	mgr := process.NewManager(process.DefaultConfig("riotnode", exe, []string{"run"}))
//	mgr.SetLogger(log.With("component", "supervisor"))
//
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	<-mgr.Done()
package process
