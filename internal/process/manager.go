package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Exit codes with a meaning to the supervisor. The values follow sysexits.h.
const (
	// RestartExitCode is the exit code of a node asking to be relaunched,
	// for example after it staged a plugin update (EX_TEMPFAIL).
	RestartExitCode = 75

	// ConfigErrorExitCode is the exit code of a node that cannot start with
	// its configuration (EX_CONFIG). Relaunching it would fail the same way.
	ConfigErrorExitCode = 78
)

const (
	// maxConsecutiveHealthFailures is how many failed checks kill the process.
	maxConsecutiveHealthFailures = 3

	// healthCheckTimeout bounds a single health check.
	healthCheckTimeout = 5 * time.Second
)

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// Output receives the process's stdout and stderr unchanged.
	// If nil, output is logged line by line at debug level.
	Output io.Writer

	// RestartOnFailure enables automatic restart when the process exits unexpectedly.
	RestartOnFailure bool

	// RestartDelay is the delay before the first restart after a failure.
	// It doubles with each consecutive failure up to MaxRestartDelay.
	RestartDelay time.Duration

	// MaxRestartDelay caps the restart delay.
	MaxRestartDelay time.Duration

	// StableThreshold is how long a process must run before a failure no
	// longer counts as consecutive. The restart count is reset after it.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// RestartExitCode, when non-zero, is the exit code with which the
	// process asks to be relaunched. Such exits restart immediately and do
	// not count as failures.
	RestartExitCode int

	// GracefulTimeout is how long to wait for graceful shutdown before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc is called periodically to verify the process is healthy.
	// If nil, process is considered healthy if running.
	HealthCheckFunc func(ctx context.Context) error

	// HealthCheckInterval is how often to run health checks.
	HealthCheckInterval time.Duration

	// HealthCheckAfterFirstPass ignores failed checks until one has passed,
	// for processes that may wait a long time before serving.
	HealthCheckAfterFirstPass bool

	// OnStart is called when the process starts successfully.
	OnStart func()

	// OnStop is called when the process stops (either normally or due to failure).
	OnStop func(err error)

	// OnRestart is called before each restart attempt after a failure.
	OnRestart func(attempt int)
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:                name,
		Binary:              binary,
		Args:                args,
		RestartOnFailure:    true,
		RestartDelay:        5 * time.Second,
		MaxRestartDelay:     5 * time.Minute,
		StableThreshold:     2 * time.Minute,
		MaxRestartAttempts:  10,
		RestartExitCode:     RestartExitCode,
		GracefulTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RecoverableError is implemented by errors that know whether restarting
// the process can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a process that failed with err should be
// restarted. Errors that do not implement RecoverableError are recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// ExitError reports the exit code of a process that ended on its own.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string       { return fmt.Sprintf("exit status %d", e.Code) }
func (e *ExitError) Unwrap() error       { return e.Err }
func (e *ExitError) IsRecoverable() bool { return e.Code != ConfigErrorExitCode }

// classifyExit returns the exit code of a finished process, or -1 when it
// was killed by a signal or could not be waited for.
func classifyExit(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return ee.ExitCode(), &ExitError{Code: ee.ExitCode(), Err: err}
	}
	return -1, err
}

// Manager manages the lifecycle of a subprocess.
type Manager struct {
	config Config
	logger Logger

	mu              sync.RWMutex
	cmd             *exec.Cmd
	status          Status
	restartCount    int
	restartRequests int
	lastError       error
	startTime       time.Time
	stopRequested   bool

	// Channels for coordination
	done   chan struct{}
	stopCh chan struct{}
}

// NewManager creates a new process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	// Apply defaults for zero values
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 2 * time.Minute
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the subprocess and begins supervising it.
// Returns an error if the process fails to start.
// Cancelling ctx stops the process and ends supervision.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	if m.done != nil && !isClosed(m.done) {
		m.mu.Unlock()
		return fmt.Errorf("process %s is still supervised", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.restartCount = 0
	m.done = make(chan struct{})
	m.stopCh = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		close(done)
		return err
	}

	go m.monitor(ctx, done)

	return nil
}

// startProcess actually starts the subprocess.
func (m *Manager) startProcess(ctx context.Context) error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary is the node executable chosen by the operator

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// A cancelled context asks the group to terminate; WaitDelay kills it
	// if it is still running after the graceful timeout.
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = m.config.GracefulTimeout

	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	if m.config.Output != nil {
		cmd.Stdout = m.config.Output
		cmd.Stderr = m.config.Output
	} else {
		cmd.Stdout = &logWriter{logger: m.logger, name: m.config.Name, stream: "stdout"}
		cmd.Stderr = &logWriter{logger: m.logger, name: m.config.Name, stream: "stderr"}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	stopRequested := m.stopRequested
	m.mu.Unlock()

	// Stop was called while the process was being relaunched.
	if stopRequested {
		signalGroup(cmd, syscall.SIGTERM) //nolint:errcheck // Stop escalates to SIGKILL
	}

	m.logger.Info("process started",
		"name", m.config.Name,
		"pid", cmd.Process.Pid,
	)

	if m.config.OnStart != nil {
		m.config.OnStart()
	}

	return nil
}

// waitForExitOrHealthFailure waits for the process to exit or for a health check to fail.
// If health checks fail repeatedly, it kills the process group and returns an error.
// This implements watchdog functionality to detect hung processes.
func (m *Manager) waitForExitOrHealthFailure(ctx context.Context, cmd *exec.Cmd) error {
	// Channel to receive process exit
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	// If no health check function, just wait for exit
	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	passed := false
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			// exec terminates the process; wait until it is gone
			return <-exitCh

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			err := m.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				passed = true
				if consecutiveFailures > 0 {
					m.logger.Info("health check recovered",
						"name", m.config.Name,
						"previous_failures", consecutiveFailures,
					)
				}
				consecutiveFailures = 0
				continue
			}

			if !passed && m.config.HealthCheckAfterFirstPass {
				m.logger.Debug("health check not passing yet", "name", m.config.Name, "error", err)
				continue
			}

			consecutiveFailures++
			m.logger.Warn("health check failed",
				"name", m.config.Name,
				"error", err,
				"consecutive_failures", consecutiveFailures,
			)
			if consecutiveFailures < maxConsecutiveHealthFailures {
				continue
			}

			m.logger.Error("health check failed repeatedly, killing process",
				"name", m.config.Name,
				"failures", consecutiveFailures,
			)
			signalGroup(cmd, syscall.SIGKILL) //nolint:errcheck // exit is awaited below

			select {
			case exitErr := <-exitCh:
				if exitErr != nil {
					return fmt.Errorf("killed due to health check failure: %w", exitErr)
				}
				return fmt.Errorf("killed due to health check failure after %d consecutive failures", consecutiveFailures)
			case <-time.After(healthCheckTimeout):
				return fmt.Errorf("process did not exit after kill (health check failure)")
			}
		}
	}
}

// monitor watches the process and handles restarts.
//
// An exit with RestartExitCode relaunches at once. A clean exit, a stop
// request or a cancelled context ends supervision. Anything else is a
// failure and restarts with backoff when configured.
func (m *Manager) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()

		if cmd == nil {
			return
		}

		code, err := classifyExit(m.waitForExitOrHealthFailure(ctx, cmd))

		m.mu.RLock()
		stopRequested := m.stopRequested
		uptime := time.Since(m.startTime)
		m.mu.RUnlock()

		switch {
		case stopRequested || ctx.Err() != nil:
			m.logger.Info("process stopped as requested", "name", m.config.Name)
			m.finish(StatusStopped, nil)
			return

		case code == 0:
			m.logger.Info("process exited cleanly, supervision finished", "name", m.config.Name)
			m.finish(StatusStopped, nil)
			return

		case m.config.RestartExitCode != 0 && code == m.config.RestartExitCode:
			m.mu.Lock()
			m.restartRequests++
			m.status = StatusStarting
			m.mu.Unlock()
			m.logger.Info("process requested restart", "name", m.config.Name, "uptime", uptime)

			if err := m.startProcess(ctx); err != nil {
				m.logger.Error("failed to relaunch process", "name", m.config.Name, "error", err)
				m.finish(StatusFailed, err)
				if !m.restartAfterFailure(ctx, 0) {
					return
				}
			}
			continue
		}

		m.logger.Warn("process exited unexpectedly",
			"name", m.config.Name,
			"exit_code", code,
			"error", err,
		)
		m.finish(StatusFailed, err)

		if !m.config.RestartOnFailure {
			m.logger.Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}
		if !IsRecoverable(err) {
			m.logger.Error("process failed with an unrecoverable error, not restarting",
				"name", m.config.Name,
				"error", err,
			)
			return
		}
		if !m.restartAfterFailure(ctx, uptime) {
			return
		}
	}
}

// restartAfterFailure waits out the backoff delay and starts the process
// again, retrying failed starts. It returns false when supervision ends.
func (m *Manager) restartAfterFailure(ctx context.Context, uptime time.Duration) bool {
	m.mu.RLock()
	stopCh := m.stopCh
	m.mu.RUnlock()

	for {
		attempt, ok := m.nextAttempt(uptime)
		if !ok {
			m.logger.Error("max restart attempts reached",
				"name", m.config.Name,
				"attempts", attempt,
			)
			return false
		}

		delay := m.calculateBackoffDelay(attempt)
		m.logger.Info("restarting process",
			"name", m.config.Name,
			"attempt", attempt,
			"delay", delay,
		)
		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		select {
		case <-ctx.Done():
			m.logger.Info("context cancelled, not restarting", "name", m.config.Name)
			m.setStatus(StatusStopped)
			return false
		case <-stopCh:
			m.logger.Info("stop requested, not restarting", "name", m.config.Name)
			m.setStatus(StatusStopped)
			return false
		case <-time.After(delay):
		}

		m.setStatus(StatusStarting)
		err := m.startProcess(ctx)
		if err == nil {
			return true
		}
		m.logger.Error("failed to restart process",
			"name", m.config.Name,
			"error", err,
		)
		m.finish(StatusFailed, err)
		uptime = 0
	}
}

// nextAttempt counts a restart attempt. A process that ran for at least
// StableThreshold starts a new series.
func (m *Manager) nextAttempt(uptime time.Duration) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uptime >= m.config.StableThreshold {
		m.restartCount = 0
	}
	if m.config.MaxRestartAttempts > 0 && m.restartCount >= m.config.MaxRestartAttempts {
		return m.restartCount, false
	}
	m.restartCount++
	return m.restartCount, true
}

// calculateBackoffDelay returns RestartDelay doubled for every attempt
// after the first, capped at MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return min(delay, m.config.MaxRestartDelay)
}

func (m *Manager) finish(status Status, err error) {
	m.mu.Lock()
	m.status = status
	if err != nil {
		m.lastError = err
	}
	m.mu.Unlock()

	if m.config.OnStop != nil {
		m.config.OnStop(err)
	}
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Stop gracefully stops the subprocess and ends supervision.
// It sends SIGTERM and waits for graceful shutdown, then SIGKILL if needed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopCh == nil || m.stopRequested {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	close(m.stopCh)
	cmd := m.cmd
	done := m.done // Capture done channel under lock to avoid race
	running := m.status == StatusRunning
	m.mu.Unlock()

	if running && cmd != nil && cmd.Process != nil {
		m.logger.Info("stopping process", "name", m.config.Name, "pid", cmd.Process.Pid)
		if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
			m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
		}
	}

	// Wait for graceful shutdown or timeout
	select {
	case <-done:
		m.logger.Info("process stopped gracefully", "name", m.config.Name)
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	m.mu.RLock()
	cmd = m.cmd
	m.mu.RUnlock()
	if cmd != nil && cmd.Process != nil {
		if err := signalGroup(cmd, syscall.SIGKILL); err != nil {
			return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
		}
	}

	// Wait for process to fully exit
	<-done
	m.logger.Info("process killed", "name", m.config.Name)

	return nil
}

// Done is closed when supervision ends: after a clean exit, a stop, a
// cancelled context or an abandoned restart. Before Start it is closed.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

// signalGroup signals the process group created via Setpgid.
// An already exited group is not an error.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// Negative PID addresses the process group
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// logWriter logs process output line by line.
type logWriter struct {
	logger Logger
	name   string
	stream string
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(p, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("process output",
			"name", w.name,
			"stream", w.stream,
			"output", string(line),
		)
	}
	return len(p), nil
}

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning returns true if the process is currently running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the last error that caused the process to exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the number of consecutive restarts after failures.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// RestartRequests returns how often the process exited with RestartExitCode.
func (m *Manager) RestartRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartRequests
}

// Uptime returns how long the process has been running.
// Returns 0 if the process is not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats returns statistics about the managed process.
type Stats struct {
	Name            string        `json:"name"`
	Status          Status        `json:"status"`
	PID             int           `json:"pid,omitempty"`
	Uptime          time.Duration `json:"uptime,omitempty"`
	RestartCount    int           `json:"restart_count"`
	RestartRequests int           `json:"restart_requests"`
	LastError       string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:            m.config.Name,
		Status:          m.status,
		RestartCount:    m.restartCount,
		RestartRequests: m.restartRequests,
	}

	if m.status == StatusRunning {
		if m.cmd != nil && m.cmd.Process != nil {
			stats.PID = m.cmd.Process.Pid
		}
		stats.Uptime = time.Since(m.startTime)
	}

	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}

	return stats
}
