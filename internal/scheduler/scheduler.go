package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

// DefaultTick is the scheduling resolution. Cron expressions are evaluated
// once per tick, so anything finer than a minute is never due.
const DefaultTick = time.Minute

// ErrNoRegistry is returned by New when Options.Registry is nil.
var ErrNoRegistry = errors.New("scheduler: registry is required")

// Logger defines the logging interface used by the scheduler.
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

// Registry is the part of the device registry the scheduler drives.
type Registry interface {
	Devices() []*device.Device
	TryRefresh(ctx context.Context, id string) ([]device.Report, error)
}

// Clock abstracts time so tests can step the scheduler deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Options configures a Scheduler.
type Options struct {
	Registry Registry
	Tick     time.Duration
	Clock    Clock
	Logger   Logger
}

// Scheduler polls report devices on their configured cron schedule.
//
// Every due device is refreshed in its own goroutine, so a slow or failing
// device never delays the others. A device whose previous refresh is still
// running is skipped for that tick.
type Scheduler struct {
	reg    Registry
	tick   time.Duration
	clock  Clock
	logger Logger

	cacheMu sync.Mutex
	cache   map[string]cron.Schedule
	invalid map[string]bool

	inflightMu sync.Mutex
	inflight   map[string]bool

	wg sync.WaitGroup
}

// New creates a scheduler.
//
// Parameters:
//   - opts: Registry is required; Tick defaults to DefaultTick
//
// Returns:
//   - *Scheduler: Ready to Run
//   - error: ErrNoRegistry
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Scheduler{
		reg:      opts.Registry,
		tick:     opts.Tick,
		clock:    opts.Clock,
		logger:   opts.Logger,
		cache:    make(map[string]cron.Schedule),
		invalid:  make(map[string]bool),
		inflight: make(map[string]bool),
	}, nil
}

// Run ticks on every tick boundary until ctx is cancelled, then waits for
// in-flight refreshes to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick", s.tick)
	defer s.logger.Info("scheduler stopped")

	for {
		now := s.clock.Now()
		next := now.Truncate(s.tick).Add(s.tick)

		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-s.clock.After(next.Sub(now)):
			s.Tick(ctx, next)
		}
	}
}

// Tick dispatches a refresh for every report device due at now.
// now is truncated to the tick boundary before cron evaluation.
//
// Returns:
//   - int: Number of refreshes dispatched
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	at := now.Truncate(s.tick)
	dispatched := 0

	for _, d := range s.reg.Devices() {
		if !d.Capabilities().Has(device.CapReport) {
			continue
		}
		cfg, _ := d.Configuration()
		if cfg.RefreshSchedule == "" {
			continue
		}
		sched := s.schedule(cfg.RefreshSchedule)
		if sched == nil {
			continue
		}
		// Next is strictly after its argument.
		if !sched.Next(at.Add(-time.Second)).Equal(at) {
			continue
		}
		if !s.claim(d.ID()) {
			s.logger.Debug("refresh still running, skipping tick", "device_id", d.ID())
			continue
		}

		s.wg.Add(1)
		go s.refresh(ctx, d.ID())
		dispatched++
	}
	return dispatched
}

// Wait blocks until every dispatched refresh has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) refresh(ctx context.Context, id string) {
	defer s.wg.Done()
	defer s.release(id)

	reports, err := s.reg.TryRefresh(ctx, id)
	switch {
	case errors.Is(err, device.ErrBusy):
		s.logger.Debug("registry busy, skipping refresh", "device_id", id)
	case err != nil:
		s.logger.Warn("scheduled refresh failed", "device_id", id, "error", err)
	default:
		s.logger.Debug("scheduled refresh", "device_id", id, "reports", len(reports))
	}
}

// schedule returns the parsed expression, or nil if it does not parse.
// Invalid expressions are logged once.
func (s *Scheduler) schedule(expr string) cron.Schedule {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if sched, ok := s.cache[expr]; ok {
		return sched
	}
	if s.invalid[expr] {
		return nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		s.invalid[expr] = true
		s.logger.Warn("invalid refresh schedule", "schedule", expr, "error", err)
		return nil
	}
	s.cache[expr] = sched
	return sched
}

func (s *Scheduler) claim(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}
