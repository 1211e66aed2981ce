package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

// DefaultLoadTimeout bounds opening and initialising one package.
const DefaultLoadTimeout = 30 * time.Second

// partialSuffixes mark files that are still being written by a download.
var partialSuffixes = []string{".part", ".tmp", ".download"}

// Options configures a Loader.
type Options struct {
	// Opener turns package files into packages. Required.
	Opener Opener

	// Routes receives the routes of packages that load successfully.
	// A nil table discards plugin routes.
	Routes *RouteTable

	// Timeout bounds opening and initialising one package.
	// Defaults to DefaultLoadTimeout.
	Timeout time.Duration

	Logger Logger
}

// Loader discovers plugin packages in a directory and collects their devices.
type Loader struct {
	opener  Opener
	routes  *RouteTable
	timeout time.Duration
	logger  Logger

	mu       sync.Mutex
	packages []Package
}

// NewLoader creates a Loader.
func NewLoader(opts Options) (*Loader, error) {
	if opts.Opener == nil {
		return nil, errors.New("plugin: opener is required")
	}
	l := &Loader{
		opener:  opts.Opener,
		routes:  opts.Routes,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}
	if l.routes == nil {
		l.routes = NewRouteTable()
	}
	if l.timeout <= 0 {
		l.timeout = DefaultLoadTimeout
	}
	if l.logger == nil {
		l.logger = noopLogger{}
	}
	return l, nil
}

// LoadAll loads every package file in dir, in name order, without
// descending into subdirectories.
//
// A package that fails to open, has no entries, fails or panics in an
// entry's Initialize, or exposes a device ID already taken by an earlier
// package is excluded as a whole and reported as a *LoadError. Its routes
// are never committed.
//
// Parameters:
//   - ctx: Context for opening and initialising packages
//   - dir: Plugin directory
//
// Returns:
//   - []device.Driver: Devices of every loaded package, in load order
//   - []*LoadError: One entry per excluded package
func (l *Loader) LoadAll(ctx context.Context, dir string) ([]device.Driver, []*LoadError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []*LoadError{{Package: filepath.Base(dir), Path: dir, Err: fmt.Errorf("reading plugin directory: %w", err)}}
	}

	var (
		drivers []device.Driver
		errs    []*LoadError
		seen    = make(map[string]string)
	)

	for _, e := range entries {
		if !loadable(e) {
			continue
		}
		path := filepath.Join(dir, e.Name())

		res, lerr := l.loadPackage(ctx, path)
		if lerr == nil {
			lerr = claimDeviceIDs(res, path, seen)
			if lerr != nil {
				closePackage(res.pkg, l.logger)
			}
		}
		if lerr != nil {
			l.logger.Error("plugin package excluded",
				"package", lerr.Package,
				"path", path,
				"entry", lerr.Entry,
				"error", lerr.Err,
			)
			errs = append(errs, lerr)
			continue
		}

		l.routes.commit(res.pkg.Name(), res.routes)
		l.mu.Lock()
		l.packages = append(l.packages, res.pkg)
		l.mu.Unlock()
		drivers = append(drivers, res.devices...)

		l.logger.Info("plugin package loaded",
			"package", res.pkg.Name(),
			"entries", len(res.pkg.Entries()),
			"devices", len(res.devices),
			"routes", len(res.routes),
		)
	}

	return drivers, errs
}

// Packages returns the number of packages currently loaded.
func (l *Loader) Packages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.packages)
}

// Close closes every loaded package, which terminates out-of-process plugins.
func (l *Loader) Close() error {
	l.mu.Lock()
	pkgs := l.packages
	l.packages = nil
	l.mu.Unlock()

	var errs []error
	for _, p := range pkgs {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing plugin %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

type loadResult struct {
	pkg     Package
	devices []device.Driver
	routes  []Route
}

// loadPackage opens and initialises one package in its own goroutine with
// a timeout and panic recovery.
func (l *Loader) loadPackage(ctx context.Context, path string) (*loadResult, *LoadError) {
	name := packageName(path)
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	type outcome struct {
		res  *loadResult
		lerr *LoadError
	}
	done := make(chan outcome, 1)

	var (
		pkgMu  sync.Mutex
		opened Package
	)

	go func() {
		var entry string
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{lerr: &LoadError{Package: name, Path: path, Entry: entry, Err: fmt.Errorf("%w: %v", ErrPluginPanic, p)}}
			}
		}()

		pkg, err := l.opener.Open(ctx, path)
		if err != nil {
			done <- outcome{lerr: &LoadError{Package: name, Path: path, Err: err}}
			return
		}
		pkgMu.Lock()
		opened = pkg
		pkgMu.Unlock()
		if pkg.Name() != "" {
			name = pkg.Name()
		}

		entries := pkg.Entries()
		if len(entries) == 0 {
			done <- outcome{lerr: &LoadError{Package: name, Path: path, Err: ErrNoEntryPoints}}
			return
		}

		staged := &stagedRegistrar{}
		res := &loadResult{pkg: pkg}
		for _, en := range entries {
			entry = en.Name()
			if err := en.Initialize(ctx, staged); err != nil {
				done <- outcome{lerr: &LoadError{Package: name, Path: path, Entry: entry, Err: err}}
				return
			}
			res.devices = append(res.devices, en.Devices()...)
		}
		res.routes = staged.staged()
		done <- outcome{res: res}
	}()

	select {
	case out := <-done:
		if out.lerr != nil {
			pkgMu.Lock()
			closePackage(opened, l.logger)
			pkgMu.Unlock()
		}
		return out.res, out.lerr
	case <-ctx.Done():
		// The load goroutine may still finish; release whatever it opened.
		go func() {
			out := <-done
			if out.res != nil {
				closePackage(out.res.pkg, l.logger)
				return
			}
			pkgMu.Lock()
			closePackage(opened, l.logger)
			pkgMu.Unlock()
		}()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %v", ErrLoadTimeout, l.timeout)
		}
		return nil, &LoadError{Package: packageName(path), Path: path, Err: err}
	}
}

// claimDeviceIDs rejects a package whose device IDs collide with an
// earlier package, or with each other.
func claimDeviceIDs(res *loadResult, path string, seen map[string]string) *LoadError {
	own := make(map[string]bool, len(res.devices))
	for _, d := range res.devices {
		id := d.ID()
		if owner, taken := seen[id]; taken || own[id] {
			if !taken {
				owner = res.pkg.Name()
			}
			return &LoadError{
				Package: res.pkg.Name(),
				Path:    path,
				Err:     fmt.Errorf("%w: %s already provided by %s", device.ErrDuplicateDevice, id, owner),
			}
		}
		own[id] = true
	}
	for id := range own {
		seen[id] = res.pkg.Name()
	}
	return nil
}

func closePackage(p Package, logger Logger) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		logger.Warn("closing plugin package failed", "package", p.Name(), "error", err)
	}
}

// loadable reports whether a directory entry is a candidate package file.
func loadable(e os.DirEntry) bool {
	if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
		return false
	}
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(e.Name(), suffix) {
			return false
		}
	}
	return true
}

// packageName derives a package name from its file name.
func packageName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
