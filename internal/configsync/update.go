package configsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/revolutionized-iot2/riot2-node/internal/device"
)

const pluginDirPermissions = 0o755

// PluginUpdateHandler returns a handler that runs CheckForUpdate.
// Register it after the handler that applies the configuration.
func (s *Service) PluginUpdateHandler() UpdateHandler {
	return UpdateHandlerFunc(s.CheckForUpdate)
}

// CheckForUpdate compares the package named by cfg.PluginURL with the
// installed one and stages a new package when they differ.
//
// Only metadata is fetched unless an update is needed. A package is
// needed when its filename differs from the installed manifest's, or when
// no package loaded at boot. After staging, the supervisor is asked to
// restart the node; the next boot installs the package.
//
// Returns:
//   - error: *SyncError on metadata, download or staging failure. The
//     installed package and the applied configuration are left untouched.
func (s *Service) CheckForUpdate(ctx context.Context, cfg *device.NodeDeviceConfiguration) error {
	if cfg == nil || cfg.PluginURL == "" {
		return nil
	}
	if s.fetcher == nil || s.store == nil {
		s.logger.Debug("plugin updates disabled", "plugin_url", cfg.PluginURL)
		return nil
	}
	rawURL := cfg.PluginURL

	info, err := s.fetcher.Head(ctx, rawURL)
	if err != nil {
		s.record(ctx, CheckRecord{URL: rawURL, Outcome: OutcomeFailed, Detail: err.Error()})
		s.logger.Error("plugin metadata fetch failed", "url", rawURL, "error", err)
		return asSyncError(OpHead, rawURL, err)
	}

	s.mu.RLock()
	installed := s.manifest
	loaded := s.loaded
	s.mu.RUnlock()

	if loaded > 0 && installed != nil && installed.Filename == info.Filename {
		s.record(ctx, CheckRecord{URL: rawURL, Filename: info.Filename, Outcome: OutcomeUpToDate})
		s.logger.Debug("plugin package up to date", "filename", info.Filename)
		return nil
	}

	staged, err := s.store.Get(ctx, SlotStaged)
	if err != nil {
		return &SyncError{Op: OpStage, URL: rawURL, Err: err}
	}
	if staged != nil && staged.Filename == info.Filename && fileExists(staged.Path) {
		s.record(ctx, CheckRecord{URL: rawURL, Filename: info.Filename, Outcome: OutcomePending})
		s.requestRestart("plugin package " + info.Filename + " already staged")
		return nil
	}

	dest := filepath.Join(s.stagingDir, info.Filename)
	s.logger.Info("downloading plugin package", "url", rawURL, "filename", info.Filename, "version", info.Version)
	if err := s.fetcher.Download(ctx, rawURL, dest); err != nil {
		s.record(ctx, CheckRecord{URL: rawURL, Filename: info.Filename, Outcome: OutcomeFailed, Detail: err.Error()})
		s.logger.Error("plugin package download failed", "url", rawURL, "error", err)
		return asSyncError(OpDownload, rawURL, err)
	}

	m := PluginManifest{
		Filename:    info.Filename,
		Version:     info.Version,
		URL:         rawURL,
		Path:        dest,
		InstalledAt: time.Now().UTC(),
	}
	if err := s.store.Put(ctx, SlotStaged, m); err != nil {
		os.Remove(dest) //nolint:errcheck // unreferenced download
		return &SyncError{Op: OpStage, URL: rawURL, Err: err}
	}

	s.record(ctx, CheckRecord{URL: rawURL, Filename: info.Filename, Outcome: OutcomeDownloaded})
	s.requestRestart("plugin package " + info.Filename + " staged")
	return nil
}

// InstallPluginPackage moves a staged package into the plugin directory,
// replacing the previously installed package file. It runs at boot before
// plugins load, and also loads the installed manifest.
//
// Returns:
//   - bool: Whether a package was installed
//   - error: *SyncError; the previous package stays installed
func (s *Service) InstallPluginPackage(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}

	active, err := s.store.Get(ctx, SlotActive)
	if err != nil {
		return false, &SyncError{Op: OpInstall, Err: err}
	}
	s.setManifest(active)

	staged, err := s.store.Get(ctx, SlotStaged)
	if err != nil {
		return false, &SyncError{Op: OpInstall, Err: err}
	}
	if staged == nil {
		return false, nil
	}

	if !fileExists(staged.Path) {
		s.store.Delete(ctx, SlotStaged) //nolint:errcheck // the record is useless without its file
		return false, &SyncError{Op: OpInstall, URL: staged.URL, Err: fmt.Errorf("%w: %s", ErrStagedPackageMissing, staged.Path)}
	}

	if err := os.MkdirAll(s.pluginDir, pluginDirPermissions); err != nil {
		return false, &SyncError{Op: OpInstall, URL: staged.URL, Err: err}
	}
	target := filepath.Join(s.pluginDir, staged.Filename)
	if err := os.Rename(staged.Path, target); err != nil {
		return false, &SyncError{Op: OpInstall, URL: staged.URL, Err: err}
	}
	if err := os.Chmod(target, stagedFilePermissions); err != nil {
		s.logger.Warn("setting plugin package mode", "path", target, "error", err)
	}

	if active != nil && active.Path != "" && active.Path != target {
		if err := os.Remove(active.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing previous plugin package", "path", active.Path, "error", err)
		}
	}

	installed := *staged
	installed.Path = target
	installed.InstalledAt = time.Now().UTC()
	if err := s.store.Put(ctx, SlotActive, installed); err != nil {
		return false, &SyncError{Op: OpInstall, URL: staged.URL, Err: err}
	}
	if err := s.store.Delete(ctx, SlotStaged); err != nil {
		s.logger.Warn("clearing staged manifest", "error", err)
	}
	s.setManifest(&installed)

	s.logger.Info("plugin package installed", "filename", installed.Filename, "version", installed.Version)
	return true, nil
}

func (s *Service) setManifest(m *PluginManifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest = m
}

func (s *Service) requestRestart(reason string) {
	if s.supervisor == nil {
		s.logger.Warn("restart needed but no supervisor configured", "reason", reason)
		return
	}
	s.logger.Info("requesting restart", "reason", reason)
	s.supervisor.RequestRestart(reason)
}

func (s *Service) record(ctx context.Context, rec CheckRecord) {
	if err := s.store.RecordCheck(ctx, rec); err != nil {
		s.logger.Warn("recording update check", "error", err)
	}
}

func asSyncError(op, rawURL string, err error) error {
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Op: op, URL: rawURL, Err: err}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
