package configsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ManifestStore persists plugin manifests and the update check history.
type ManifestStore interface {
	// Get returns the manifest in slot, or nil if the slot is empty.
	Get(ctx context.Context, slot Slot) (*PluginManifest, error)
	Put(ctx context.Context, slot Slot, m PluginManifest) error
	Delete(ctx context.Context, slot Slot) error
	RecordCheck(ctx context.Context, rec CheckRecord) error
}

// SQLiteManifestStore keeps manifests in the plugin_packages table and
// check history in sync_history.
type SQLiteManifestStore struct {
	db *sql.DB
}

// NewSQLiteManifestStore creates a store on a migrated database.
func NewSQLiteManifestStore(db *sql.DB) *SQLiteManifestStore {
	return &SQLiteManifestStore{db: db}
}

// Get returns the manifest in slot, or nil if the slot is empty.
func (s *SQLiteManifestStore) Get(ctx context.Context, slot Slot) (*PluginManifest, error) {
	var (
		m         PluginManifest
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT filename, version, source_url, path, updated_at
		 FROM plugin_packages WHERE slot = ?`, string(slot),
	).Scan(&m.Filename, &m.Version, &m.URL, &m.Path, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // empty slot is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("querying %s manifest: %w", slot, err)
	}

	if m.InstalledAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing %s manifest time: %w", slot, err)
	}
	return &m, nil
}

// Put replaces the manifest in slot.
func (s *SQLiteManifestStore) Put(ctx context.Context, slot Slot, m PluginManifest) error {
	if m.InstalledAt.IsZero() {
		m.InstalledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_packages (slot, filename, version, source_url, path, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET
		   filename = excluded.filename,
		   version = excluded.version,
		   source_url = excluded.source_url,
		   path = excluded.path,
		   updated_at = excluded.updated_at`,
		string(slot), m.Filename, m.Version, m.URL, m.Path,
		m.InstalledAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving %s manifest: %w", slot, err)
	}
	return nil
}

// Delete empties slot. Deleting an empty slot is not an error.
func (s *SQLiteManifestStore) Delete(ctx context.Context, slot Slot) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_packages WHERE slot = ?`, string(slot)); err != nil {
		return fmt.Errorf("deleting %s manifest: %w", slot, err)
	}
	return nil
}

// RecordCheck appends one update check outcome to the history.
func (s *SQLiteManifestStore) RecordCheck(ctx context.Context, rec CheckRecord) error {
	if rec.CheckedAt.IsZero() {
		rec.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (checked_at, source_url, filename, outcome, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.CheckedAt.UTC().Format(time.RFC3339Nano),
		rec.URL, rec.Filename, rec.Outcome, rec.Detail,
	)
	if err != nil {
		return fmt.Errorf("recording update check: %w", err)
	}
	return nil
}
