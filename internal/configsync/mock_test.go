package configsync

import (
	"context"
	"errors"
	"os"
	"sync"
)

// memoryStore is an in-memory ManifestStore.
type memoryStore struct {
	mu      sync.Mutex
	slots   map[Slot]PluginManifest
	checks  []CheckRecord
	failPut error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{slots: make(map[Slot]PluginManifest)}
}

func (m *memoryStore) Get(_ context.Context, slot Slot) (*PluginManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.slots[slot]
	if !ok {
		return nil, nil //nolint:nilnil // empty slot
	}
	return &pm, nil
}

func (m *memoryStore) Put(_ context.Context, slot Slot, pm PluginManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.slots[slot] = pm
	return nil
}

func (m *memoryStore) Delete(_ context.Context, slot Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, slot)
	return nil
}

func (m *memoryStore) RecordCheck(_ context.Context, rec CheckRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, rec)
	return nil
}

func (m *memoryStore) outcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.checks))
	for _, c := range m.checks {
		out = append(out, c.Outcome)
	}
	return out
}

// fakeFetcher serves fixed metadata and writes content on download.
type fakeFetcher struct {
	mu        sync.Mutex
	info      PackageInfo
	headErr   error
	content   []byte
	heads     int
	downloads []string
}

func (f *fakeFetcher) Head(_ context.Context, _ string) (PackageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heads++
	if f.headErr != nil {
		return PackageInfo{}, f.headErr
	}
	return f.info, nil
}

func (f *fakeFetcher) Download(_ context.Context, _ string, dest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, dest)
	if f.content == nil {
		return errors.New("server unavailable")
	}
	return os.WriteFile(dest, f.content, 0o600)
}

// fakeSupervisor records restart requests.
type fakeSupervisor struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeSupervisor) RequestRestart(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
}

func (f *fakeSupervisor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}
