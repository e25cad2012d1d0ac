package settings

import (
	"sync"

	"github.com/pkg/errors"
)

// Manager holds the live settings for one conversation. Apply merges a
// patch, validates the merged result against the catalog, and commits
// all-or-nothing; readers always see a consistent value.
type Manager struct {
	mu      sync.RWMutex
	catalog *Catalog
	current Settings
}

func NewManager(catalog *Catalog, initial Settings) (*Manager, error) {
	if catalog == nil {
		return nil, errors.New("settings: nil catalog")
	}
	if err := initial.Validate(catalog); err != nil {
		return nil, err
	}
	return &Manager{catalog: catalog, current: initial}, nil
}

func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Apply merges the patch over the current settings. On validation failure
// nothing changes and the returned settings are the untouched current ones.
func (m *Manager) Apply(p Patch) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged := p.apply(m.current)
	if err := merged.Validate(m.catalog); err != nil {
		return m.current, err
	}
	m.current = merged
	return m.current, nil
}

// Preview merges the patch over the current settings and validates the
// result without committing it. Per-exchange overrides go through here.
func (m *Manager) Preview(p Patch) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	merged := p.apply(m.current)
	if err := merged.Validate(m.catalog); err != nil {
		return Settings{}, err
	}
	return merged, nil
}

// SetSystemPrompt replaces the system prompt. Any string is a valid prompt,
// so this cannot fail.
func (m *Manager) SetSystemPrompt(prompt string) Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.SystemPrompt = prompt
	return m.current
}

// Replace swaps in a full settings value, used when restoring a snapshot.
func (m *Manager) Replace(s Settings) error {
	if err := s.Validate(m.catalog); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	return nil
}

// Model resolves the currently selected model's catalog entry.
func (m *Manager) Model() ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, _ := m.catalog.Lookup(m.current.ModelID)
	return info
}

func (m *Manager) ListModels() []ModelInfo {
	return m.catalog.List()
}

func (m *Manager) Catalog() *Catalog {
	return m.catalog
}
