package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/wudi/aigate/internal/config"
)

// ManagerHook observes state changes across all providers.
type ManagerHook func(provider string, t Transition)

// Manager owns one breaker per provider key. Breakers are created
// lazily on first use and survive config reloads: a reload swaps the
// settings used for providers seen later, it never resets live state.
type Manager struct {
	mu       sync.RWMutex
	cfg      config.BreakerConfig
	breakers map[string]*Breaker
	hook     ManagerHook
}

// NewManager creates a breaker manager.
func NewManager(cfg config.BreakerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// SetTransitionHook installs the observer on the manager and on every
// breaker created so far.
func (m *Manager) SetTransitionHook(hook ManagerHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hook = hook
	for provider, b := range m.breakers {
		b.SetTransitionHook(m.breakerHook(provider))
	}
}

func (m *Manager) breakerHook(provider string) TransitionHook {
	return func(t Transition) {
		t.Stats.Provider = provider
		if m.hook != nil {
			m.hook(provider, t)
		}
	}
}

// Get returns the breaker for a provider, creating it on first use with
// the provider's effective settings.
func (m *Manager) Get(provider string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[provider]; ok {
		return b
	}

	b = NewBreaker(m.cfg.ForProvider(provider))
	b.SetTransitionHook(m.breakerHook(provider))
	m.breakers[provider] = b
	return b
}

// Lookup returns the breaker for a provider without creating one.
func (m *Manager) Lookup(provider string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[provider]
	return b, ok
}

// Reconfigure swaps the settings applied to breakers created from now
// on. Existing breakers keep their settings and, critically, their
// state; a reload must never close an open circuit.
func (m *Manager) Reconfigure(cfg config.BreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Providers returns the known provider keys, sorted.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns the stats for one provider.
func (m *Manager) Snapshot(provider string) (Snapshot, bool) {
	b, ok := m.Lookup(provider)
	if !ok {
		return Snapshot{}, false
	}
	snap := b.Snapshot()
	snap.Provider = provider
	return snap, true
}

// Snapshots returns stats for all providers, sorted by provider key.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	breakers := make(map[string]*Breaker, len(m.breakers))
	for name, b := range m.breakers {
		breakers[name] = b
	}
	m.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for name, b := range breakers {
		snap := b.Snapshot()
		snap.Provider = name
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Provider < snaps[j].Provider })
	return snaps
}
