package config

import (
	"sync"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// ModeSwitch holds the execution mode used for new runs. It is read before
// every run, so changes apply to the next run without a restart.
type ModeSwitch struct {
	mu        sync.RWMutex
	mode      domain.ExecutionMode
	listeners []func(domain.ExecutionMode)
}

// NewModeSwitch starts in the given mode
func NewModeSwitch(initial domain.ExecutionMode) *ModeSwitch {
	if initial == "" {
		initial = domain.ModeHeadless
	}
	return &ModeSwitch{mode: initial}
}

// Current returns the active mode
func (m *ModeSwitch) Current() domain.ExecutionMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Set changes the mode and reports whether it differed
func (m *ModeSwitch) Set(mode domain.ExecutionMode) bool {
	m.mu.Lock()
	if m.mode == mode || mode == "" {
		m.mu.Unlock()
		return false
	}
	m.mode = mode
	listeners := append(([]func(domain.ExecutionMode))(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(mode)
	}
	return true
}

// OnChange registers fn to be called after every effective change
func (m *ModeSwitch) OnChange(fn func(domain.ExecutionMode)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Resolve returns requested when set, else the current mode
func (m *ModeSwitch) Resolve(requested domain.ExecutionMode) domain.ExecutionMode {
	if requested != "" {
		return requested
	}
	return m.Current()
}
