// Package calendar wires provider adapters behind the shared contract.
package calendar

import (
	"fmt"
	"sync"

	opencalendar "github.com/OpenCalendarsHQ/opencalendar-sync"
)

// Mux maps provider names to adapters. Adapters are registered at startup and
// injected into the syncer, so tests can substitute fakes.
type Mux struct {
	mu        sync.Mutex
	providers map[string]opencalendar.Provider
}

func NewMux() *Mux {
	return &Mux{
		providers: make(map[string]opencalendar.Provider),
	}
}

func (m *Mux) Get(provider string) (opencalendar.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not implemented", provider)
	}
	return p, nil
}

func (m *Mux) Register(provider string, p opencalendar.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[provider] = p
}
