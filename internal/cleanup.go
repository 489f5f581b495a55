package internal

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ryanmoran/stackrun/internal/log"
)

// CleanupManager tracks resources and ensures ordered cleanup in LIFO order.
type CleanupManager struct {
	mu    sync.Mutex
	funcs []cleanupFunc
	log   zerolog.Logger
}

type cleanupFunc struct {
	name string
	fn   func() error
}

func NewCleanupManager() *CleanupManager {
	return &CleanupManager{log: log.WithComponent("cleanup")}
}

// Add registers a cleanup function. Functions are executed in LIFO order
// (last added, first executed).
func (m *CleanupManager) Add(name string, fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append([]cleanupFunc{{name, fn}}, m.funcs...)
}

// Execute runs all cleanup functions in LIFO order, logging failures, and
// returns how many failed. Every function runs even if some fail. Executing
// twice runs nothing the second time.
func (m *CleanupManager) Execute() int {
	m.mu.Lock()
	funcs := m.funcs
	m.funcs = nil
	m.mu.Unlock()

	var failed int
	for _, cleanup := range funcs {
		if err := cleanup.fn(); err != nil {
			failed++
			m.log.Warn().Err(err).Str("resource", cleanup.name).Msg("cleanup failed")
			continue
		}
		m.log.Debug().Str("resource", cleanup.name).Msg("cleaned up")
	}
	return failed
}
