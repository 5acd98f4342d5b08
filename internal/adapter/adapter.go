// Package adapter holds the registry of portal drivers. Drivers register
// themselves from an init function, database/sql style, and the orchestrator
// looks them up by system name.
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/hcmtools/hcmfetch/internal/browser"
	"github.com/hcmtools/hcmfetch/internal/config"
	"github.com/hcmtools/hcmfetch/internal/hcm"
)

// Factory builds an adapter owning one fresh tab of the shared session.
// The adapter's Close releases the tab.
type Factory func(cfg config.Config, sess *browser.Session, logger *zap.Logger) (hcm.Adapter, error)

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register makes a driver available under the given system name. It panics
// on a duplicate name, which indicates two drivers claiming one system.
func Register(system string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[system]; dup {
		panic(fmt.Sprintf("adapter: duplicate registration for system %q", system))
	}
	registry[system] = factory
}

// New builds an adapter for the named system.
func New(system string, cfg config.Config, sess *browser.Session, logger *zap.Logger) (hcm.Adapter, error) {
	mu.RLock()
	factory, ok := registry[system]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown system %q (available: %v)", system, Systems())
	}
	return factory(cfg, sess, logger)
}

// Systems lists the registered system names, sorted.
func Systems() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
