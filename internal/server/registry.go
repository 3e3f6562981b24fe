package server

import (
	"fmt"
	"sync"

	"example.com/llmabridge/v2/internal/bridge"
	"example.com/llmabridge/v2/internal/config"
	"example.com/llmabridge/v2/internal/logger"
)

// AppFactory builds an application from the loaded configuration. The
// factory reads its own settings block from cfg.Apps.
type AppFactory func(cfg *config.Config, log *logger.Logger) (bridge.App, error)

// Registry maps application names (the server.app config key) to their
// factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]AppFactory
}

// NewRegistry creates an empty application registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]AppFactory)}
}

// Register associates an application name with a factory. Registering the
// same name twice is an error.
func (r *Registry) Register(name string, factory AppFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("application %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Build instantiates the named application.
func (r *Registry) Build(name string, cfg *config.Config, log *logger.Logger) (bridge.App, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no application registered under %q", name)
	}
	app, err := factory(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("building application %q: %w", name, err)
	}
	return app, nil
}
