package operator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360studio/matterstack/config"
)

// Registry holds the operators wired for one run, keyed by canonical key.
type Registry struct {
	operators map[string]Operator
	specs     map[string]config.OperatorSpec
	defaults  config.WiringDefaults
}

// BuildRegistry constructs operators from a parsed wiring config.
//
// Slurm and profile-backed compute operators are wired through the same
// Backend contract as local ones; this build carries no remote transport,
// so constructing them fails with a clear message instead of submitting
// into the void.
func BuildRegistry(cfg *config.OperatorsConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		operators: make(map[string]Operator, len(cfg.Operators)),
		specs:     cfg.Operators,
		defaults:  cfg.Defaults,
	}
	for key, spec := range cfg.Operators {
		var op Operator
		switch spec.Kind {
		case config.KindHuman:
			op = NewHumanOperator(key, logger)
		case config.KindExperiment:
			op = NewExperimentOperator(key, logger)
		case config.KindHPC, config.KindLocal:
			backend, err := buildBackend(spec.Backend, logger)
			if err != nil {
				return nil, fmt.Errorf("operator %s: %w", key, err)
			}
			op = NewComputeOperator(key, backend, logger)
		}
		r.operators[key] = op
	}
	return r, nil
}

func buildBackend(spec config.BackendSpec, logger *slog.Logger) (Backend, error) {
	switch spec.Type {
	case config.BackendLocal:
		return NewLocalBackend(logger), nil
	case config.BackendSlurm, config.BackendProfile, config.BackendHPCYAML:
		return nil, fmt.Errorf("backend type %q requires a remote transport this build does not carry", spec.Type)
	default:
		return nil, fmt.Errorf("unknown backend type %q", spec.Type)
	}
}

// Get returns the operator wired for key.
func (r *Registry) Get(key string) (Operator, error) {
	op, ok := r.operators[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperator, key)
	}
	return op, nil
}

// Has reports whether key is wired.
func (r *Registry) Has(key string) bool {
	_, ok := r.operators[key]
	return ok
}

// MaxConcurrent returns the per-operator cap for key. Zero means
// unlimited.
func (r *Registry) MaxConcurrent(key string) int {
	return r.specs[key].MaxConcurrent
}

// MaxConcurrentGlobal returns the wiring-wide cap. Zero means unlimited.
func (r *Registry) MaxConcurrentGlobal() int {
	return r.defaults.MaxConcurrentGlobal
}

// registryCache shares registries across ticks of the same process. An
// fsnotify watch on each wiring file drops the cached entry when the file
// changes (a forced override rewrites the snapshot in place).
type registryCache struct {
	mu      sync.Mutex
	entries map[string]*Registry
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

var sharedCache = &registryCache{entries: make(map[string]*Registry)}

// CachedRegistry returns the registry for the wiring file at path, loading
// and caching it on first use. cacheKey should include the run id so two
// runs never share an entry even if they point at the same file.
func CachedRegistry(cacheKey, path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := sharedCache
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger

	if reg, ok := c.entries[cacheKey]; ok {
		return reg, nil
	}

	cfg, err := config.LoadOperatorsConfig(path)
	if err != nil {
		return nil, err
	}
	reg, err := BuildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.entries[cacheKey] = reg
	c.watch(cacheKey, path)
	return reg, nil
}

func (c *registryCache) watch(cacheKey, path string) {
	if c.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			// Without a watcher the cache just never invalidates within
			// this process; a restart picks up changes.
			c.logger.Warn("Wiring watch unavailable", slog.String("error", err.Error()))
			return
		}
		c.watcher = w
		go c.watchLoop()
	}
	if err := c.watcher.Add(path); err != nil {
		c.logger.Warn("Cannot watch wiring file",
			slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	// Remember which entries the path invalidates.
	c.pathKeys(path)[cacheKey] = struct{}{}
}

var watchIndex = make(map[string]map[string]struct{})

func (c *registryCache) pathKeys(path string) map[string]struct{} {
	keys, ok := watchIndex[path]
	if !ok {
		keys = make(map[string]struct{})
		watchIndex[path] = keys
	}
	return keys
}

func (c *registryCache) watchLoop() {
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.mu.Lock()
			for key := range c.pathKeys(ev.Name) {
				delete(c.entries, key)
			}
			delete(watchIndex, ev.Name)
			c.mu.Unlock()
		case _, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
