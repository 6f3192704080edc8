package modules

import (
	"context"
	"sync"

	apperrors "botfleet-backend/internal/common/errors"
	"botfleet-backend/internal/common/logger"
)

// SettingsStore reads the per-tenant stored settings override rows.
type SettingsStore interface {
	ModuleSettings(ctx context.Context, tenantID int64, moduleName string) (map[string]interface{}, error)
}

// SettingsCache is an optional cache-aside layer over SettingsStore,
// invalidated on config_reload signals.
type SettingsCache interface {
	Get(ctx context.Context, tenantID int64, moduleName string) (map[string]interface{}, bool)
	Set(ctx context.Context, tenantID int64, moduleName string, settings map[string]interface{})
	Invalidate(ctx context.Context, tenantID int64)
}

// Registry owns all registered modules plus per-tenant state: enabled sets
// and manifests are explicit per-tenant maps on a single instance, passed by
// injection, and every read names its tenant id.
type Registry struct {
	mu        sync.RWMutex
	modules   map[string]Module
	order     []string // registration order, for deterministic traversal
	enabled   map[int64]map[string]bool
	manifests map[int64]*Manifest

	store SettingsStore
	cache SettingsCache
}

func NewRegistry(store SettingsStore, cache SettingsCache) *Registry {
	return &Registry{
		modules:   make(map[string]Module),
		enabled:   make(map[int64]map[string]bool),
		manifests: make(map[int64]*Manifest),
		store:     store,
		cache:     cache,
	}
}

// Register adds a named capability. Re-registering a name replaces it.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.Name()]; ok {
		logger.Warn().Str("module", m.Name()).Msg("Module already registered, replacing")
	} else {
		r.order = append(r.order, m.Name())
	}
	r.modules[m.Name()] = m
	logger.Info().Str("module", m.Name()).Msg("Registered module")
}

// Module returns a registered module by name.
func (r *Registry) Module(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Modules returns all registered modules in registration order.
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Module, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.modules[name])
	}
	return out
}

// ResolveOrder returns module names in dependency order via depth-first
// traversal. A cycle is a fatal configuration error reported with the full
// cycle path.
func (r *Registry) ResolveOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var resolved []string
	done := make(map[string]bool)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		for i, p := range path {
			if p == name {
				return apperrors.NewDependencyCycleError(append(path[i:], name))
			}
		}
		if done[name] {
			return nil
		}
		m, ok := r.modules[name]
		if !ok {
			logger.Warn().Str("module", name).Msg("Unknown module in dependencies")
			return nil
		}
		for _, dep := range m.Dependencies() {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		done[name] = true
		resolved = append(resolved, name)
		return nil
	}

	for _, name := range r.order {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

// SetEnabled loads a tenant's enabled-module set, firing idempotent
// lifecycle hooks for modules whose state changed.
func (r *Registry) SetEnabled(ctx context.Context, tenantID int64, names []string) {
	newSet := make(map[string]bool, len(names))
	for _, n := range names {
		newSet[n] = true
	}

	r.mu.Lock()
	oldSet := r.enabled[tenantID]
	r.enabled[tenantID] = newSet
	mods := make(map[string]Module, len(r.modules))
	for k, v := range r.modules {
		mods[k] = v
	}
	r.mu.Unlock()

	for name, m := range mods {
		was := oldSet[name]
		now := newSet[name]
		if was == now {
			continue
		}
		var err error
		if now {
			err = m.OnEnable(ctx, tenantID)
		} else {
			err = m.OnDisable(ctx, tenantID)
		}
		if err != nil {
			logger.With(tenantID).Error().Err(err).Str("module", name).Msg("Module lifecycle hook failed")
		}
	}
}

// IsEnabled checks the tenant's cached enabled set, falling back to the
// module's default when the set was never loaded.
func (r *Registry) IsEnabled(tenantID int64, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.enabled[tenantID]
	if !ok {
		if m, found := r.modules[name]; found {
			return m.DefaultEnabled()
		}
		return false
	}
	return set[name]
}

// SetManifest attaches a tenant's file-based manifest.
func (r *Registry) SetManifest(tenantID int64, m *Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m == nil {
		delete(r.manifests, tenantID)
		return
	}
	r.manifests[tenantID] = m
}

// Settings resolves a module's effective settings for a tenant:
// module defaults < manifest override < stored row, never the reverse.
func (r *Registry) Settings(ctx context.Context, tenantID int64, name string) (map[string]interface{}, error) {
	r.mu.RLock()
	m, ok := r.modules[name]
	manifest := r.manifests[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.ErrCodeModuleNotFound, "Module not registered: "+name)
	}

	settings := make(map[string]interface{})
	for k, v := range m.DefaultSettings() {
		settings[k] = v
	}
	if manifest != nil {
		for k, v := range manifest.ModuleConfig[name] {
			settings[k] = v
		}
	}

	stored, cached := map[string]interface{}{}, false
	if r.cache != nil {
		stored, cached = r.cache.Get(ctx, tenantID, name)
	}
	if !cached && r.store != nil {
		var err error
		stored, err = r.store.ModuleSettings(ctx, tenantID, name)
		if err != nil {
			return nil, err
		}
		if r.cache != nil {
			r.cache.Set(ctx, tenantID, name, stored)
		}
	}
	for k, v := range stored {
		settings[k] = v
	}
	return settings, nil
}

// InvalidateSettings drops a tenant's cached stored settings so the next read
// hits the database. The enabled set and manifest stay: a config_reload
// changes stored rows, not module membership.
func (r *Registry) InvalidateSettings(ctx context.Context, tenantID int64) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, tenantID)
	}
}

// Invalidate drops all per-tenant cached state: enabled set, manifest and
// cached stored settings. Called on tenant_restart, right before the restart
// reloads the registry row and manifest.
func (r *Registry) Invalidate(ctx context.Context, tenantID int64) {
	r.mu.Lock()
	delete(r.enabled, tenantID)
	delete(r.manifests, tenantID)
	r.mu.Unlock()
	if r.cache != nil {
		r.cache.Invalidate(ctx, tenantID)
	}
}
