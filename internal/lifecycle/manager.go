package lifecycle

import (
	"context"
	"sync"

	"botfleet-backend/internal/common/logger"
	"botfleet-backend/internal/modules"
	"botfleet-backend/internal/platform/telegram"
	"botfleet-backend/internal/registry"
)

// BotClient is the outbound channel of one running tenant.
type BotClient interface {
	GetMe(ctx context.Context) (*telegram.User, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, photo, caption string) error
}

// ClientFactory builds a platform client from a tenant credential.
type ClientFactory func(token string) BotClient

// TenantSource is the slice of the registry the manager reconciles against.
type TenantSource interface {
	ActiveTenants(ctx context.Context) ([]registry.Tenant, error)
	TenantByID(ctx context.Context, id int64) (*registry.Tenant, error)
}

// Pools is the per-tenant storage layer the manager opens and closes
// alongside connections.
type Pools interface {
	Register(tenantID int64, databaseURL string)
	Connect(ctx context.Context, tenantID int64) error
	Disconnect(tenantID int64)
}

// Runtime is the in-memory state of one running tenant.
type Runtime struct {
	TenantID int64
	Token    string
	Kind     string
	Name     string
	AdminIDs []int64
	BotID    int64 // external platform identifier, for inbound routing
	Client   BotClient
}

// Manager reconciles the live set of tenant runtimes against the registry.
type Manager struct {
	store  TenantSource
	pools  Pools
	mods   *modules.Registry
	newBot ClientFactory

	mu       sync.RWMutex
	runtimes map[int64]*Runtime
	byBotID  map[int64]int64
}

func NewManager(store TenantSource, pools Pools, mods *modules.Registry, factory ClientFactory) *Manager {
	if factory == nil {
		factory = func(token string) BotClient { return telegram.NewClient(token) }
	}
	return &Manager{
		store:    store,
		pools:    pools,
		mods:     mods,
		newBot:   factory,
		runtimes: make(map[int64]*Runtime),
		byBotID:  make(map[int64]int64),
	}
}

// Reconcile diffs running runtimes against the registry's active rows:
// start what is missing, restart what changed its token, stop what is gone.
// A single tenant failing to start is logged and skipped; it never aborts
// the rest of the fleet.
func (m *Manager) Reconcile(ctx context.Context) error {
	tenants, err := m.store.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	logger.Info().Int("count", len(tenants)).Msg("Reconciling tenants against registry")

	active := make(map[int64]bool, len(tenants))
	for i := range tenants {
		t := &tenants[i]
		active[t.ID] = true

		m.mu.RLock()
		running, ok := m.runtimes[t.ID]
		m.mu.RUnlock()

		if ok {
			if running.Token == t.Token {
				continue
			}
			logger.With(t.ID).Info().Msg("Token changed, restarting tenant")
			m.Stop(t.ID)
		}
		if err := m.Start(ctx, t); err != nil {
			logger.With(t.ID).Error().Err(err).Msg("Failed to start tenant, skipping")
		}
	}

	m.mu.RLock()
	var stale []int64
	for id := range m.runtimes {
		if !active[id] {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		logger.With(id).Info().Msg("Tenant no longer active, stopping")
		m.Stop(id)
	}
	return nil
}

// Start brings one tenant up: validate the credential against the platform,
// open its storage pool and run migrations, load manifest and enabled
// modules, register the runtime. Idempotent.
func (m *Manager) Start(ctx context.Context, t *registry.Tenant) error {
	m.mu.RLock()
	_, ok := m.runtimes[t.ID]
	m.mu.RUnlock()
	if ok {
		return nil
	}

	client := m.newBot(t.Token)
	me, err := client.GetMe(ctx)
	if err != nil {
		return err
	}

	m.pools.Register(t.ID, t.DatabaseURL)
	if err := m.pools.Connect(ctx, t.ID); err != nil {
		return err
	}

	if m.mods != nil {
		manifest, err := modules.LoadManifest(t.ManifestPath)
		if err != nil {
			logger.With(t.ID).Warn().Err(err).Msg("Failed to load tenant manifest")
		}
		m.mods.SetManifest(t.ID, manifest)
		m.mods.SetEnabled(ctx, t.ID, t.EnabledModules)
	}

	rt := &Runtime{
		TenantID: t.ID,
		Token:    t.Token,
		Kind:     t.Kind,
		Name:     t.Name,
		AdminIDs: t.AdminIDs,
		BotID:    me.ID,
		Client:   client,
	}
	m.mu.Lock()
	m.runtimes[t.ID] = rt
	m.byBotID[me.ID] = t.ID
	m.mu.Unlock()

	logger.With(t.ID).Info().
		Str("username", me.Username).
		Str("kind", t.Kind).
		Msg("Started tenant")
	return nil
}

// Stop tears one tenant down and closes its storage pool. Safe to call for
// tenants that are not running.
func (m *Manager) Stop(tenantID int64) {
	m.mu.Lock()
	rt, ok := m.runtimes[tenantID]
	if ok {
		delete(m.runtimes, tenantID)
		delete(m.byBotID, rt.BotID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.pools.Disconnect(tenantID)
	logger.With(tenantID).Info().Msg("Stopped tenant")
}

// Restart stops one tenant, reloads its registry row and starts it again
// with fresh configuration. Cached module state is invalidated.
func (m *Manager) Restart(ctx context.Context, tenantID int64) error {
	m.Stop(tenantID)
	if m.mods != nil {
		m.mods.Invalidate(ctx, tenantID)
	}

	t, err := m.store.TenantByID(ctx, tenantID)
	if err != nil {
		return err
	}
	if !t.IsActive || t.ArchivedAt.Valid {
		logger.With(tenantID).Info().Msg("Tenant inactive after reload, leaving stopped")
		return nil
	}
	return m.Start(ctx, t)
}

// Runtime returns the running tenant, or nil.
func (m *Manager) Runtime(tenantID int64) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[tenantID]
}

// RuntimeByBotID resolves an inbound platform event to its tenant.
func (m *Manager) RuntimeByBotID(botID int64) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.byBotID[botID]; ok {
		return m.runtimes[id]
	}
	return nil
}

// Runtimes returns a snapshot of all running tenants.
func (m *Manager) Runtimes() []*Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		out = append(out, rt)
	}
	return out
}

// StopAll stops every running tenant. Used on worker shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	var ids []int64
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Stop(id)
	}
}
