package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	apperrors "botfleet-backend/internal/common/errors"
	"botfleet-backend/internal/common/logger"
)

// PoolConfig bounds a tenant's connection pool.
type PoolConfig struct {
	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxIdle    time.Duration
	AcquireTimeout time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:   10,
		MaxIdleConns:   2,
		ConnMaxIdle:    5 * time.Minute,
		AcquireTimeout: 10 * time.Second,
	}
}

// Pool is one tenant's isolated connection pool. No two tenants ever share
// a pool.
type Pool struct {
	tenantID       int64
	databaseURL    string
	acquireTimeout time.Duration
	db             *sql.DB
}

func (p *Pool) TenantID() int64 { return p.tenantID }

// DB exposes the underlying handle for plain pooled queries.
func (p *Pool) DB() *sql.DB { return p.db }

// Acquire pins one connection from the pool. Under load it fails fast with a
// POOL_EXHAUSTED error once the acquire timeout elapses instead of hanging.
// The caller owns the returned connection and must Close it.
func (p *Pool) Acquire(ctx context.Context) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if acquireCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, apperrors.NewPoolExhaustedError(p.tenantID, err)
		}
		return nil, apperrors.NewDatabaseError("acquire connection", err).WithTenantID(p.tenantID)
	}
	return conn, nil
}

// BeginTx starts a transaction, subject to the same acquire-timeout contract.
func (p *Pool) BeginTx(ctx context.Context) (*sql.Tx, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(acquireCtx, nil)
	if err != nil {
		if acquireCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, apperrors.NewPoolExhaustedError(p.tenantID, err)
		}
		return nil, apperrors.NewDatabaseError("begin tx", err).WithTenantID(p.tenantID)
	}
	return tx, nil
}

// Manager owns the pools of all registered tenants.
type Manager struct {
	mu    sync.RWMutex
	cfg   PoolConfig
	pools map[int64]*Pool
}

func NewManager(cfg PoolConfig) *Manager {
	return &Manager{cfg: cfg, pools: make(map[int64]*Pool)}
}

// Register records a pool descriptor without connecting. Повторная
// регистрация того же тенанта — no-op.
func (m *Manager) Register(tenantID int64, databaseURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[tenantID]; ok {
		return
	}
	m.pools[tenantID] = &Pool{
		tenantID:       tenantID,
		databaseURL:    databaseURL,
		acquireTimeout: m.cfg.AcquireTimeout,
	}
}

// Connect opens the tenant's pool and idempotently applies the tenant schema
// under an advisory lock, so process instances racing at boot do not
// double-apply migrations.
func (m *Manager) Connect(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	pool, ok := m.pools[tenantID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("tenant %d not registered", tenantID)
	}
	if pool.db != nil {
		return nil
	}

	db, err := sql.Open("postgres", pool.databaseURL)
	if err != nil {
		return apperrors.NewDatabaseError("open tenant database", err).WithTenantID(tenantID)
	}
	db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(m.cfg.ConnMaxIdle)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return apperrors.NewDatabaseError("ping tenant database", err).WithTenantID(tenantID)
	}
	pool.db = db

	if err := migrate(ctx, pool); err != nil {
		_ = db.Close()
		pool.db = nil
		return err
	}

	logger.With(tenantID).Info().
		Int("max_open_conns", m.cfg.MaxOpenConns).
		Msg("Tenant database pool initialized")
	return nil
}

// Disconnect drains and closes the tenant's pool and forgets the descriptor.
func (m *Manager) Disconnect(tenantID int64) {
	m.mu.Lock()
	pool, ok := m.pools[tenantID]
	if ok {
		delete(m.pools, tenantID)
	}
	m.mu.Unlock()
	if !ok || pool.db == nil {
		return
	}
	if err := pool.db.Close(); err != nil {
		logger.With(tenantID).Error().Err(err).Msg("Failed to close tenant database pool")
		return
	}
	logger.With(tenantID).Info().Msg("Tenant database pool closed")
}

// Get returns the tenant's pool, or nil when not registered.
func (m *Manager) Get(tenantID int64) *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[tenantID]
}

// CloseAll disconnects every tenant. Used on worker shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[int64]*Pool)
	m.mu.Unlock()
	for id, pool := range pools {
		if pool.db != nil {
			if err := pool.db.Close(); err != nil {
				logger.With(id).Error().Err(err).Msg("Failed to close tenant database pool")
			}
		}
	}
}
