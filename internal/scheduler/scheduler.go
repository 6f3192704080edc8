package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"botfleet-backend/internal/campaign"
	"botfleet-backend/internal/common/logger"
	"botfleet-backend/internal/lifecycle"
	"botfleet-backend/internal/tenantdb"
)

// Runtimes supplies the currently running tenant set.
type Runtimes interface {
	Runtimes() []*lifecycle.Runtime
}

// PoolProvider resolves a tenant's storage pool for context binding.
type PoolProvider interface {
	Get(tenantID int64) *tenantdb.Pool
}

// CampaignSource fetches due campaigns from the tenant bound to the context.
type CampaignSource interface {
	DueCampaigns(ctx context.Context) ([]campaign.Campaign, error)
}

// Executor runs one campaign to a terminal state or a checkpointed pause.
type Executor interface {
	Execute(ctx context.Context, tenant campaign.Tenant, tr campaign.Transport, c campaign.Campaign) error
}

// Scheduler wakes on bridge signals or a fixed interval, whichever fires
// first, and hands due campaigns to the execution engine. Tenants are
// processed concurrently as independent tasks; within one tenant, campaigns
// run sequentially in submission order so broadcasts keep their
// user-visible ordering.
type Scheduler struct {
	runtimes Runtimes
	pools    PoolProvider
	source   CampaignSource
	engine   Executor

	interval      time.Duration
	maxConcurrent int
	wake          <-chan struct{}
}

func New(runtimes Runtimes, pools PoolProvider, source CampaignSource, engine Executor,
	interval time.Duration, maxConcurrent int, wake <-chan struct{}) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scheduler{
		runtimes:      runtimes,
		pools:         pools,
		source:        source,
		engine:        engine,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		wake:          wake,
	}
}

// Run blocks until ctx is cancelled. The periodic tick is the durable
// fallback behind the push signals: future-scheduled campaigns and signals
// lost to a dropped subscription are both picked up here.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info().Dur("interval", s.interval).Msg("Scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// One immediate sweep at startup resumes anything left running by a
	// previous process.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Scheduler stopped")
			return
		case <-s.wake:
			s.Sweep(ctx)
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep queries every running tenant for due campaigns and executes them.
// A slow tenant never blocks the others; errors are contained per tenant.
func (s *Scheduler) Sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)

	for _, rt := range s.runtimes.Runtimes() {
		rt := rt
		g.Go(func() error {
			s.sweepTenant(gctx, rt)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) sweepTenant(ctx context.Context, rt *lifecycle.Runtime) {
	log := logger.With(rt.TenantID)

	pool := s.pools.Get(rt.TenantID)
	if pool == nil {
		log.Warn().Msg("No storage pool for running tenant, skipping sweep")
		return
	}
	tctx := tenantdb.WithTenant(ctx, pool)

	due, err := s.source.DueCampaigns(tctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch due campaigns")
		return
	}

	for _, c := range due {
		if ctx.Err() != nil {
			return
		}
		tenant := campaign.Tenant{ID: rt.TenantID, AdminIDs: rt.AdminIDs}
		if err := s.engine.Execute(tctx, tenant, rt.Client, c); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Int64("campaign_id", c.ID).Msg("Campaign execution failed")
		}
	}
}
