package campaign

import (
	"context"
	"fmt"
	"time"

	"botfleet-backend/internal/common/logger"
)

// Tenant carries the engine's view of the tenant a campaign belongs to.
type Tenant struct {
	ID       int64
	AdminIDs []int64
}

// SettingsResolver resolves effective per-tenant module settings; the raffle
// fallback texts and similar knobs come through here.
type SettingsResolver interface {
	Settings(ctx context.Context, tenantID int64, moduleName string) (map[string]interface{}, error)
}

// Config bounds the engine's pacing and checkpointing behavior.
type Config struct {
	PageSize     int
	MessageDelay time.Duration
	SendRetries  int
	// Admin cancellation is polled once per this many sends inside a page.
	CancelCheckEvery int
}

func DefaultConfig() Config {
	return Config{
		PageSize:         100,
		MessageDelay:     50 * time.Millisecond,
		SendRetries:      3,
		CancelCheckEvery: 25,
	}
}

// Engine executes campaigns against the tenant-scoped storage bound to the
// calling context and the tenant's outbound channel.
type Engine struct {
	store        Storage
	settings     SettingsResolver
	cfg          Config
	globalAdmins []int64
}

func NewEngine(store Storage, settings SettingsResolver, cfg Config, globalAdmins []int64) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.SendRetries <= 0 {
		cfg.SendRetries = DefaultConfig().SendRetries
	}
	if cfg.CancelCheckEvery <= 0 {
		cfg.CancelCheckEvery = DefaultConfig().CancelCheckEvery
	}
	return &Engine{store: store, settings: settings, cfg: cfg, globalAdmins: globalAdmins}
}

// Execute dispatches one due campaign. The campaign moves pending → running
// first; a shutdown mid-run leaves it running with its progress checkpointed
// for resume, any other error marks it failed with the reason retained.
func (e *Engine) Execute(ctx context.Context, tenant Tenant, tr Transport, c Campaign) error {
	log := logger.With(tenant.ID)
	log.Info().Int64("campaign_id", c.ID).Str("type", c.Type).Msg("Starting campaign")

	if err := e.store.MarkRunning(ctx, c.ID); err != nil {
		return err
	}

	var sent, failed int
	var err error
	switch c.Type {
	case TypeBroadcast:
		sent, failed, err = e.runBroadcast(ctx, tenant, tr, c)
	case TypeMessage:
		sent, failed, err = e.runSingleMessage(ctx, tenant, tr, c)
	case TypeRaffle:
		sent, failed, err = e.runRaffle(ctx, tenant, tr, c)
	default:
		err = fmt.Errorf("unknown campaign type: %s", c.Type)
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not failure: progress is checkpointed, the campaign
			// stays resumable.
			log.Info().Int64("campaign_id", c.ID).Msg("Campaign paused by shutdown")
			return err
		}
		log.Error().Err(err).Int64("campaign_id", c.ID).Msg("Campaign failed")
		// Terminal: the real counters go on the row, the checkpoint goes away.
		if markErr := e.store.MarkFailed(ctx, c.ID, err.Error(), sent, failed); markErr != nil {
			log.Error().Err(markErr).Int64("campaign_id", c.ID).Msg("Failed to mark campaign failed")
		}
		if delErr := e.store.DeleteCheckpoint(ctx, c.ID); delErr != nil {
			log.Error().Err(delErr).Int64("campaign_id", c.ID).Msg("Failed to drop checkpoint of failed campaign")
		}
	}
	return err
}

// notifyAdmins sends a completion report to the tenant's admins plus the
// global allow-list. Delivery failures here are deliberately ignored.
func (e *Engine) notifyAdmins(ctx context.Context, tenant Tenant, tr Transport, report string) {
	seen := make(map[int64]bool)
	for _, ids := range [][]int64{tenant.AdminIDs, e.globalAdmins} {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			_ = tr.SendMessage(ctx, id, report)
		}
	}
}

func (e *Engine) updateJob(ctx context.Context, jobID int64, status string, progress int, details map[string]interface{}) {
	if jobID == 0 {
		return
	}
	if err := e.store.UpdateJob(ctx, jobID, status, progress, details); err != nil {
		logger.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to update job progress")
	}
}
