package campaign

import (
	"context"
	"encoding/json"
	"fmt"

	"botfleet-backend/internal/common/logger"
)

// runBroadcast delivers a message to every non-blocked user, resuming from
// the persisted checkpoint. The cursor and counters are persisted once per
// page, so a crash re-sends at most one page; a clean shutdown checkpoints
// the exact mid-page position before exiting. The accumulated counters are
// returned even on error, so terminal statuses keep the real progress.
func (e *Engine) runBroadcast(ctx context.Context, tenant Tenant, tr Transport, c Campaign) (sent, failed int, err error) {
	var content BroadcastContent
	if err := json.Unmarshal(c.Content, &content); err != nil {
		return 0, 0, fmt.Errorf("invalid broadcast content: %w", err)
	}
	if content.Empty() {
		return 0, 0, fmt.Errorf("broadcast campaign %d has no message", c.ID)
	}

	log := logger.With(tenant.ID)

	var lastID int64
	if cp, err := e.store.Checkpoint(ctx, c.ID); err != nil {
		return 0, 0, err
	} else if cp != nil {
		lastID, sent, failed = cp.LastUserID, cp.SentCount, cp.FailedCount
		log.Info().Int64("campaign_id", c.ID).Int64("cursor", lastID).Msg("Broadcast resumed from checkpoint")
	}

	jobID, err := e.store.CreateJob(ctx, "broadcast", map[string]interface{}{"campaign_id": c.ID})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create job row")
	}
	e.updateJob(ctx, jobID, "running", 0, nil)

	for {
		cancelled, err := e.store.IsCancelRequested(ctx, c.ID)
		if err != nil {
			return sent, failed, err
		}
		if cancelled {
			return sent, failed, e.cancelPagedRun(ctx, c.ID, jobID, "Broadcast cancelled by administrator", tenant)
		}

		page, err := e.store.RecipientsPage(ctx, lastID, e.cfg.PageSize)
		if err != nil {
			return sent, failed, err
		}
		if len(page) == 0 {
			break
		}

		for i, r := range page {
			if ctx.Err() != nil {
				// Checkpoint happens-before the task exits. WithoutCancel keeps
				// the tenant binding while detaching the shutdown cancellation.
				if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), c.ID, Checkpoint{lastID, sent, failed}); err != nil {
					log.Error().Err(err).Int64("campaign_id", c.ID).Msg("Failed to checkpoint on shutdown")
				}
				log.Info().Int64("campaign_id", c.ID).Int64("cursor", lastID).Int("sent", sent).Msg("Broadcast paused")
				return sent, failed, ctx.Err()
			}
			if i > 0 && i%e.cfg.CancelCheckEvery == 0 {
				if cancelled, err := e.store.IsCancelRequested(ctx, c.ID); err == nil && cancelled {
					return sent, failed, e.cancelPagedRun(ctx, c.ID, jobID, "Broadcast cancelled by administrator", tenant)
				}
			}

			if e.sendWithRetry(ctx, tr, r, &content.Message) {
				sent++
			} else {
				failed++
			}
			lastID = r.ID
			e.pace(ctx)
		}

		if err := e.store.SaveCheckpoint(ctx, c.ID, Checkpoint{lastID, sent, failed}); err != nil {
			return sent, failed, err
		}
		e.updateJob(ctx, jobID, "running", 0, map[string]interface{}{
			"sent": sent, "failed": failed, "last_user_id": lastID,
		})
	}

	if err := e.store.MarkCompleted(ctx, c.ID, sent, failed); err != nil {
		return sent, failed, err
	}
	if err := e.store.DeleteCheckpoint(ctx, c.ID); err != nil {
		return sent, failed, err
	}
	e.updateJob(ctx, jobID, "completed", 100, map[string]interface{}{"sent": sent, "failed": failed})

	log.Info().Int64("campaign_id", c.ID).Int("sent", sent).Int("failed", failed).Msg("Broadcast finished")
	e.notifyAdmins(ctx, tenant, tr, fmt.Sprintf(
		"✅ Рассылка #%d завершена\n\nОтправлено: %d\nОшибок: %d", c.ID, sent, failed))
	return sent, failed, nil
}

// cancelPagedRun finalizes an administrator cancel: terminal, not resumable,
// so the checkpoint is removed.
func (e *Engine) cancelPagedRun(ctx context.Context, campaignID, jobID int64, reason string, tenant Tenant) error {
	logger.With(tenant.ID).Info().Int64("campaign_id", campaignID).Msg(reason)
	if err := e.store.DeleteCheckpoint(ctx, campaignID); err != nil {
		return err
	}
	if err := e.store.MarkCancelled(ctx, campaignID); err != nil {
		return err
	}
	e.updateJob(ctx, jobID, "cancelled", 0, nil)
	return nil
}
