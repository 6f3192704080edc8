package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"botfleet-backend/internal/common/logger"
)

// runRaffle executes a prize draw in three resumable phases: selection
// (atomic, guarded by the existing-winners check), winner notification
// (idempotent per row), and an optional paged loser phase sharing the
// broadcast checkpoint mechanism.
func (e *Engine) runRaffle(ctx context.Context, tenant Tenant, tr Transport, c Campaign) (int, int, error) {
	var content RaffleContent
	if err := json.Unmarshal(c.Content, &content); err != nil {
		return 0, 0, fmt.Errorf("invalid raffle content: %w", err)
	}
	if len(content.Prizes) == 0 {
		return 0, 0, fmt.Errorf("raffle campaign %d has no prize tiers", c.ID)
	}

	log := logger.With(tenant.ID)
	jobID, err := e.store.CreateJob(ctx, "raffle", map[string]interface{}{"campaign_id": c.ID})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create job row")
	}
	e.updateJob(ctx, jobID, "running", 0, nil)

	// Selection phase. Runs only when no winners exist yet: re-running after
	// a crash is a no-op, and the draw itself commits all tiers atomically.
	winners, err := e.store.Winners(ctx, c.ID)
	if err != nil {
		return 0, 0, err
	}
	if len(winners) == 0 {
		log.Info().Int64("campaign_id", c.ID).Int("tiers", len(content.Prizes)).Msg("Selecting raffle winners")
		if err := e.store.DrawWinners(ctx, c.ID, content.Prizes); err != nil {
			return 0, 0, err
		}
		winners, err = e.store.Winners(ctx, c.ID)
		if err != nil {
			return 0, 0, err
		}
		if len(winners) == 0 {
			log.Warn().Int64("campaign_id", c.ID).Msg("Raffle has no eligible participants")
			if err := e.store.MarkCompleted(ctx, c.ID, 0, 0); err != nil {
				return 0, 0, err
			}
			e.updateJob(ctx, jobID, "completed", 100, map[string]interface{}{"winners": 0})
			return 0, 0, nil
		}
	}
	e.updateJob(ctx, jobID, "running", 30, map[string]interface{}{"winners": len(winners)})

	// Notification phase: already-notified rows are skipped, so a crash
	// mid-notification resumes exactly where it stopped.
	sentWin, failedWin := 0, 0
	for _, w := range winners {
		if ctx.Err() != nil {
			log.Info().Int64("campaign_id", c.ID).Msg("Raffle paused during winner notification")
			return sentWin, failedWin, ctx.Err()
		}
		if w.Notified {
			sentWin++
			continue
		}

		msg := content.WinMessage
		if msg.Empty() {
			msg = e.winFallback(ctx, tenant.ID, w.PrizeName)
		}
		if e.sendWithRetry(ctx, tr, Recipient{ID: w.UserID, TelegramID: w.TelegramID}, msg) {
			if err := e.store.MarkWinnerNotified(ctx, w.ID); err != nil {
				return sentWin, failedWin, err
			}
			sentWin++
		} else {
			failedWin++
		}
		e.pace(ctx)
	}
	e.updateJob(ctx, jobID, "running", 60, map[string]interface{}{"winners_notified": sentWin})

	// Loser phase over "participant minus winner", checkpointed per page
	// exactly like a broadcast.
	loseMsg := content.LoseMessage
	if loseMsg.Empty() {
		loseMsg = e.loseFallback(ctx, tenant.ID)
	}
	sentLose, failedLose := 0, 0
	if !loseMsg.Empty() {
		var lastID int64
		if cp, err := e.store.Checkpoint(ctx, c.ID); err != nil {
			return sentWin, failedWin, err
		} else if cp != nil {
			lastID, sentLose, failedLose = cp.LastUserID, cp.SentCount, cp.FailedCount
		}

		for {
			cancelled, err := e.store.IsCancelRequested(ctx, c.ID)
			if err != nil {
				return sentWin + sentLose, failedWin + failedLose, err
			}
			if cancelled {
				return sentWin + sentLose, failedWin + failedLose,
					e.cancelPagedRun(ctx, c.ID, jobID, "Raffle cancelled by administrator", tenant)
			}

			page, err := e.store.LosersPage(ctx, c.ID, lastID, e.cfg.PageSize)
			if err != nil {
				return sentWin + sentLose, failedWin + failedLose, err
			}
			if len(page) == 0 {
				break
			}
			for _, r := range page {
				if ctx.Err() != nil {
					if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), c.ID, Checkpoint{lastID, sentLose, failedLose}); err != nil {
						log.Error().Err(err).Int64("campaign_id", c.ID).Msg("Failed to checkpoint on shutdown")
					}
					log.Info().Int64("campaign_id", c.ID).Int64("cursor", lastID).Msg("Raffle paused during loser phase")
					return sentWin + sentLose, failedWin + failedLose, ctx.Err()
				}
				if e.sendWithRetry(ctx, tr, r, loseMsg) {
					sentLose++
				} else {
					failedLose++
				}
				lastID = r.ID
				e.pace(ctx)
			}
			if err := e.store.SaveCheckpoint(ctx, c.ID, Checkpoint{lastID, sentLose, failedLose}); err != nil {
				return sentWin + sentLose, failedWin + failedLose, err
			}
		}
		if err := e.store.DeleteCheckpoint(ctx, c.ID); err != nil {
			return sentWin + sentLose, failedWin + failedLose, err
		}
	}

	if err := e.store.MarkCompleted(ctx, c.ID, sentWin+sentLose, failedWin+failedLose); err != nil {
		return sentWin + sentLose, failedWin + failedLose, err
	}

	// Intermediate rounds consume the tickets that entered this draw. The
	// burn is one-way and must only ever run after the winner rows above
	// are durably committed.
	if content.Intermediate {
		if err := e.store.BurnTickets(ctx); err != nil {
			return sentWin + sentLose, failedWin + failedLose, err
		}
		log.Info().Int64("campaign_id", c.ID).Msg("Ticket ledgers burned after intermediate draw")
	}

	e.updateJob(ctx, jobID, "completed", 100, map[string]interface{}{
		"winners": len(winners), "winners_notified": sentWin, "losers_notified": sentLose,
	})
	log.Info().Int64("campaign_id", c.ID).Int("winners", len(winners)).
		Int("winners_notified", sentWin).Int("losers_notified", sentLose).Msg("Raffle finished")

	e.notifyAdmins(ctx, tenant, tr, fmt.Sprintf(
		"🎁 Розыгрыш #%d завершен\n🏆 Победителей: %d\n📢 Уведомлено: %d (побед) + %d (остальных)",
		c.ID, len(winners), sentWin, sentLose))
	return sentWin + sentLose, failedWin + failedLose, nil
}

// winFallback resolves the winner text when the campaign content carries
// none: tenant raffle-module settings first, then a fixed default.
func (e *Engine) winFallback(ctx context.Context, tenantID int64, prize string) *Message {
	text := "🎉 Поздравляем! Вы выиграли: %s!"
	if e.settings != nil {
		if s, err := e.settings.Settings(ctx, tenantID, "raffle"); err == nil {
			if v, ok := s["win_message"].(string); ok && v != "" {
				text = v
			}
		}
	}
	if strings.Contains(text, "%s") {
		return &Message{Text: fmt.Sprintf(text, prize)}
	}
	return &Message{Text: text}
}

func (e *Engine) loseFallback(ctx context.Context, tenantID int64) *Message {
	if e.settings == nil {
		return &Message{}
	}
	s, err := e.settings.Settings(ctx, tenantID, "raffle")
	if err != nil {
		return &Message{}
	}
	if v, ok := s["lose_message"].(string); ok && v != "" {
		return &Message{Text: v}
	}
	return &Message{}
}
