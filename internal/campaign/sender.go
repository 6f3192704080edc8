package campaign

import (
	"context"
	"time"

	"botfleet-backend/internal/common/logger"
	"botfleet-backend/internal/platform/telegram"
)

// Transport is the outbound channel a campaign delivers through.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, photo, caption string) error
}

const baseBackoff = 500 * time.Millisecond

// sendWithRetry attempts delivery to one recipient. A blocked-class error
// marks the user blocked in storage and fails immediately; rate limits honor
// the server's retry_after; anything else retries with exponential backoff
// up to the configured bound. Returns whether delivery succeeded.
func (e *Engine) sendWithRetry(ctx context.Context, tr Transport, r Recipient, msg *Message) bool {
	for attempt := 0; attempt < e.cfg.SendRetries; attempt++ {
		err := deliver(ctx, tr, r.TelegramID, msg)
		if err == nil {
			return true
		}

		if telegram.IsBlocked(err) {
			e.markBlocked(ctx, r)
			return false
		}

		if attempt == e.cfg.SendRetries-1 {
			logger.Error().Err(err).Int64("telegram_id", r.TelegramID).Msg("Delivery failed after retries")
			return false
		}

		wait := baseBackoff << attempt
		if ra := telegram.RetryAfter(err); ra > 0 {
			wait = ra
		}
		if !sleep(ctx, wait) {
			return false
		}
	}
	return false
}

func deliver(ctx context.Context, tr Transport, telegramID int64, msg *Message) error {
	if msg.Photo != "" {
		return tr.SendPhoto(ctx, telegramID, msg.Photo, msg.Caption)
	}
	return tr.SendMessage(ctx, telegramID, msg.Text)
}

func (e *Engine) markBlocked(ctx context.Context, r Recipient) {
	var err error
	if r.ID != 0 {
		err = e.store.MarkBlocked(ctx, r.ID)
	} else {
		err = e.store.MarkBlockedByTelegramID(ctx, r.TelegramID)
	}
	if err != nil {
		logger.Warn().Err(err).Int64("telegram_id", r.TelegramID).Msg("Failed to mark user blocked")
	}
}

// pace applies the fixed inter-message delay that respects the outbound
// channel's rate limits.
func (e *Engine) pace(ctx context.Context) {
	if e.cfg.MessageDelay > 0 {
		sleep(ctx, e.cfg.MessageDelay)
	}
}

// sleep waits for d or until ctx is cancelled; reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
