package campaign

import (
	"context"
	"encoding/json"
	"fmt"

	"botfleet-backend/internal/common/logger"
)

// runSingleMessage sends one message to one user. A single unit of work is
// terminal either way, so there is nothing to checkpoint.
func (e *Engine) runSingleMessage(ctx context.Context, tenant Tenant, tr Transport, c Campaign) (int, int, error) {
	var content SingleMessageContent
	if err := json.Unmarshal(c.Content, &content); err != nil {
		return 0, 0, fmt.Errorf("invalid message content: %w", err)
	}

	r, err := e.resolveTarget(ctx, &content)
	if err != nil {
		return 0, 0, err
	}
	if r == nil {
		logger.With(tenant.ID).Error().Int64("campaign_id", c.ID).Msg("Single message target not found")
		return 0, 1, e.store.MarkCompleted(ctx, c.ID, 0, 1)
	}

	if e.sendWithRetry(ctx, tr, *r, &content.Message) {
		return 1, 0, e.store.MarkCompleted(ctx, c.ID, 1, 0)
	}
	return 0, 1, e.store.MarkCompleted(ctx, c.ID, 0, 1)
}

// resolveTarget returns the recipient from whichever identifier the content
// carries, fetching the missing one from storage.
func (e *Engine) resolveTarget(ctx context.Context, content *SingleMessageContent) (*Recipient, error) {
	switch {
	case content.UserID != 0 && content.TelegramID != 0:
		return &Recipient{ID: content.UserID, TelegramID: content.TelegramID}, nil
	case content.UserID != 0:
		return e.store.UserByID(ctx, content.UserID)
	case content.TelegramID != 0:
		r, err := e.store.UserByTelegramID(ctx, content.TelegramID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			// Unknown to this tenant's base; still deliverable by platform id.
			return &Recipient{TelegramID: content.TelegramID}, nil
		}
		return r, nil
	default:
		return nil, fmt.Errorf("single message has no recipient id")
	}
}
