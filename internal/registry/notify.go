package registry

import (
	"context"
	"strconv"

	apperrors "botfleet-backend/internal/common/errors"
)

// Signaling channels shared between the control plane and the worker
// process. Delivery is fire-and-forget, at-least-once; the scheduler's
// fallback sweep covers a dropped subscription.
const (
	ChannelTenantAdded   = "tenant_added"
	ChannelTenantRestart = "tenant_restart"
	ChannelConfigReload  = "config_reload"
	ChannelCampaignDue   = "campaign_due"
)

// NotifyTenantAdded signals the worker that a new tenant row exists.
func (s *Store) NotifyTenantAdded(ctx context.Context) error {
	return s.notify(ctx, ChannelTenantAdded, "")
}

// NotifyTenantRestart asks the worker to stop+reload+start one tenant.
func (s *Store) NotifyTenantRestart(ctx context.Context, tenantID int64) error {
	return s.notify(ctx, ChannelTenantRestart, strconv.FormatInt(tenantID, 10))
}

// NotifyConfigReload asks the worker to drop the tenant's cached settings.
func (s *Store) NotifyConfigReload(ctx context.Context, tenantID int64) error {
	return s.notify(ctx, ChannelConfigReload, strconv.FormatInt(tenantID, 10))
}

// NotifyCampaignDue wakes the scheduler after a due campaign was inserted.
func (s *Store) NotifyCampaignDue(ctx context.Context, tenantID int64) error {
	return s.notify(ctx, ChannelCampaignDue, strconv.FormatInt(tenantID, 10))
}

func (s *Store) notify(ctx context.Context, channel, payload string) error {
	_, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return apperrors.NewDatabaseError("pg_notify "+channel, err)
	}
	return nil
}
