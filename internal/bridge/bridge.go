package bridge

import (
	"context"
	"strconv"
	"time"

	"github.com/lib/pq"

	"botfleet-backend/internal/common/logger"
	"botfleet-backend/internal/registry"
)

// Event is one (topic, payload) pair received from the signaling channel.
type Event struct {
	Topic   string
	Payload string
}

// Lifecycle is the slice of the tenant lifecycle manager the bridge drives.
type Lifecycle interface {
	Reconcile(ctx context.Context) error
	Restart(ctx context.Context, tenantID int64) error
}

// ModuleCache is the settings-cache slice of the module registry. A reload
// signal drops only cached stored settings; the enabled set and manifest are
// rebuilt by the restart path instead.
type ModuleCache interface {
	InvalidateSettings(ctx context.Context, tenantID int64)
}

// Bridge maintains one persistent subscription to the shared signaling
// channel and feeds a work queue consumed in coalesced batches. Channel
// delivery is not durable across a dropped subscription; the scheduler's
// periodic sweep is the at-least-once guard behind it.
type Bridge struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration

	lifecycle Lifecycle
	mods      ModuleCache
	wake      chan<- struct{}

	queue chan Event
}

func New(dsn string, minReconnect, maxReconnect time.Duration, lc Lifecycle, mods ModuleCache, wake chan<- struct{}) *Bridge {
	return &Bridge{
		dsn:          dsn,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		lifecycle:    lc,
		mods:         mods,
		wake:         wake,
		queue:        make(chan Event, 256),
	}
}

// Run blocks until ctx is cancelled. The subscription reconnects on
// transport failure on its own; a reconnect only ever loses notifications,
// never crashes the process.
func (b *Bridge) Run(ctx context.Context) {
	listener := pq.NewListener(b.dsn, b.minReconnect, b.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info().Msg("Notification bridge connected")
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			logger.Warn().Err(err).Msg("Notification bridge connection lost, retrying")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("Notification bridge reconnected")
		}
	})
	defer listener.Close()

	for _, channel := range []string{
		registry.ChannelTenantAdded,
		registry.ChannelTenantRestart,
		registry.ChannelConfigReload,
		registry.ChannelCampaignDue,
	} {
		if err := listener.Listen(channel); err != nil {
			logger.Error().Err(err).Str("channel", channel).Msg("Failed to subscribe")
		}
	}
	logger.Info().Msg("Notification bridge subscribed")

	go b.receive(ctx, listener)
	b.Consume(ctx)
}

// receive forwards notifications into the work queue and keeps the
// connection alive with periodic pings while idle.
func (b *Bridge) receive(ctx context.Context, listener *pq.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// nil marks a reconnect; notifications may have been lost,
				// the fallback sweep covers them.
				continue
			}
			select {
			case b.queue <- Event{Topic: n.Channel, Payload: n.Extra}:
			default:
				logger.Warn().Str("channel", n.Channel).Msg("Bridge queue full, dropping signal")
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					logger.Warn().Err(err).Msg("Bridge ping failed")
				}
			}()
		}
	}
}

// Consume drains the work queue: once woken it takes everything currently
// buffered in one batch, so a burst of signals collapses into a minimal set
// of actions.
func (b *Bridge) Consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case first := <-b.queue:
			batch := []Event{first}
			for drained := false; !drained; {
				select {
				case ev := <-b.queue:
					batch = append(batch, ev)
				default:
					drained = true
				}
			}
			b.dispatchBatch(ctx, batch)
		}
	}
}

// Enqueue feeds an event directly; used by tests and in-process callers.
func (b *Bridge) Enqueue(ev Event) {
	select {
	case b.queue <- ev:
	default:
	}
}

func (b *Bridge) dispatchBatch(ctx context.Context, batch []Event) {
	reconcile := false
	campaignsDue := false
	restarts := make(map[int64]bool)
	reloads := make(map[int64]bool)

	for _, ev := range batch {
		switch ev.Topic {
		case registry.ChannelTenantAdded:
			reconcile = true
		case registry.ChannelTenantRestart:
			if id, ok := parseTenantID(ev); ok {
				restarts[id] = true
			}
		case registry.ChannelConfigReload:
			if id, ok := parseTenantID(ev); ok {
				reloads[id] = true
			}
		case registry.ChannelCampaignDue:
			campaignsDue = true
		default:
			logger.Warn().Str("topic", ev.Topic).Msg("Unknown signal topic")
		}
	}

	if reconcile {
		logger.Info().Msg("Signal: tenant added, reconciling")
		if err := b.lifecycle.Reconcile(ctx); err != nil {
			logger.Error().Err(err).Msg("Reconcile after tenant_added failed")
		}
	}
	for id := range restarts {
		logger.With(id).Info().Msg("Signal: tenant restart")
		if err := b.lifecycle.Restart(ctx, id); err != nil {
			logger.With(id).Error().Err(err).Msg("Tenant restart failed")
		}
	}
	for id := range reloads {
		logger.With(id).Info().Msg("Signal: config reload")
		if b.mods != nil {
			b.mods.InvalidateSettings(ctx, id)
		}
	}
	if campaignsDue && b.wake != nil {
		select {
		case b.wake <- struct{}{}:
		default: // scheduler already has a pending wake
		}
	}
}

func parseTenantID(ev Event) (int64, bool) {
	id, err := strconv.ParseInt(ev.Payload, 10, 64)
	if err != nil {
		logger.Error().Str("topic", ev.Topic).Str("payload", ev.Payload).Msg("Invalid tenant id payload")
		return 0, false
	}
	return id, true
}
