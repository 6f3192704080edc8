package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet-backend/internal/campaign"
	"botfleet-backend/internal/lifecycle"
	"botfleet-backend/internal/platform/telegram"
	"botfleet-backend/internal/tenantdb"
)

type staticRuntimes []*lifecycle.Runtime

func (s staticRuntimes) Runtimes() []*lifecycle.Runtime { return s }

type noopBot struct{}

func (noopBot) GetMe(ctx context.Context) (*telegram.User, error) { return &telegram.User{ID: 1}, nil }
func (noopBot) SendMessage(ctx context.Context, chatID int64, text string) error { return nil }
func (noopBot) SendPhoto(ctx context.Context, chatID int64, photo, caption string) error {
	return nil
}

// dueByTenant returns campaigns keyed by the tenant bound to the context.
type dueByTenant struct {
	mu          sync.Mutex
	byTenant    map[int64][]campaign.Campaign
	contextErrs int
}

func (d *dueByTenant) DueCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	pool, err := tenantdb.Current(ctx)
	if err != nil {
		d.mu.Lock()
		d.contextErrs++
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byTenant[pool.TenantID()], nil
}

type recordingExecutor struct {
	mu   sync.Mutex
	runs []executed
	slow time.Duration
}

type executed struct {
	tenantID   int64
	campaignID int64
}

func (r *recordingExecutor) Execute(ctx context.Context, tenant campaign.Tenant, tr campaign.Transport, c campaign.Campaign) error {
	if r.slow > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.slow):
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, executed{tenantID: tenant.ID, campaignID: c.ID})
	return nil
}

func (r *recordingExecutor) executions() []executed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]executed, len(r.runs))
	copy(out, r.runs)
	return out
}

func runtime(id int64) *lifecycle.Runtime {
	return &lifecycle.Runtime{TenantID: id, AdminIDs: []int64{id * 100}, Client: noopBot{}}
}

func poolManager(ids ...int64) *tenantdb.Manager {
	m := tenantdb.NewManager(tenantdb.DefaultPoolConfig())
	for _, id := range ids {
		m.Register(id, "postgres://tenant")
	}
	return m
}

func TestSweepExecutesDueCampaignsInOrder(t *testing.T) {
	src := &dueByTenant{byTenant: map[int64][]campaign.Campaign{
		1: {{ID: 10, Type: campaign.TypeBroadcast}, {ID: 11, Type: campaign.TypeRaffle}},
	}}
	ex := &recordingExecutor{}
	s := New(staticRuntimes{runtime(1)}, poolManager(1), src, ex, time.Minute, 4, nil)

	s.Sweep(context.Background())

	require.Equal(t, []executed{{1, 10}, {1, 11}}, ex.executions())
	assert.Equal(t, 0, src.contextErrs)
}

func TestSweepCoversEveryRunningTenant(t *testing.T) {
	src := &dueByTenant{byTenant: map[int64][]campaign.Campaign{
		1: {{ID: 10}},
		2: {{ID: 20}},
		3: {{ID: 30}},
	}}
	ex := &recordingExecutor{}
	s := New(staticRuntimes{runtime(1), runtime(2), runtime(3)}, poolManager(1, 2, 3), src, ex, time.Minute, 2, nil)

	s.Sweep(context.Background())

	got := ex.executions()
	assert.Len(t, got, 3)
	tenants := make(map[int64]bool)
	for _, run := range got {
		tenants[run.tenantID] = true
	}
	assert.Len(t, tenants, 3)
}

func TestSweepSkipsTenantWithoutPool(t *testing.T) {
	src := &dueByTenant{byTenant: map[int64][]campaign.Campaign{1: {{ID: 10}}, 2: {{ID: 20}}}}
	ex := &recordingExecutor{}
	// пул зарегистрирован только для первого тенанта
	s := New(staticRuntimes{runtime(1), runtime(2)}, poolManager(1), src, ex, time.Minute, 4, nil)

	s.Sweep(context.Background())

	assert.Equal(t, []executed{{1, 10}}, ex.executions())
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	src := &dueByTenant{byTenant: map[int64][]campaign.Campaign{1: {{ID: 10}}}}
	ex := &recordingExecutor{}
	s := New(staticRuntimes{runtime(1)}, poolManager(1), src, ex, time.Minute, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Sweep(ctx)

	assert.Empty(t, ex.executions())
}

func TestRunWakesOnSignal(t *testing.T) {
	src := &dueByTenant{byTenant: map[int64][]campaign.Campaign{1: {{ID: 10}}}}
	ex := &recordingExecutor{}
	wake := make(chan struct{}, 1)
	s := New(staticRuntimes{runtime(1)}, poolManager(1), src, ex, time.Hour, 4, wake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// стартовый проход
	assert.Eventually(t, func() bool {
		return len(ex.executions()) >= 1
	}, time.Second, 5*time.Millisecond)

	wake <- struct{}{}
	assert.Eventually(t, func() bool {
		return len(ex.executions()) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRunPeriodicTickIsFallback(t *testing.T) {
	src := &dueByTenant{byTenant: map[int64][]campaign.Campaign{1: {{ID: 10}}}}
	ex := &recordingExecutor{}
	s := New(staticRuntimes{runtime(1)}, poolManager(1), src, ex, 20*time.Millisecond, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool {
		return len(ex.executions()) >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(staticRuntimes{}, poolManager(), &dueByTenant{}, &recordingExecutor{}, 0, 0, nil)
	assert.Equal(t, 30*time.Second, s.interval)
	assert.Equal(t, 8, s.maxConcurrent)
}
