package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "botfleet-backend/internal/common/errors"
	"botfleet-backend/internal/platform/telegram"
	"botfleet-backend/internal/registry"
)

type fakeTenantSource struct {
	tenants []registry.Tenant
}

func (s *fakeTenantSource) ActiveTenants(ctx context.Context) ([]registry.Tenant, error) {
	return s.tenants, nil
}

func (s *fakeTenantSource) TenantByID(ctx context.Context, id int64) (*registry.Tenant, error) {
	for i := range s.tenants {
		if s.tenants[i].ID == id {
			return &s.tenants[i], nil
		}
	}
	return nil, apperrors.New(apperrors.ErrCodeNotFound, "Tenant not found")
}

type fakePools struct {
	registered   map[int64]string
	connected    map[int64]bool
	connectErrs  map[int64]error
	disconnected []int64
}

func newFakePools() *fakePools {
	return &fakePools{
		registered:  make(map[int64]string),
		connected:   make(map[int64]bool),
		connectErrs: make(map[int64]error),
	}
}

func (p *fakePools) Register(tenantID int64, databaseURL string) {
	p.registered[tenantID] = databaseURL
}

func (p *fakePools) Connect(ctx context.Context, tenantID int64) error {
	if err := p.connectErrs[tenantID]; err != nil {
		return err
	}
	p.connected[tenantID] = true
	return nil
}

func (p *fakePools) Disconnect(tenantID int64) {
	delete(p.connected, tenantID)
	p.disconnected = append(p.disconnected, tenantID)
}

type fakeBot struct {
	token    string
	botID    int64
	getMeErr error
}

func (b *fakeBot) GetMe(ctx context.Context) (*telegram.User, error) {
	if b.getMeErr != nil {
		return nil, b.getMeErr
	}
	return &telegram.User{ID: b.botID, Username: "bot_" + b.token}, nil
}

func (b *fakeBot) SendMessage(ctx context.Context, chatID int64, text string) error { return nil }
func (b *fakeBot) SendPhoto(ctx context.Context, chatID int64, photo, caption string) error {
	return nil
}

type botFarm struct {
	nextID  int64
	badToks map[string]bool
	made    []*fakeBot
}

func (f *botFarm) factory(token string) BotClient {
	f.nextID++
	b := &fakeBot{token: token, botID: 1000 + f.nextID}
	if f.badToks[token] {
		b.getMeErr = errors.New("unauthorized")
	}
	f.made = append(f.made, b)
	return b
}

func tenant(id int64, token string) registry.Tenant {
	return registry.Tenant{
		ID:          id,
		Token:       token,
		Name:        "tenant",
		Kind:        "receipt",
		DatabaseURL: "postgres://db",
		IsActive:    true,
		AdminIDs:    []int64{id * 10},
	}
}

func TestReconcileStartsActiveTenants(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1"), tenant(2, "t2")}}
	pools := newFakePools()
	farm := &botFarm{}
	m := NewManager(src, pools, nil, farm.factory)

	require.NoError(t, m.Reconcile(context.Background()))

	assert.Len(t, m.Runtimes(), 2)
	assert.True(t, pools.connected[1])
	assert.True(t, pools.connected[2])
	assert.NotNil(t, m.Runtime(1))
	assert.Equal(t, []int64{10}, m.Runtime(1).AdminIDs)
}

func TestReconcileStopsStaleTenants(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1"), tenant(2, "t2")}}
	pools := newFakePools()
	m := NewManager(src, pools, nil, (&botFarm{}).factory)
	require.NoError(t, m.Reconcile(context.Background()))

	src.tenants = []registry.Tenant{tenant(1, "t1")}
	require.NoError(t, m.Reconcile(context.Background()))

	assert.Len(t, m.Runtimes(), 1)
	assert.Nil(t, m.Runtime(2))
	assert.Contains(t, pools.disconnected, int64(2))
}

func TestReconcileRestartsOnTokenChange(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "old-token")}}
	pools := newFakePools()
	farm := &botFarm{}
	m := NewManager(src, pools, nil, farm.factory)
	require.NoError(t, m.Reconcile(context.Background()))
	oldBotID := m.Runtime(1).BotID

	src.tenants = []registry.Tenant{tenant(1, "new-token")}
	require.NoError(t, m.Reconcile(context.Background()))

	rt := m.Runtime(1)
	require.NotNil(t, rt)
	assert.Equal(t, "new-token", rt.Token)
	assert.NotEqual(t, oldBotID, rt.BotID)
	assert.Contains(t, pools.disconnected, int64(1))
}

func TestReconcileNoopWhenUnchanged(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1")}}
	pools := newFakePools()
	farm := &botFarm{}
	m := NewManager(src, pools, nil, farm.factory)
	require.NoError(t, m.Reconcile(context.Background()))
	require.NoError(t, m.Reconcile(context.Background()))

	assert.Len(t, farm.made, 1)
	assert.Empty(t, pools.disconnected)
}

func TestReconcileIsolatesFailingTenant(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "bad"), tenant(2, "good")}}
	pools := newFakePools()
	farm := &botFarm{badToks: map[string]bool{"bad": true}}
	m := NewManager(src, pools, nil, farm.factory)

	require.NoError(t, m.Reconcile(context.Background()))

	assert.Nil(t, m.Runtime(1))
	assert.NotNil(t, m.Runtime(2))
}

func TestStartFailsWhenPoolConnectFails(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1")}}
	pools := newFakePools()
	pools.connectErrs[1] = errors.New("connection refused")
	m := NewManager(src, pools, nil, (&botFarm{}).factory)

	require.NoError(t, m.Reconcile(context.Background()))
	assert.Nil(t, m.Runtime(1))
}

func TestRestartReloadsRegistryRow(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1")}}
	pools := newFakePools()
	farm := &botFarm{}
	m := NewManager(src, pools, nil, farm.factory)
	require.NoError(t, m.Reconcile(context.Background()))

	src.tenants[0].AdminIDs = []int64{777}
	require.NoError(t, m.Restart(context.Background(), 1))

	rt := m.Runtime(1)
	require.NotNil(t, rt)
	assert.Equal(t, []int64{777}, rt.AdminIDs)
	assert.Len(t, farm.made, 2)
}

func TestRestartLeavesInactiveTenantStopped(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1")}}
	pools := newFakePools()
	m := NewManager(src, pools, nil, (&botFarm{}).factory)
	require.NoError(t, m.Reconcile(context.Background()))

	src.tenants[0].IsActive = false
	require.NoError(t, m.Restart(context.Background(), 1))

	assert.Nil(t, m.Runtime(1))
}

func TestRuntimeByBotID(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1")}}
	m := NewManager(src, newFakePools(), nil, (&botFarm{}).factory)
	require.NoError(t, m.Reconcile(context.Background()))

	rt := m.Runtime(1)
	require.NotNil(t, rt)
	assert.Same(t, rt, m.RuntimeByBotID(rt.BotID))
	assert.Nil(t, m.RuntimeByBotID(9999))
}

func TestStopAll(t *testing.T) {
	src := &fakeTenantSource{tenants: []registry.Tenant{tenant(1, "t1"), tenant(2, "t2")}}
	pools := newFakePools()
	m := NewManager(src, pools, nil, (&botFarm{}).factory)
	require.NoError(t, m.Reconcile(context.Background()))

	m.StopAll()
	assert.Empty(t, m.Runtimes())
	assert.Len(t, pools.disconnected, 2)
}
