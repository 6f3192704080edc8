package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Storage used across the engine tests. It mirrors
// the paging and winner semantics of the real store closely enough to
// exercise resume and cancellation paths.
// tenantKey imitates the context binding of the production store: when a
// memStore is armed with requireTenantCtx, checkpoint writes fail unless the
// context still carries the value set on the run context.
type tenantKey struct{}

type memStore struct {
	mu sync.Mutex

	requireTenantCtx bool
	pageCalls        int
	failOnPageCall   int // имитация сбоя хранилища на N-м вызове RecipientsPage

	users   []Recipient // sorted by ID
	blocked map[int64]bool

	statuses    map[int64]string
	sentCounts  map[int64]int
	failCounts  map[int64]int
	failReasons map[int64]string
	cancelReq   map[int64]bool

	checkpoints map[int64]*Checkpoint

	winners   map[int64][]Winner
	drawCalls int
	burned    bool

	jobs      map[int64]string
	nextJobID int64
}

func newMemStore(userCount int) *memStore {
	s := &memStore{
		blocked:     make(map[int64]bool),
		statuses:    make(map[int64]string),
		sentCounts:  make(map[int64]int),
		failCounts:  make(map[int64]int),
		failReasons: make(map[int64]string),
		cancelReq:   make(map[int64]bool),
		checkpoints: make(map[int64]*Checkpoint),
		winners:     make(map[int64][]Winner),
		jobs:        make(map[int64]string),
	}
	for i := 1; i <= userCount; i++ {
		s.users = append(s.users, Recipient{ID: int64(i), TelegramID: int64(100000 + i)})
	}
	return s
}

func (s *memStore) DueCampaigns(ctx context.Context) ([]Campaign, error) { return nil, nil }

func (s *memStore) MarkRunning(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = StatusRunning
	return nil
}

func (s *memStore) MarkCompleted(ctx context.Context, id int64, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = StatusCompleted
	s.sentCounts[id] = sent
	s.failCounts[id] = failed
	return nil
}

func (s *memStore) MarkCancelled(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = StatusCancelled
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id int64, reason string, sent, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = StatusFailed
	s.failReasons[id] = reason
	s.sentCounts[id] = sent
	s.failCounts[id] = failed
	return nil
}

func (s *memStore) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelReq[id], nil
}

func (s *memStore) Checkpoint(ctx context.Context, id int64) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.checkpoints[id]; ok {
		c := *cp
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) SaveCheckpoint(ctx context.Context, id int64, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requireTenantCtx && ctx.Value(tenantKey{}) == nil {
		return fmt.Errorf("no tenant bound to context")
	}
	s.checkpoints[id] = &cp
	return nil
}

func (s *memStore) DeleteCheckpoint(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}

func (s *memStore) RecipientsPage(ctx context.Context, afterID int64, limit int) ([]Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageCalls++
	if s.failOnPageCall > 0 && s.pageCalls == s.failOnPageCall {
		return nil, fmt.Errorf("recipients page: connection reset")
	}
	var page []Recipient
	for _, u := range s.users {
		if u.ID <= afterID || s.blocked[u.ID] {
			continue
		}
		page = append(page, u)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *memStore) LosersPage(ctx context.Context, campaignID, afterID int64, limit int) ([]Recipient, error) {
	s.mu.Lock()
	won := make(map[int64]bool)
	for _, w := range s.winners[campaignID] {
		won[w.UserID] = true
	}
	s.mu.Unlock()

	var page []Recipient
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID <= afterID || s.blocked[u.ID] || won[u.ID] {
			continue
		}
		page = append(page, u)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *memStore) Winners(ctx context.Context, campaignID int64) ([]Winner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Winner, len(s.winners[campaignID]))
	copy(out, s.winners[campaignID])
	return out, nil
}

// DrawWinners assigns tiers to the lowest-id eligible users deterministically;
// randomness is exercised against the production query elsewhere.
func (s *memStore) DrawWinners(ctx context.Context, campaignID int64, tiers []PrizeTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drawCalls++

	taken := make(map[int64]bool)
	for _, w := range s.winners[campaignID] {
		taken[w.UserID] = true
	}
	next := 0
	for _, tier := range tiers {
		picked := 0
		for picked < tier.Count && next < len(s.users) {
			u := s.users[next]
			next++
			if taken[u.ID] {
				continue
			}
			taken[u.ID] = true
			picked++
			s.winners[campaignID] = append(s.winners[campaignID], Winner{
				ID:         int64(len(s.winners[campaignID]) + 1),
				UserID:     u.ID,
				TelegramID: u.TelegramID,
				PrizeName:  tier.Name,
			})
		}
	}
	return nil
}

func (s *memStore) MarkWinnerNotified(ctx context.Context, winnerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cid, ws := range s.winners {
		for i := range ws {
			if ws[i].ID == winnerID {
				s.winners[cid][i].Notified = true
				return nil
			}
		}
	}
	return fmt.Errorf("winner %d not found", winnerID)
}

func (s *memStore) BurnTickets(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.burned = true
	return nil
}

func (s *memStore) UserByID(ctx context.Context, userID int64) (*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			r := u
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) UserByTelegramID(ctx context.Context, telegramID int64) (*Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TelegramID == telegramID {
			r := u
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) MarkBlocked(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[userID] = true
	return nil
}

func (s *memStore) MarkBlockedByTelegramID(ctx context.Context, telegramID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TelegramID == telegramID {
			s.blocked[u.ID] = true
		}
	}
	return nil
}

func (s *memStore) CreateJob(ctx context.Context, jobType string, details map[string]interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID++
	s.jobs[s.nextJobID] = "pending"
	return s.nextJobID, nil
}

func (s *memStore) UpdateJob(ctx context.Context, jobID int64, status string, progress int, details map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID] = status
	return nil
}

func (s *memStore) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *memStore) checkpoint(id int64) *Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[id]
}

// memTransport records deliveries and simulates per-recipient failures.
type memTransport struct {
	mu        sync.Mutex
	sent      []int64 // chat ids in delivery order
	failWith  map[int64]error
	afterSend func(n int)
}

func newMemTransport() *memTransport {
	return &memTransport{failWith: make(map[int64]error)}
}

func (t *memTransport) SendMessage(ctx context.Context, chatID int64, text string) error {
	return t.record(chatID)
}

func (t *memTransport) SendPhoto(ctx context.Context, chatID int64, photo, caption string) error {
	return t.record(chatID)
}

func (t *memTransport) record(chatID int64) error {
	t.mu.Lock()
	if err := t.failWith[chatID]; err != nil {
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, chatID)
	n := len(t.sent)
	hook := t.afterSend
	t.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (t *memTransport) sentTo() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int64, len(t.sent))
	copy(out, t.sent)
	return out
}

func testConfig() Config {
	return Config{PageSize: 50, MessageDelay: 0, SendRetries: 3, CancelCheckEvery: 10}
}

func broadcastCampaign(id int64, text string) Campaign {
	content, _ := json.Marshal(BroadcastContent{Message: Message{Text: text}})
	return Campaign{ID: id, Type: TypeBroadcast, Content: content, Status: StatusPending}
}

func TestExecuteUnknownTypeMarksFailed(t *testing.T) {
	store := newMemStore(0)
	e := NewEngine(store, nil, testConfig(), nil)

	err := e.Execute(context.Background(), Tenant{ID: 1}, newMemTransport(), Campaign{ID: 9, Type: "mystery"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, store.status(9))
	assert.Contains(t, store.failReasons[9], "mystery")
}

func TestExecuteShutdownKeepsRunningStatus(t *testing.T) {
	store := newMemStore(10)
	tr := newMemTransport()
	ctx, cancel := context.WithCancel(context.Background())
	tr.afterSend = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	e := NewEngine(store, nil, testConfig(), nil)
	err := e.Execute(ctx, Tenant{ID: 1}, tr, broadcastCampaign(5, "hello"))
	require.ErrorIs(t, err, context.Canceled)

	// приостановлена, не провалена
	assert.Equal(t, StatusRunning, store.status(5))
	assert.Empty(t, store.failReasons[5])
}

func TestExecuteFailureKeepsCountersAndDropsCheckpoint(t *testing.T) {
	store := newMemStore(80)
	store.failOnPageCall = 2
	tr := newMemTransport()

	e := NewEngine(store, nil, testConfig(), nil)
	err := e.Execute(context.Background(), Tenant{ID: 1}, tr, broadcastCampaign(5, "hello"))
	require.Error(t, err)

	assert.Equal(t, StatusFailed, store.status(5))
	assert.Equal(t, 50, store.sentCounts[5], "first page's progress survives the failure")
	assert.Nil(t, store.checkpoint(5), "terminal campaigns keep no checkpoint")
}
