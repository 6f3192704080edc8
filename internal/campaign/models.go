package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Campaign types.
const (
	TypeBroadcast = "broadcast"
	TypeMessage   = "message"
	TypeRaffle    = "raffle"
)

// Campaign statuses. Terminal states are final; the only backward-looking
// transition is an explicit cancel observed mid-run.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Campaign is one scheduled job living in a tenant's own database.
// Type and Content are immutable after creation.
type Campaign struct {
	ID           int64
	Type         string
	Content      json.RawMessage
	ScheduledFor sql.NullTime
	Status       string
	SentCount    int
	FailedCount  int
	CreatedAt    time.Time
}

// Recipient is the minimal user projection campaigns operate on. ID is the
// opaque monotonic pagination cursor.
type Recipient struct {
	ID         int64
	TelegramID int64
}

// Checkpoint is the persisted cursor + counters of a paged job.
type Checkpoint struct {
	LastUserID  int64
	SentCount   int
	FailedCount int
}

// Winner is one durably persisted raffle winner.
type Winner struct {
	ID         int64
	UserID     int64
	TelegramID int64
	PrizeName  string
	TicketType string
	TicketID   int64
	Notified   bool
}

// PrizeTier is one prize slot of a raffle with a target winner count.
type PrizeTier struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Message is an opaque deliverable: text, or a photo with optional caption.
type Message struct {
	Text    string `json:"text,omitempty"`
	Photo   string `json:"photo,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// Empty reports whether there is nothing to deliver.
func (m *Message) Empty() bool {
	return m == nil || (m.Text == "" && m.Photo == "")
}

// BroadcastContent is the payload of broadcast campaigns.
type BroadcastContent struct {
	Message
}

// SingleMessageContent targets one user by internal id or platform id;
// either one is sufficient.
type SingleMessageContent struct {
	Message
	UserID     int64 `json:"user_id,omitempty"`
	TelegramID int64 `json:"telegram_id,omitempty"`
}

// RaffleContent describes a draw with one or more prize tiers. Intermediate
// rounds burn all outstanding ticket ledgers after completion.
type RaffleContent struct {
	Prizes       []PrizeTier `json:"prizes"`
	WinMessage   *Message    `json:"win_msg,omitempty"`
	LoseMessage  *Message    `json:"lose_msg,omitempty"`
	Intermediate bool        `json:"intermediate,omitempty"`
}

// Storage is the tenant-scoped persistence surface the engine runs against.
// Implementations resolve the tenant from the context binding; calls without
// a bound tenant fail with NO_TENANT_CONTEXT.
type Storage interface {
	DueCampaigns(ctx context.Context) ([]Campaign, error)

	MarkRunning(ctx context.Context, campaignID int64) error
	MarkCompleted(ctx context.Context, campaignID int64, sent, failed int) error
	MarkCancelled(ctx context.Context, campaignID int64) error
	MarkFailed(ctx context.Context, campaignID int64, reason string, sent, failed int) error
	IsCancelRequested(ctx context.Context, campaignID int64) (bool, error)

	Checkpoint(ctx context.Context, campaignID int64) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, campaignID int64, cp Checkpoint) error
	DeleteCheckpoint(ctx context.Context, campaignID int64) error

	RecipientsPage(ctx context.Context, afterID int64, limit int) ([]Recipient, error)
	LosersPage(ctx context.Context, campaignID, afterID int64, limit int) ([]Recipient, error)

	Winners(ctx context.Context, campaignID int64) ([]Winner, error)
	// DrawWinners selects all tiers' winners by weighted sampling without
	// replacement and persists them in one atomic batch. Re-running against
	// existing winners inserts nothing.
	DrawWinners(ctx context.Context, campaignID int64, tiers []PrizeTier) error
	MarkWinnerNotified(ctx context.Context, winnerID int64) error
	BurnTickets(ctx context.Context) error

	UserByID(ctx context.Context, userID int64) (*Recipient, error)
	UserByTelegramID(ctx context.Context, telegramID int64) (*Recipient, error)
	MarkBlocked(ctx context.Context, userID int64) error
	MarkBlockedByTelegramID(ctx context.Context, telegramID int64) error

	CreateJob(ctx context.Context, jobType string, details map[string]interface{}) (int64, error)
	UpdateJob(ctx context.Context, jobID int64, status string, progress int, details map[string]interface{}) error
}
