package tenantdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"botfleet-backend/internal/campaign"
	apperrors "botfleet-backend/internal/common/errors"
)

// Store implements campaign.Storage against the tenant pool bound to the
// calling context. It holds no state of its own, so one instance serves
// every tenant concurrently.
type Store struct{}

func NewStore() *Store { return &Store{} }

var _ campaign.Storage = (*Store)(nil)

func (s *Store) DueCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	pool, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	// 'running' rows are in-flight campaigns interrupted by a crash or a
	// shutdown; their checkpoint makes re-entry safe, so they stay due.
	rows, err := pool.DB().QueryContext(ctx, `
		SELECT id, type, content, scheduled_for, status, sent_count, failed_count, created_at
		FROM campaigns
		WHERE status IN ('pending', 'running') AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		ORDER BY id
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("due campaigns", err).WithTenantID(pool.tenantID)
	}
	defer rows.Close()

	var campaigns []campaign.Campaign
	for rows.Next() {
		var c campaign.Campaign
		if err := rows.Scan(&c.ID, &c.Type, &c.Content, &c.ScheduledFor,
			&c.Status, &c.SentCount, &c.FailedCount, &c.CreatedAt); err != nil {
			return nil, apperrors.NewDatabaseError("scan campaign", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *Store) MarkRunning(ctx context.Context, campaignID int64) error {
	return s.exec(ctx, "mark running",
		`UPDATE campaigns SET status = 'running' WHERE id = $1 AND status IN ('pending', 'running')`, campaignID)
}

func (s *Store) MarkCompleted(ctx context.Context, campaignID int64, sent, failed int) error {
	return s.exec(ctx, "mark completed", `
		UPDATE campaigns SET status = 'completed', sent_count = $2, failed_count = $3, completed_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'cancelled', 'failed')
	`, campaignID, sent, failed)
}

func (s *Store) MarkCancelled(ctx context.Context, campaignID int64) error {
	return s.exec(ctx, "mark cancelled", `
		UPDATE campaigns SET status = 'cancelled', completed_at = NOW() WHERE id = $1
	`, campaignID)
}

func (s *Store) MarkFailed(ctx context.Context, campaignID int64, reason string, sent, failed int) error {
	return s.exec(ctx, "mark failed", `
		UPDATE campaigns SET status = 'failed', error_message = $2, sent_count = $3, failed_count = $4, completed_at = NOW()
		WHERE id = $1
	`, campaignID, reason, sent, failed)
}

func (s *Store) IsCancelRequested(ctx context.Context, campaignID int64) (bool, error) {
	pool, err := Current(ctx)
	if err != nil {
		return false, err
	}
	var cancelled bool
	err = pool.DB().QueryRowContext(ctx,
		`SELECT cancel_requested FROM campaigns WHERE id = $1`, campaignID).Scan(&cancelled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewDatabaseError("cancel requested", err).WithTenantID(pool.tenantID)
	}
	return cancelled, nil
}

func (s *Store) Checkpoint(ctx context.Context, campaignID int64) (*campaign.Checkpoint, error) {
	pool, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	var cp campaign.Checkpoint
	err = pool.DB().QueryRowContext(ctx, `
		SELECT last_user_id, sent_count, failed_count FROM broadcast_progress WHERE campaign_id = $1
	`, campaignID).Scan(&cp.LastUserID, &cp.SentCount, &cp.FailedCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get checkpoint", err).WithTenantID(pool.tenantID)
	}
	return &cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, campaignID int64, cp campaign.Checkpoint) error {
	return s.exec(ctx, "save checkpoint", `
		INSERT INTO broadcast_progress (campaign_id, last_user_id, sent_count, failed_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (campaign_id) DO UPDATE SET
			last_user_id = EXCLUDED.last_user_id,
			sent_count = EXCLUDED.sent_count,
			failed_count = EXCLUDED.failed_count,
			updated_at = NOW()
	`, campaignID, cp.LastUserID, cp.SentCount, cp.FailedCount)
}

func (s *Store) DeleteCheckpoint(ctx context.Context, campaignID int64) error {
	return s.exec(ctx, "delete checkpoint",
		`DELETE FROM broadcast_progress WHERE campaign_id = $1`, campaignID)
}

// RecipientsPage pages non-blocked users in stable id order. The cursor is
// never re-ordered, so pagination stays stable under concurrent writes.
func (s *Store) RecipientsPage(ctx context.Context, afterID int64, limit int) ([]campaign.Recipient, error) {
	return s.recipientQuery(ctx, `
		SELECT id, telegram_id FROM users
		WHERE is_blocked = FALSE AND id > $1
		ORDER BY id LIMIT $2
	`, afterID, limit)
}

// LosersPage pages "participant minus winner" for a raffle's loser phase.
func (s *Store) LosersPage(ctx context.Context, campaignID, afterID int64, limit int) ([]campaign.Recipient, error) {
	return s.recipientQuery(ctx, `
		SELECT u.id, u.telegram_id
		FROM users u
		WHERE u.is_blocked = FALSE
		  AND u.id > $2
		  AND u.id NOT IN (SELECT user_id FROM winners WHERE campaign_id = $1)
		  AND (
			COALESCE((SELECT SUM(tickets) FROM receipts WHERE user_id = u.id AND status = 'valid'), 0) +
			COALESCE((SELECT SUM(tickets) FROM manual_tickets WHERE user_id = u.id), 0) +
			COALESCE((SELECT SUM(tickets) FROM promo_codes WHERE user_id = u.id AND status = 'used'), 0)
		  ) > 0
		ORDER BY u.id LIMIT $3
	`, campaignID, afterID, limit)
}

func (s *Store) Winners(ctx context.Context, campaignID int64) ([]campaign.Winner, error) {
	pool, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.DB().QueryContext(ctx, `
		SELECT id, user_id, telegram_id, COALESCE(prize_name, ''),
		       COALESCE(ticket_type, ''), COALESCE(ticket_id, 0), notified
		FROM winners WHERE campaign_id = $1 ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("winners", err).WithTenantID(pool.tenantID)
	}
	defer rows.Close()

	var winners []campaign.Winner
	for rows.Next() {
		var w campaign.Winner
		if err := rows.Scan(&w.ID, &w.UserID, &w.TelegramID, &w.PrizeName,
			&w.TicketType, &w.TicketID, &w.Notified); err != nil {
			return nil, apperrors.NewDatabaseError("scan winner", err)
		}
		winners = append(winners, w)
	}
	return winners, rows.Err()
}

// weightedPoolQuery computes every eligible user's total weight across the
// three ticket ledgers and orders by the exponential-clock transform
// -ln(random())/weight, so taking the top N is a weighted draw without
// replacement computed where the data lives.
const weightedPoolQuery = `
	SELECT user_id, telegram_id FROM (
		SELECT u.id AS user_id, u.telegram_id,
		       COALESCE(r.t, 0) + COALESCE(m.t, 0) + COALESCE(p.t, 0) AS total_tickets
		FROM users u
		LEFT JOIN (SELECT user_id, SUM(tickets) AS t FROM receipts WHERE status = 'valid' GROUP BY user_id) r ON r.user_id = u.id
		LEFT JOIN (SELECT user_id, SUM(tickets) AS t FROM manual_tickets GROUP BY user_id) m ON m.user_id = u.id
		LEFT JOIN (SELECT user_id, SUM(tickets) AS t FROM promo_codes WHERE status = 'used' GROUP BY user_id) p ON p.user_id = u.id
		WHERE u.is_blocked = FALSE AND NOT (u.id = ANY($1::bigint[]))
	) pool
	WHERE total_tickets > 0
	ORDER BY -ln(random()) / total_tickets
	LIMIT $2`

// DrawWinners runs the whole selection phase in one transaction: each tier
// drawn in order, earlier tiers excluded from later ones, all rows inserted
// with insert-ignore, then a single commit. A crash mid-phase therefore
// leaves either no winners or all of them.
func (s *Store) DrawWinners(ctx context.Context, campaignID int64, tiers []campaign.PrizeTier) error {
	pool, err := Current(ctx)
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	excluded := []int64{}
	for _, tier := range tiers {
		if tier.Count <= 0 {
			continue
		}
		rows, err := tx.QueryContext(ctx, weightedPoolQuery, pq.Array(excluded), tier.Count)
		if err != nil {
			return apperrors.NewDatabaseError("weighted draw", err).WithTenantID(pool.tenantID)
		}
		type picked struct{ userID, telegramID int64 }
		var selected []picked
		for rows.Next() {
			var p picked
			if err := rows.Scan(&p.userID, &p.telegramID); err != nil {
				rows.Close()
				return apperrors.NewDatabaseError("scan draw", err)
			}
			selected = append(selected, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return apperrors.NewDatabaseError("weighted draw", err)
		}
		rows.Close()

		for _, p := range selected {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO winners (campaign_id, user_id, telegram_id, prize_name)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (campaign_id, user_id) DO NOTHING
			`, campaignID, p.userID, p.telegramID, tier.Name); err != nil {
				return apperrors.NewDatabaseError("insert winner", err).WithTenantID(pool.tenantID)
			}
			excluded = append(excluded, p.userID)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("commit winners", err).WithTenantID(pool.tenantID)
	}
	return nil
}

func (s *Store) MarkWinnerNotified(ctx context.Context, winnerID int64) error {
	return s.exec(ctx, "mark winner notified",
		`UPDATE winners SET notified = TRUE, notified_at = NOW() WHERE id = $1`, winnerID)
}

// BurnTickets zeroes all three ticket ledgers. One-way; only ever called
// after winners are durably persisted.
func (s *Store) BurnTickets(ctx context.Context) error {
	pool, err := Current(ctx)
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`UPDATE receipts SET tickets = 0 WHERE status = 'valid' AND tickets > 0`,
		`UPDATE manual_tickets SET tickets = 0 WHERE tickets > 0`,
		`UPDATE promo_codes SET tickets = 0 WHERE status = 'used' AND tickets > 0`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return apperrors.NewDatabaseError("burn tickets", err).WithTenantID(pool.tenantID)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.NewDatabaseError("burn tickets commit", err).WithTenantID(pool.tenantID)
	}
	return nil
}

func (s *Store) UserByID(ctx context.Context, userID int64) (*campaign.Recipient, error) {
	return s.userQuery(ctx, `SELECT id, telegram_id FROM users WHERE id = $1`, userID)
}

func (s *Store) UserByTelegramID(ctx context.Context, telegramID int64) (*campaign.Recipient, error) {
	return s.userQuery(ctx, `SELECT id, telegram_id FROM users WHERE telegram_id = $1`, telegramID)
}

func (s *Store) MarkBlocked(ctx context.Context, userID int64) error {
	return s.exec(ctx, "mark blocked",
		`UPDATE users SET is_blocked = TRUE WHERE id = $1`, userID)
}

func (s *Store) MarkBlockedByTelegramID(ctx context.Context, telegramID int64) error {
	return s.exec(ctx, "mark blocked by telegram id",
		`UPDATE users SET is_blocked = TRUE WHERE telegram_id = $1`, telegramID)
}

func (s *Store) CreateJob(ctx context.Context, jobType string, details map[string]interface{}) (int64, error) {
	pool, err := Current(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := marshalDetails(details)
	if err != nil {
		return 0, err
	}
	var id int64
	err = pool.DB().QueryRowContext(ctx, `
		INSERT INTO jobs (type, status, details) VALUES ($1, 'pending', $2) RETURNING id
	`, jobType, raw).Scan(&id)
	if err != nil {
		return 0, apperrors.NewDatabaseError("create job", err).WithTenantID(pool.tenantID)
	}
	return id, nil
}

func (s *Store) UpdateJob(ctx context.Context, jobID int64, status string, progress int, details map[string]interface{}) error {
	raw, err := marshalDetails(details)
	if err != nil {
		return err
	}
	return s.exec(ctx, "update job", `
		UPDATE jobs SET status = $2, progress = $3, details = details || $4, updated_at = NOW()
		WHERE id = $1
	`, jobID, status, progress, raw)
}

// ActiveJobs returns non-terminal job progress rows for the ops surface.
func (s *Store) ActiveJobs(ctx context.Context) ([]Job, error) {
	pool, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.DB().QueryContext(ctx, `
		SELECT id, type, status, progress, details FROM jobs
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("active jobs", err).WithTenantID(pool.tenantID)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Type, &j.Status, &j.Progress, &j.Details); err != nil {
			return nil, apperrors.NewDatabaseError("scan job", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Job is one progress row polled by the administrative surface.
type Job struct {
	ID       int64           `json:"id"`
	Type     string          `json:"type"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Details  json.RawMessage `json:"details"`
}

// Setting reads one tenant-level setting with a default.
func (s *Store) Setting(ctx context.Context, key, def string) (string, error) {
	pool, err := Current(ctx)
	if err != nil {
		return "", err
	}
	var value string
	err = pool.DB().QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", apperrors.NewDatabaseError("get setting", err).WithTenantID(pool.tenantID)
	}
	return value, nil
}

// MessageText reads one tenant-level message template with a default.
func (s *Store) MessageText(ctx context.Context, key, def string) (string, error) {
	pool, err := Current(ctx)
	if err != nil {
		return "", err
	}
	var text string
	err = pool.DB().QueryRowContext(ctx, `SELECT text FROM messages WHERE key = $1`, key).Scan(&text)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", apperrors.NewDatabaseError("get message", err).WithTenantID(pool.tenantID)
	}
	return text, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...interface{}) error {
	pool, err := Current(ctx)
	if err != nil {
		return err
	}
	if _, err := pool.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewDatabaseError(op, err).WithTenantID(pool.tenantID)
	}
	return nil
}

func (s *Store) recipientQuery(ctx context.Context, query string, args ...interface{}) ([]campaign.Recipient, error) {
	pool, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("recipients page", err).WithTenantID(pool.tenantID)
	}
	defer rows.Close()

	var recipients []campaign.Recipient
	for rows.Next() {
		var r campaign.Recipient
		if err := rows.Scan(&r.ID, &r.TelegramID); err != nil {
			return nil, apperrors.NewDatabaseError("scan recipient", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

func (s *Store) userQuery(ctx context.Context, query string, arg int64) (*campaign.Recipient, error) {
	pool, err := Current(ctx)
	if err != nil {
		return nil, err
	}
	var r campaign.Recipient
	err = pool.DB().QueryRowContext(ctx, query, arg).Scan(&r.ID, &r.TelegramID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("user lookup", err).WithTenantID(pool.tenantID)
	}
	return &r, nil
}

func marshalDetails(details map[string]interface{}) ([]byte, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job details: %w", err)
	}
	return raw, nil
}
