package tenantdb

import (
	"context"

	apperrors "botfleet-backend/internal/common/errors"
	"botfleet-backend/internal/common/logger"
)

// Advisory lock key guarding tenant schema application. This is the one
// explicit mutual-exclusion primitive in the system, scoped to first-connect
// migration only.
const schemaLockKey int64 = 0x626f74666c7431

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		telegram_id BIGINT UNIQUE NOT NULL,
		username TEXT,
		full_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMP DEFAULT NOW(),
		is_blocked BOOLEAN DEFAULT FALSE
	)`,

	// Three independent ticket ledgers. A user's raffle weight is the sum
	// across all of them.
	`CREATE TABLE IF NOT EXISTS receipts (
		id SERIAL PRIMARY KEY,
		user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		fiscal_drive_number TEXT,
		fiscal_document_number TEXT,
		fiscal_sign TEXT,
		status TEXT NOT NULL,
		tickets INTEGER DEFAULT 1,
		data JSONB,
		created_at TIMESTAMP DEFAULT NOW(),
		UNIQUE(fiscal_drive_number, fiscal_document_number, fiscal_sign)
	)`,
	`CREATE TABLE IF NOT EXISTS promo_codes (
		id SERIAL PRIMARY KEY,
		code TEXT UNIQUE NOT NULL,
		status TEXT DEFAULT 'active',
		tickets INTEGER DEFAULT 1,
		user_id INTEGER REFERENCES users(id),
		used_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS manual_tickets (
		id SERIAL PRIMARY KEY,
		user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		tickets INTEGER NOT NULL DEFAULT 1,
		reason TEXT,
		created_by TEXT,
		created_at TIMESTAMP DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS campaigns (
		id SERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		content JSONB NOT NULL,
		scheduled_for TIMESTAMP,
		status TEXT DEFAULT 'pending',
		cancel_requested BOOLEAN DEFAULT FALSE,
		error_message TEXT,
		sent_count INTEGER DEFAULT 0,
		failed_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT NOW(),
		completed_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS winners (
		id SERIAL PRIMARY KEY,
		campaign_id INTEGER REFERENCES campaigns(id) ON DELETE CASCADE,
		user_id INTEGER REFERENCES users(id) ON DELETE CASCADE,
		telegram_id BIGINT NOT NULL,
		prize_name TEXT,
		ticket_type TEXT,
		ticket_id INTEGER,
		notified BOOLEAN DEFAULT FALSE,
		notified_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT NOW(),
		UNIQUE(campaign_id, user_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_winners_campaign_ticket
		ON winners(campaign_id, ticket_type, ticket_id) WHERE ticket_type IS NOT NULL`,

	// Sole persistent state enabling resumable broadcasts across restarts.
	`CREATE TABLE IF NOT EXISTS broadcast_progress (
		id SERIAL PRIMARY KEY,
		campaign_id INTEGER UNIQUE REFERENCES campaigns(id) ON DELETE CASCADE,
		last_user_id INTEGER DEFAULT 0,
		sent_count INTEGER DEFAULT 0,
		failed_count INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		key TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,

	// Progress rows polled by the administrative surface.
	`CREATE TABLE IF NOT EXISTS jobs (
		id SERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		progress INTEGER DEFAULT 0,
		details JSONB DEFAULT '{}',
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	)`,

	// Campaign inserts raise a signal only when already due; the scheduler's
	// fallback sweep owns future-scheduled campaigns.
	`CREATE OR REPLACE FUNCTION notify_campaign_due()
	RETURNS TRIGGER AS $$
	BEGIN
		IF NEW.scheduled_for IS NULL OR NEW.scheduled_for <= NOW() THEN
			PERFORM pg_notify('campaign_due', NEW.id::text);
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DO $$
	BEGIN
		IF NOT EXISTS (
			SELECT 1 FROM pg_trigger
			WHERE tgname = 'campaign_insert_trigger' AND tgrelid = 'campaigns'::regclass
		) THEN
			CREATE TRIGGER campaign_insert_trigger
			AFTER INSERT ON campaigns
			FOR EACH ROW
			EXECUTE FUNCTION notify_campaign_due();
		END IF;
	END
	$$`,

	`CREATE INDEX IF NOT EXISTS idx_users_telegram ON users(telegram_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_user ON receipts(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(status)`,
	`CREATE INDEX IF NOT EXISTS idx_campaigns_pending ON campaigns(status, scheduled_for)`,
	`CREATE INDEX IF NOT EXISTS idx_promo_codes_code ON promo_codes(code)`,
	`CREATE INDEX IF NOT EXISTS idx_manual_tickets_user ON manual_tickets(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_winners_campaign ON winners(campaign_id)`,
}

// migrate applies the tenant schema on a pinned session holding the schema
// advisory lock, so concurrent worker instances cannot interleave DDL.
func migrate(ctx context.Context, pool *Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, schemaLockKey); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeMigrationFailed, "Failed to take schema advisory lock").
			WithTenantID(pool.tenantID)
	}
	defer func() {
		// Unlock on the same session; a dropped session releases it anyway.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, schemaLockKey)
	}()

	for _, stmt := range schemaStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeMigrationFailed, "Tenant schema statement failed").
				WithTenantID(pool.tenantID).
				WithDetail("statement", firstLine(stmt))
		}
	}

	logger.With(pool.tenantID).Info().Msg("Tenant schema applied")
	return nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
