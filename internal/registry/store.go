package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "botfleet-backend/internal/common/errors"
)

// Tenant is one row of the tenant registry: an independently operated bot
// with its own credential, isolated database and feature set.
type Tenant struct {
	ID             int64
	Token          string
	Name           string
	Kind           string
	DatabaseURL    string
	ManifestPath   string
	IsActive       bool
	AdminIDs       []int64
	EnabledModules []string
	CreatedAt      time.Time
	ArchivedAt     sql.NullTime
	ArchivedBy     sql.NullString
}

// Store is the durable tenant registry. It is owned by the control plane;
// the worker process only reads it and raises signals on it.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the registry schema. Идемпотентно.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id SERIAL PRIMARY KEY,
			token TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			kind TEXT DEFAULT 'receipt',
			database_url TEXT NOT NULL,
			manifest_path TEXT,
			is_active BOOLEAN DEFAULT TRUE,
			admin_ids BIGINT[] DEFAULT '{}',
			enabled_modules TEXT[] DEFAULT '{"registration", "receipts", "broadcast", "raffle"}',
			created_at TIMESTAMP DEFAULT NOW(),
			archived_at TIMESTAMP,
			archived_by TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS module_settings (
			id SERIAL PRIMARY KEY,
			tenant_id INTEGER REFERENCES tenants(id) ON DELETE CASCADE,
			module_name TEXT NOT NULL,
			is_enabled BOOLEAN DEFAULT TRUE,
			settings JSONB DEFAULT '{}',
			updated_at TIMESTAMP DEFAULT NOW(),
			UNIQUE(tenant_id, module_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenants_active ON tenants(is_active)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.NewDatabaseError("registry migrate", err)
		}
	}
	return nil
}

// ActiveTenants returns all non-archived, active tenants.
func (s *Store) ActiveTenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, token, name, kind, database_url, COALESCE(manifest_path, ''),
		       is_active, admin_ids, enabled_modules, created_at, archived_at, archived_by
		FROM tenants
		WHERE is_active = TRUE AND archived_at IS NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("active tenants", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// TenantByID returns a single tenant row, archived or not.
func (s *Store) TenantByID(ctx context.Context, id int64) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, token, name, kind, database_url, COALESCE(manifest_path, ''),
		       is_active, admin_ids, enabled_modules, created_at, archived_at, archived_by
		FROM tenants WHERE id = $1
	`, id)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCodeTenantNotFound, fmt.Sprintf("Tenant not found: %d", id)).WithTenantID(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("tenant by id", err)
	}
	return t, nil
}

// Register inserts a new tenant. The token uniqueness constraint is the
// guard against double registration under concurrent control planes.
func (s *Store) Register(ctx context.Context, token, name, kind, databaseURL string, adminIDs []int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (token, name, kind, database_url, admin_ids)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, token, name, kind, databaseURL, pq.Array(adminIDs)).Scan(&id)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return 0, apperrors.Wrap(err, apperrors.ErrCodeConflict, "Tenant token already registered")
		}
		return 0, apperrors.NewDatabaseError("register tenant", err)
	}
	return id, nil
}

// Archive marks a tenant archived; rows are never physically deleted while
// historical campaigns reference them.
func (s *Store) Archive(ctx context.Context, id int64, archivedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET is_active = FALSE, archived_at = NOW(), archived_by = $2
		WHERE id = $1 AND archived_at IS NULL
	`, id, archivedBy)
	if err != nil {
		return apperrors.NewDatabaseError("archive tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrCodeTenantNotFound, fmt.Sprintf("Tenant not found: %d", id)).WithTenantID(id)
	}
	return nil
}

// UpdateModules replaces the tenant's enabled-module set.
func (s *Store) UpdateModules(ctx context.Context, id int64, modules []string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET enabled_modules = $2 WHERE id = $1`,
		id, pq.Array(modules))
	if err != nil {
		return apperrors.NewDatabaseError("update modules", err)
	}
	return nil
}

// EnabledModules returns the tenant's enabled-module set.
func (s *Store) EnabledModules(ctx context.Context, id int64) ([]string, error) {
	var modules pq.StringArray
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled_modules FROM tenants WHERE id = $1`, id).Scan(&modules)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrCodeTenantNotFound, fmt.Sprintf("Tenant not found: %d", id)).WithTenantID(id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("enabled modules", err)
	}
	return []string(modules), nil
}

// ModuleSettings returns the stored per-tenant settings override for a module.
// A missing row yields an empty map.
func (s *Store) ModuleSettings(ctx context.Context, tenantID int64, moduleName string) (map[string]interface{}, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT settings FROM module_settings
		WHERE tenant_id = $1 AND module_name = $2
	`, tenantID, moduleName).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("module settings", err)
	}
	settings := map[string]interface{}{}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("failed to decode module settings: %w", err)
	}
	return settings, nil
}

// SetModuleSettings upserts a per-tenant settings override.
func (s *Store) SetModuleSettings(ctx context.Context, tenantID int64, moduleName string, settings map[string]interface{}) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode module settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO module_settings (tenant_id, module_name, settings)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, module_name) DO UPDATE SET
			settings = EXCLUDED.settings,
			updated_at = NOW()
	`, tenantID, moduleName, raw)
	if err != nil {
		return apperrors.NewDatabaseError("set module settings", err)
	}
	return nil
}

func scanTenants(rows *sql.Rows) ([]Tenant, error) {
	var tenants []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var adminIDs pq.Int64Array
	var modules pq.StringArray
	err := row.Scan(&t.ID, &t.Token, &t.Name, &t.Kind, &t.DatabaseURL, &t.ManifestPath,
		&t.IsActive, &adminIDs, &modules, &t.CreatedAt, &t.ArchivedAt, &t.ArchivedBy)
	if err != nil {
		return nil, err
	}
	t.AdminIDs = []int64(adminIDs)
	t.EnabledModules = []string(modules)
	return &t, nil
}
