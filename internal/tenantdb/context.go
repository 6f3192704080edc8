package tenantdb

import (
	"context"

	apperrors "botfleet-backend/internal/common/errors"
)

type contextKey struct{}

// WithTenant binds a tenant's storage pool to the context. Business logic
// below the scheduler never threads a tenant handle explicitly; it recovers
// the pool with Current. Concurrent tasks for different tenants each carry
// their own binding, so they can never cross-contaminate.
func WithTenant(ctx context.Context, pool *Pool) context.Context {
	return context.WithValue(ctx, contextKey{}, pool)
}

// Current returns the pool bound to ctx. Calling it with no binding set is a
// programming error and fails loudly instead of defaulting to some tenant.
func Current(ctx context.Context) (*Pool, error) {
	pool, ok := ctx.Value(contextKey{}).(*Pool)
	if !ok || pool == nil {
		return nil, apperrors.NewNoTenantContextError()
	}
	return pool, nil
}

// HasTenant reports whether a tenant binding is present.
func HasTenant(ctx context.Context) bool {
	pool, ok := ctx.Value(contextKey{}).(*Pool)
	return ok && pool != nil
}
