// Package metered runs an operation under a monthly feature quota.
package metered

import (
	"context"

	"github.com/google/uuid"

	"agrimanagement/internal/entitlements"
	"agrimanagement/internal/models"
)

// Checker is the entitlement surface Run depends on.
type Checker interface {
	Check(ctx context.Context, userID uuid.UUID, feature models.Feature) (entitlements.Entitlement, error)
	Increment(ctx context.Context, userID uuid.UUID, feature models.Feature)
}

// Result is an operation's value plus the entitlement after the call.
type Result[T any] struct {
	Value T
	Usage entitlements.Entitlement
}

// Run checks the quota, validates the request, runs op and counts one use.
//
// A denied check returns *entitlements.QuotaError before validate or op
// run. Validation and operation errors are returned as-is and consume no
// quota. The returned usage is the checked entitlement advanced by one,
// computed locally rather than re-read.
func Run[T any](ctx context.Context, checker Checker, userID uuid.UUID, feature models.Feature, validate func() error, op func(ctx context.Context) (T, error)) (Result[T], error) {
	var zero Result[T]

	ent, err := checker.Check(ctx, userID, feature)
	if err != nil {
		return zero, err
	}
	if !ent.Allowed {
		return zero, &entitlements.QuotaError{Entitlement: ent}
	}
	if validate != nil {
		if err := validate(); err != nil {
			return zero, err
		}
	}

	value, err := op(ctx)
	if err != nil {
		return zero, err
	}
	checker.Increment(ctx, userID, feature)
	return Result[T]{Value: value, Usage: ent.Advanced()}, nil
}
