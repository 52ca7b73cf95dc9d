// Package plan decides whether an owner may start a task of a given kind.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/phrazzld/banksync/internal/task"
)

// Unlimited is the limit value that disables the monthly quota.
const Unlimited = -1

// Gate answers the admission questions for task creation.
type Gate interface {
	// PlanFor returns the plan the owner is subscribed to. An empty id
	// means the owner has no plan.
	PlanFor(ctx context.Context, ownerID int64) (string, error)

	// HasFeature reports whether the plan grants the task kind.
	HasFeature(ctx context.Context, planID, kind string) (bool, error)

	// LimitFor returns the monthly limit for the kind, or Unlimited.
	LimitFor(ctx context.Context, planID, kind string) (int, error)

	// MonthlyUsage counts the owner's tasks of the kind created this calendar month.
	MonthlyUsage(ctx context.Context, ownerID int64, kind string) (int, error)
}

// Admit runs the admission checks in order: feature granted, then usage
// below the limit. It returns task.ErrPermissionDenied or
// task.ErrQuotaExceeded on rejection and task.ErrInfrastructure when the
// gate itself cannot answer.
func Admit(ctx context.Context, gate Gate, ownerID int64, kind string) error {
	planID, err := gate.PlanFor(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("%w: resolve plan: %v", task.ErrInfrastructure, err)
	}
	if planID == "" {
		return fmt.Errorf("%w: owner has no plan", task.ErrPermissionDenied)
	}

	granted, err := gate.HasFeature(ctx, planID, kind)
	if err != nil {
		return fmt.Errorf("%w: check feature: %v", task.ErrInfrastructure, err)
	}
	if !granted {
		return fmt.Errorf("%w: %s", task.ErrPermissionDenied, kind)
	}

	limit, err := gate.LimitFor(ctx, planID, kind)
	if err != nil {
		return fmt.Errorf("%w: read limit: %v", task.ErrInfrastructure, err)
	}
	if limit == Unlimited {
		return nil
	}

	used, err := gate.MonthlyUsage(ctx, ownerID, kind)
	if err != nil {
		return fmt.Errorf("%w: read usage: %v", task.ErrInfrastructure, err)
	}
	if used >= limit {
		return fmt.Errorf("%w: %d of %d %s tasks used this month", task.ErrQuotaExceeded, used, limit, kind)
	}
	return nil
}

// MonthStart returns the first instant of t's calendar month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
