package plan

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/phrazzld/banksync/internal/config"
)

// UsageCounter counts created tasks. task.Store satisfies it.
type UsageCounter interface {
	CountCreatedSince(ctx context.Context, ownerID int64, kind string, since time.Time) (int, error)
}

// Catalog is a Gate backed by the configured plan catalog and the task
// store's creation history.
type Catalog struct {
	defaultPlan string
	plans       map[string]map[string]int
	owners      map[int64]string
	usage       UsageCounter
	now         func() time.Time
}

var _ Gate = (*Catalog)(nil)

// NewCatalog builds a Catalog. Owner keys that are not integers are ignored.
func NewCatalog(cfg config.PlansConfig, usage UsageCounter) *Catalog {
	c := &Catalog{
		defaultPlan: cfg.DefaultPlan,
		plans:       make(map[string]map[string]int, len(cfg.Catalog)),
		owners:      make(map[int64]string, len(cfg.Owners)),
		usage:       usage,
		now:         time.Now,
	}
	for id, p := range cfg.Catalog {
		features := make(map[string]int, len(p.Features))
		for kind, limit := range p.Features {
			features[kind] = limit
		}
		c.plans[id] = features
	}
	for key, planID := range cfg.Owners {
		ownerID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		c.owners[ownerID] = planID
	}
	return c
}

// SetClock overrides the time source used to find the current month.
func (c *Catalog) SetClock(now func() time.Time) {
	c.now = now
}

// PlanFor implements Gate.
func (c *Catalog) PlanFor(_ context.Context, ownerID int64) (string, error) {
	if planID, ok := c.owners[ownerID]; ok {
		return planID, nil
	}
	return c.defaultPlan, nil
}

// HasFeature implements Gate.
func (c *Catalog) HasFeature(_ context.Context, planID, kind string) (bool, error) {
	_, ok := c.plans[planID][kind]
	return ok, nil
}

// LimitFor implements Gate.
func (c *Catalog) LimitFor(_ context.Context, planID, kind string) (int, error) {
	limit, ok := c.plans[planID][kind]
	if !ok {
		return 0, nil
	}
	return limit, nil
}

// MonthlyUsage implements Gate.
func (c *Catalog) MonthlyUsage(ctx context.Context, ownerID int64, kind string) (int, error) {
	return c.usage.CountCreatedSince(ctx, ownerID, kind, MonthStart(c.now()))
}

// Kinds returns every task kind granted by at least one plan, sorted.
func (c *Catalog) Kinds() []string {
	seen := make(map[string]struct{})
	for _, features := range c.plans {
		for kind := range features {
			seen[kind] = struct{}{}
		}
	}
	kinds := make([]string, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
