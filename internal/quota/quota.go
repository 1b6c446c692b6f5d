package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seopilot/internal/config"
	"seopilot/internal/domain"
	"seopilot/internal/repo"
)

// AutomationRun is the resource consumed by every audit creation.
const AutomationRun = "automationRun"

// PeriodLayout buckets usage per calendar month (UTC).
const PeriodLayout = "2006-01"

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Used    int    `json:"used"`
	// Limit is negative when the plan is unlimited.
	Limit  int    `json:"limit"`
	Period string `json:"period"`
	Plan   string `json:"plan"`
}

// Gate decides whether a tenant may consume one more unit of a resource.
type Gate interface {
	CheckAndReserve(ctx context.Context, tenantID, resource string) (Decision, error)
	// Release returns a reservation to the period it was taken from.
	Release(ctx context.Context, tenantID, resource, period string) error
	Usage(ctx context.Context, tenantID, resource string) (Decision, error)
}

// SQLGate keeps counters in the quota_usage table and reads limits from the plans in configuration.
type SQLGate struct {
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
	Log    *zap.Logger
}

func (g SQLGate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g SQLGate) logger() *zap.Logger {
	if g.Log != nil {
		return g.Log
	}
	return zap.NewNop()
}

func (g SQLGate) limitFor(ctx context.Context, tenantID string) (string, int, error) {
	t, err := g.Repo.GetTenant(ctx, nil, tenantID)
	if err != nil {
		return "", 0, err
	}
	if g.Config == nil {
		return t.Plan, 0, fmt.Errorf("quota: config not loaded")
	}
	plan, ok := g.Config.Plans[t.Plan]
	if !ok {
		return t.Plan, 0, nil
	}
	return t.Plan, plan.AutomationRunsPerMonth, nil
}

func (g SQLGate) CheckAndReserve(ctx context.Context, tenantID, resource string) (Decision, error) {
	planName, limit, err := g.limitFor(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	now := g.now()
	d := Decision{Limit: limit, Period: now.UTC().Format(PeriodLayout), Plan: planName}
	ok, err := g.Repo.IncrementUsage(ctx, nil, tenantID, resource, d.Period, limit, domain.Stamp(now))
	if err != nil {
		return Decision{}, fmt.Errorf("quota reserve: %w", err)
	}
	used, err := g.Repo.GetUsage(ctx, nil, tenantID, resource, d.Period)
	if err != nil {
		return Decision{}, err
	}
	d.Used = used
	d.Allowed = ok
	if !ok {
		d.Reason = denyReason(planName, limit, used, g.Config)
		g.logger().Info("quota denied",
			zap.String("tenant_id", tenantID),
			zap.String("resource", resource),
			zap.String("plan", planName),
			zap.Int("used", used),
			zap.Int("limit", limit))
	}
	return d, nil
}

func (g SQLGate) Release(ctx context.Context, tenantID, resource, period string) error {
	if period == "" {
		period = g.now().UTC().Format(PeriodLayout)
	}
	return g.Repo.DecrementUsage(ctx, nil, tenantID, resource, period, domain.Stamp(g.now()))
}

func (g SQLGate) Usage(ctx context.Context, tenantID, resource string) (Decision, error) {
	planName, limit, err := g.limitFor(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	period := g.now().UTC().Format(PeriodLayout)
	used, err := g.Repo.GetUsage(ctx, nil, tenantID, resource, period)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Used: used, Limit: limit, Period: period, Plan: planName}
	d.Allowed = limit < 0 || used < limit
	if !d.Allowed {
		d.Reason = denyReason(planName, limit, used, g.Config)
	}
	return d, nil
}

func denyReason(plan string, limit, used int, cfg *config.Config) string {
	if cfg != nil {
		if _, ok := cfg.Plans[plan]; !ok {
			return fmt.Sprintf("plan %q is not configured; no automation runs available", plan)
		}
	}
	if limit == 0 {
		return fmt.Sprintf("plan %q does not include automation runs; upgrade to run audits", plan)
	}
	return fmt.Sprintf("monthly automation runs exhausted (%d/%d) on plan %q; upgrade or wait for the next period", used, limit, plan)
}
