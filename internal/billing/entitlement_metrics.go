package billing

import (
	"context"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/billmetrics"
	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rs/zerolog/log"
)

const entitlementMetricsInterval = 30 * time.Second

type planCounter interface {
	CountByPlanStatus(ctx context.Context) (map[entitlements.PlanStatus]int, error)
}

var (
	knownPlans    = []entitlements.Plan{entitlements.PlanFree, entitlements.PlanProMonthly, entitlements.PlanProYearly}
	knownStatuses = []entitlements.SubscriptionStatus{
		entitlements.StatusNone,
		entitlements.StatusActive,
		entitlements.StatusPastDue,
		entitlements.StatusCanceled,
		entitlements.StatusIncomplete,
		entitlements.StatusTrialing,
	}
)

func runEntitlementMetrics(ctx context.Context, store planCounter, limiters ...*RateLimiter) {
	ticker := time.NewTicker(entitlementMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateEntitlementGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateEntitlementGauges(ctx, store)
			for _, rl := range limiters {
				rl.Sweep()
			}
		}
	}
}

func updateEntitlementGauges(ctx context.Context, store planCounter) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	counts, err := store.CountByPlanStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update entitlement metrics")
		return
	}

	seen := make(map[entitlements.PlanStatus]struct{}, len(counts))
	for _, plan := range knownPlans {
		for _, status := range knownStatuses {
			ps := entitlements.PlanStatus{Plan: plan, Status: status}
			seen[ps] = struct{}{}
			billmetrics.EntitlementsByPlan.WithLabelValues(string(plan), status.Label()).Set(float64(counts[ps]))
		}
	}
	for ps, c := range counts {
		if _, ok := seen[ps]; ok {
			continue
		}
		billmetrics.EntitlementsByPlan.WithLabelValues(string(ps.Plan), ps.Status.Label()).Set(float64(c))
	}
}
