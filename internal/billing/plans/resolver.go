// Package plans maps provider price identifiers onto entitlement plans.
package plans

import "github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"

// Resolver maps a price id to a plan. Matching is exact: no trimming, no case
// folding. Unconfigured ids never match.
type Resolver struct {
	MonthlyPriceID string
	YearlyPriceID  string
}

// New returns a Resolver for the configured monthly and yearly prices.
func New(monthlyPriceID, yearlyPriceID string) *Resolver {
	return &Resolver{MonthlyPriceID: monthlyPriceID, YearlyPriceID: yearlyPriceID}
}

// Resolve returns the plan for priceID. It is total: anything that is not a
// configured paid price resolves to the free plan.
func (r *Resolver) Resolve(priceID string) entitlements.Plan {
	if r == nil || priceID == "" {
		return entitlements.PlanFree
	}
	switch priceID {
	case r.MonthlyPriceID:
		return entitlements.PlanProMonthly
	case r.YearlyPriceID:
		return entitlements.PlanProYearly
	default:
		return entitlements.PlanFree
	}
}

// IsPaidPrice reports whether priceID is one of the configured paid prices.
func (r *Resolver) IsPaidPrice(priceID string) bool {
	return r.Resolve(priceID).IsPaid()
}
