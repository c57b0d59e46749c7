package entitlements

import (
	"testing"
	"time"
)

func TestParseSubscriptionStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want SubscriptionStatus
	}{
		{"active", StatusActive},
		{" ACTIVE ", StatusActive},
		{"trialing", StatusTrialing},
		{"past_due", StatusPastDue},
		{"unpaid", StatusPastDue},
		{"paused", StatusPastDue},
		{"canceled", StatusCanceled},
		{"incomplete_expired", StatusCanceled},
		{"incomplete", StatusIncomplete},
		{"", StatusIncomplete},
		{"something_new", StatusIncomplete},
	}
	for _, tt := range tests {
		if got := ParseSubscriptionStatus(tt.raw); got != tt.want {
			t.Errorf("ParseSubscriptionStatus(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestPlanIsPaid(t *testing.T) {
	if PlanFree.IsPaid() {
		t.Fatal("free plan must not be paid")
	}
	if !PlanProMonthly.IsPaid() || !PlanProYearly.IsPaid() {
		t.Fatal("pro plans must be paid")
	}
	if Plan("enterprise").Valid() {
		t.Fatal("unknown plan must be invalid")
	}
}

func TestPeriodEnd(t *testing.T) {
	if v := PeriodEnd(nil); v == nil || v.Valid {
		t.Fatalf("PeriodEnd(nil) = %+v, want cleared value", v)
	}
	var zero time.Time
	if v := PeriodEnd(&zero); v.Valid {
		t.Fatalf("PeriodEnd(zero) should clear, got %+v", v)
	}
	ts := time.Unix(1_800_000_000, 0)
	if v := PeriodEnd(&ts); !v.Valid || !v.Time.Equal(ts) {
		t.Fatalf("PeriodEnd(ts) = %+v", v)
	}
}

func TestStatusLabel(t *testing.T) {
	if StatusNone.Label() != "none" {
		t.Fatalf("StatusNone.Label() = %q", StatusNone.Label())
	}
	if StatusPastDue.Label() != "past_due" {
		t.Fatalf("StatusPastDue.Label() = %q", StatusPastDue.Label())
	}
}
