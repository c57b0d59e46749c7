package entitlements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract runs the behaviour every Store backend must share. Each
// case gets a fresh, empty store from newStore.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	cases := []struct {
		name string
		run  func(t *testing.T, s Store)
	}{
		{"EnsureUserCreatesFreeEntitlement", testEnsureUserCreatesFreeEntitlement},
		{"GetMissingReturnsNil", testGetMissingReturnsNil},
		{"UpdateByUserIDAndCustomerID", testUpdateByUserIDAndCustomerID},
		{"UpdateUnmatchedReturnsZeroRows", testUpdateUnmatchedReturnsZeroRows},
		{"UpdateRejectsEmptyAndInvalid", testUpdateRejectsEmptyAndInvalid},
		{"BillingCustomerIDNeverChangesOnceSet", testBillingCustomerIDNeverChangesOnceSet},
		{"PaidPlanRequiresStatusAndCustomer", testPaidPlanRequiresStatusAndCustomer},
		{"PeriodEndCanBeCleared", testPeriodEndCanBeCleared},
		{"UpsertSubscriptionRejectsOlderEvents", testUpsertSubscriptionRejectsOlderEvents},
		{"UpdateSubscriptionByExternalID", testUpdateSubscriptionByExternalID},
		{"InTxRollsBackOnError", testInTxRollsBackOnError},
		{"CountByPlanStatus", testCountByPlanStatus},
		{"Ping", testPing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.run(t, newStore(t))
		})
	}
}

func testEnsureUserCreatesFreeEntitlement(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.EnsureUser(ctx, "user-1"))
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	got, err := s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, PlanFree, got.Plan)
	assert.Equal(t, StatusNone, got.SubscriptionStatus)
	assert.Empty(t, got.BillingCustomerID)
	assert.Nil(t, got.CurrentPeriodEnd)
}

func testGetMissingReturnsNil(t *testing.T, s Store) {
	ctx := context.Background()

	got, err := s.GetByUserID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetByBillingCustomerID(ctx, "cus_missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.GetByBillingCustomerID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testUpdateByUserIDAndCustomerID(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	n, err := s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{
		BillingCustomerID:  "cus_1",
		Plan:               PlanPtr(PlanProMonthly),
		SubscriptionStatus: StatusPtr(StatusActive),
		CurrentPeriodEnd:   PeriodEnd(&end),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetByBillingCustomerID(ctx, "cus_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, PlanProMonthly, got.Plan)
	assert.Equal(t, StatusActive, got.SubscriptionStatus)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(end))

	n, err = s.UpdateByBillingCustomerID(ctx, "cus_1", EntitlementUpdate{
		SubscriptionStatus: StatusPtr(StatusPastDue),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, PlanProMonthly, got.Plan)
	assert.Equal(t, StatusPastDue, got.SubscriptionStatus)
	require.NotNil(t, got.CurrentPeriodEnd, "untouched fields must be preserved")
}

func testUpdateUnmatchedReturnsZeroRows(t *testing.T, s Store) {
	ctx := context.Background()

	n, err := s.UpdateByBillingCustomerID(ctx, "cus_unknown", EntitlementUpdate{
		SubscriptionStatus: StatusPtr(StatusActive),
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.UpdateByUserID(ctx, "nobody", EntitlementUpdate{Plan: PlanPtr(PlanFree)})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUpdateRejectsEmptyAndInvalid(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	_, err := s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{})
	require.Error(t, err)

	_, err = s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{Plan: PlanPtr(Plan("enterprise"))})
	require.Error(t, err)
}

func testBillingCustomerIDNeverChangesOnceSet(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	_, err := s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{BillingCustomerID: "cus_first"})
	require.NoError(t, err)
	_, err = s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{BillingCustomerID: "cus_second"})
	require.NoError(t, err)

	got, err := s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_first", got.BillingCustomerID)
}

func testPaidPlanRequiresStatusAndCustomer(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	_, err := s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{Plan: PlanPtr(PlanProYearly)})
	require.Error(t, err, "a paid plan without status and customer must violate the table check")

	got, err := s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, PlanFree, got.Plan)
}

func testPeriodEndCanBeCleared(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	end := time.Unix(1_800_000_000, 0).UTC()
	_, err := s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{CurrentPeriodEnd: PeriodEnd(&end)})
	require.NoError(t, err)
	_, err = s.UpdateByUserID(ctx, "user-1", EntitlementUpdate{CurrentPeriodEnd: PeriodEnd(nil)})
	require.NoError(t, err)

	got, err := s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got.CurrentPeriodEnd)
}

func testUpsertSubscriptionRejectsOlderEvents(t *testing.T, s Store) {
	ctx := context.Background()

	newer := time.Unix(1_800_000_100, 0).UTC()
	older := newer.Add(-time.Minute)

	require.NoError(t, s.UpsertSubscription(ctx, &SubscriptionRecord{
		SubscriptionID:    "sub_1",
		UserID:            "user-1",
		BillingCustomerID: "cus_1",
		PriceID:           "price_yearly",
		Status:            StatusActive,
		LastEventAt:       newer,
	}))

	err := s.UpsertSubscription(ctx, &SubscriptionRecord{
		SubscriptionID: "sub_1",
		PriceID:        "price_monthly",
		Status:         StatusPastDue,
		LastEventAt:    older,
	})
	require.ErrorIs(t, err, ErrStaleEvent)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, "price_yearly", got.PriceID)
	assert.True(t, got.LastEventAt.Equal(newer))

	// Same timestamp re-applies so redelivery stays idempotent.
	require.NoError(t, s.UpsertSubscription(ctx, &SubscriptionRecord{
		SubscriptionID: "sub_1",
		PriceID:        "price_yearly",
		Status:         StatusActive,
		LastEventAt:    newer,
	}))
	got, err = s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID, "empty user id must not clobber the stored one")
	assert.Equal(t, "cus_1", got.BillingCustomerID)
}

func testUpdateSubscriptionByExternalID(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Unix(1_800_000_000, 0).UTC()

	n, err := s.UpdateSubscriptionByExternalID(ctx, "sub_missing", SubscriptionUpdate{
		Status:  StatusActive,
		EventAt: base,
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.UpsertSubscription(ctx, &SubscriptionRecord{
		SubscriptionID: "sub_1",
		Status:         StatusActive,
		LastEventAt:    base,
	}))

	cancel := true
	n, err = s.UpdateSubscriptionByExternalID(ctx, "sub_1", SubscriptionUpdate{
		Status:            StatusPastDue,
		PriceID:           "price_monthly",
		CancelAtPeriodEnd: &cancel,
		EventAt:           base.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.UpdateSubscriptionByExternalID(ctx, "sub_1", SubscriptionUpdate{
		Status:  StatusActive,
		EventAt: base,
	})
	require.True(t, errors.Is(err, ErrStaleEvent), "got %v", err)

	got, err := s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPastDue, got.Status)
	assert.Equal(t, "price_monthly", got.PriceID)
	assert.True(t, got.CancelAtPeriodEnd)

	// Terminal updates apply even when older and never move the version back.
	n, err = s.UpdateSubscriptionByExternalID(ctx, "sub_1", SubscriptionUpdate{
		Status:   StatusCanceled,
		EventAt:  base,
		Terminal: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = s.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, got.Status)
	assert.True(t, got.LastEventAt.Equal(base.Add(time.Minute)))
}

func testInTxRollsBackOnError(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, "user-1"))

	boom := errors.New("boom")
	err := s.InTx(ctx, func(q Queries) error {
		if _, err := q.UpdateByUserID(ctx, "user-1", EntitlementUpdate{BillingCustomerID: "cus_tx"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got.BillingCustomerID)

	require.NoError(t, s.InTx(ctx, func(q Queries) error {
		_, err := q.UpdateByUserID(ctx, "user-1", EntitlementUpdate{BillingCustomerID: "cus_tx"})
		return err
	}))
	got, err = s.GetByUserID(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "cus_tx", got.BillingCustomerID)
}

func testCountByPlanStatus(t *testing.T, s Store) {
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.EnsureUser(ctx, id))
	}
	_, err := s.UpdateByUserID(ctx, "a", EntitlementUpdate{
		BillingCustomerID:  "cus_a",
		Plan:               PlanPtr(PlanProYearly),
		SubscriptionStatus: StatusPtr(StatusActive),
	})
	require.NoError(t, err)

	counts, err := s.CountByPlanStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[PlanStatus{Plan: PlanFree, Status: StatusNone}])
	assert.Equal(t, 1, counts[PlanStatus{Plan: PlanProYearly, Status: StatusActive}])
}

func testPing(t *testing.T, s Store) {
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
