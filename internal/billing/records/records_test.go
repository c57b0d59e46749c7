package records

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/access"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	mu       sync.Mutex
	elevated map[string]bool
}

func (g *fakeGate) set(userID string, v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.elevated[userID] = v
}

func (g *fakeGate) CheckAccessFor(_ context.Context, userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.elevated[userID]
}

func (g *fakeGate) RequireAccess(ctx context.Context) error {
	userID, err := identity.ContextProvider{}.CurrentUserID(ctx)
	if err != nil || !g.CheckAccessFor(ctx, userID) {
		return access.ErrElevatedAccessRequired
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeGate, *SQLiteStore) {
	t.Helper()
	store, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gate := &fakeGate{elevated: map[string]bool{}}
	return NewService(store, gate, identity.ContextProvider{}, 0), gate, store
}

func userCtx(id string) context.Context {
	return identity.WithUserID(context.Background(), id)
}

func TestCreateEnforcesFreeLimit(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := userCtx("free-user")
	require.Equal(t, DefaultFreeLimit, svc.FreeLimit())

	for i := 0; i < DefaultFreeLimit; i++ {
		_, err := svc.Create(ctx, "record")
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "one too many")
	require.ErrorIs(t, err, ErrFreeLimitReached)
	assert.Contains(t, err.Error(), "3 records")

	stored, err := store.ListByUser(context.Background(), "free-user")
	require.NoError(t, err)
	assert.Len(t, stored, DefaultFreeLimit)

	// Quota is per user.
	_, err = svc.Create(userCtx("other"), "first")
	require.NoError(t, err)
}

func TestCreateUnlimitedWhenElevated(t *testing.T) {
	svc, gate, store := newTestService(t)
	gate.set("pro", true)
	ctx := userCtx("pro")

	for i := 0; i < DefaultFreeLimit+2; i++ {
		_, err := svc.Create(ctx, "record")
		require.NoError(t, err)
	}
	stored, err := store.ListByUser(context.Background(), "pro")
	require.NoError(t, err)
	assert.Len(t, stored, DefaultFreeLimit+2)

	// Losing access stops further creates but keeps existing records.
	gate.set("pro", false)
	_, err = svc.Create(ctx, "after downgrade")
	require.ErrorIs(t, err, ErrFreeLimitReached)
	recs, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, DefaultFreeLimit+2)
}

func TestCreateConcurrentDoesNotExceedLimit(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := userCtx("racer")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Create(ctx, "r")
		}()
	}
	wg.Wait()

	stored, err := store.ListByUser(context.Background(), "racer")
	require.NoError(t, err)
	assert.Len(t, stored, DefaultFreeLimit)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), "x")
	assert.ErrorIs(t, err, identity.ErrUnauthenticated)

	_, err = svc.Create(userCtx("u"), "   ")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = svc.Create(userCtx("u"), strings.Repeat("a", maxNameLength+1))
	assert.ErrorIs(t, err, ErrInvalidName)

	rec, err := svc.Create(userCtx("u"), "  trimmed  ")
	require.NoError(t, err)
	assert.Equal(t, "trimmed", rec.Name)
	assert.Len(t, rec.ID, 26)
}

func TestExportAndAnalyticsRequireAccess(t *testing.T) {
	svc, gate, _ := newTestService(t)
	ctx := userCtx("u")
	_, err := svc.Create(ctx, "a")
	require.NoError(t, err)

	_, err = svc.Export(ctx)
	assert.ErrorIs(t, err, access.ErrElevatedAccessRequired)
	_, err = svc.Analytics(ctx)
	assert.ErrorIs(t, err, access.ErrElevatedAccessRequired)

	gate.set("u", true)
	recs, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestAnalytics(t *testing.T) {
	svc, gate, _ := newTestService(t)
	gate.set("u", true)
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	ctx := userCtx("u")

	for _, age := range []time.Duration{time.Hour, 3 * 24 * time.Hour, 20 * 24 * time.Hour, 90 * 24 * time.Hour} {
		svc.now = func() time.Time { return now.Add(-age) }
		_, err := svc.Create(ctx, "r")
		require.NoError(t, err)
	}
	svc.now = func() time.Time { return now }

	stats, err := svc.Analytics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRecords)
	assert.Equal(t, 2, stats.CreatedLast7)
	assert.Equal(t, 3, stats.CreatedLast30)
	assert.Equal(t, 1, stats.PerDay["2026-03-31"])
	assert.Equal(t, 1, stats.PerDay["2026-03-28"])
}

func TestHandlers(t *testing.T) {
	svc, gate, _ := newTestService(t)
	h := NewHandlers(svc)

	do := func(method, target, body, user string, fn http.HandlerFunc) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		if user != "" {
			req = req.WithContext(userCtx(user))
		}
		rec := httptest.NewRecorder()
		fn(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/api/records", "", "", h.HandleRecords)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(http.MethodGet, "/api/records", "", "u", h.HandleRecords)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":[]}`, rec.Body.String())

	for i := 0; i < DefaultFreeLimit; i++ {
		rec = do(http.MethodPost, "/api/records", `{"name":"r"}`, "u", h.HandleRecords)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec = do(http.MethodPost, "/api/records", `{"name":"r"}`, "u", h.HandleRecords)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"free_limit_reached","limit":3}`, rec.Body.String())

	rec = do(http.MethodPost, "/api/records", `{"name":""}`, "u", h.HandleRecords)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodPost, "/api/records", `{`, "u", h.HandleRecords)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodDelete, "/api/records", "", "u", h.HandleRecords)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(http.MethodGet, "/api/records/export", "", "u", h.HandleExport)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.JSONEq(t, `{"error":"upgrade_required"}`, rec.Body.String())

	rec = do(http.MethodGet, "/api/analytics", "", "u", h.HandleAnalytics)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	gate.set("u", true)

	rec = do(http.MethodGet, "/api/records/export", "", "u", h.HandleExport)
	require.Equal(t, http.StatusOK, rec.Code)
	var exported struct {
		Records []Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exported))
	assert.Len(t, exported.Records, DefaultFreeLimit)

	rec = do(http.MethodGet, "/api/records/export?format=csv", "", "u", h.HandleExport)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, DefaultFreeLimit+1)
	assert.Equal(t, []string{"id", "name", "created_at"}, rows[0])

	rec = do(http.MethodGet, "/api/analytics", "", "u", h.HandleAnalytics)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Analytics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, DefaultFreeLimit, stats.TotalRecords)
}
