package region_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/systemcmd0122/toramori/internal/connectivity"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/region"
	"github.com/systemcmd0122/toramori/internal/store"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*region.Service, *store.MemoryStore, *connectivity.Static) {
	t.Helper()
	st := store.NewMemoryStore()
	probe := connectivity.NewStatic(true)
	return region.NewService(st, probe, zap.NewNop()), st, probe
}

func seedRegion(t *testing.T, svc *region.Service, name, code string) *region.Data {
	t.Helper()
	d, err := svc.Create(context.Background(), name, code)
	if err != nil {
		t.Fatalf("Create(%q): %v", code, err)
	}
	return d
}

func usageCount(t *testing.T, st store.Store, id string) int64 {
	t.Helper()
	var d region.Data
	if err := st.Get(context.Background(), store.CollectionRegionCodes, id, &d); err != nil {
		t.Fatalf("get region %s: %v", id, err)
	}
	return d.CurrentUsageCount
}

// ── Verify ────────────────────────────────────────────────────────────────

func TestVerify_IncrementsUsageAndWritesMembership(t *testing.T) {
	svc, st, _ := newTestService(t)
	seeded := seedRegion(t, svc, "佐土原", "TORA2025")
	ctx := context.Background()

	d, err := svc.Verify(ctx, "  tora2025 ", "u1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if d.Name != "佐土原" || d.ID != seeded.ID {
		t.Errorf("unexpected data: %+v", d)
	}
	if d.CurrentUsageCount != 1 {
		t.Errorf("returned usage count: want 1, got %d", d.CurrentUsageCount)
	}
	if got := usageCount(t, st, seeded.ID); got != 1 {
		t.Errorf("stored usage count: want 1, got %d", got)
	}

	m := svc.Membership(ctx, "u1")
	if m == nil || m.RegionName != "佐土原" || m.RegionCodeID != seeded.ID {
		t.Fatalf("membership: got %+v", m)
	}
}

func TestVerify_IdempotentForExistingMembership(t *testing.T) {
	svc, st, _ := newTestService(t)
	seeded := seedRegion(t, svc, "佐土原", "TORA2025")
	seedRegion(t, svc, "高鍋", "TAKA2025")
	ctx := context.Background()

	first, err := svc.Verify(ctx, "TORA2025", "u1")
	if err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	// A different code must not move an already verified user.
	again, err := svc.Verify(ctx, "TAKA2025", "u1")
	if err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if again.ID != first.ID || again.Name != first.Name {
		t.Errorf("re-verify returned %+v, want region %q", again, first.Name)
	}
	if got := usageCount(t, st, seeded.ID); got != 1 {
		t.Errorf("usage count after re-verify: want 1, got %d", got)
	}
}

func TestVerify_InvalidCode(t *testing.T) {
	svc, st, _ := newTestService(t)
	seeded := seedRegion(t, svc, "佐土原", "TORA2025")
	ctx := context.Background()

	_, err := svc.Verify(ctx, "BADCODE", "u1")
	if !errors.Is(err, region.ErrInvalidCode) {
		t.Fatalf("want ErrInvalidCode, got %v", err)
	}
	if got := usageCount(t, st, seeded.ID); got != 0 {
		t.Errorf("usage count changed: %d", got)
	}
	if svc.Membership(ctx, "u1") != nil {
		t.Error("failed verification must not create a membership")
	}
}

func TestVerify_InactiveCodeIsInvalid(t *testing.T) {
	svc, st, _ := newTestService(t)
	seeded := seedRegion(t, svc, "佐土原", "TORA2025")
	ctx := context.Background()
	if err := st.Merge(ctx, store.CollectionRegionCodes, seeded.ID, map[string]any{"isActive": false}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if _, err := svc.Verify(ctx, "TORA2025", "u1"); !errors.Is(err, region.ErrInvalidCode) {
		t.Fatalf("want ErrInvalidCode, got %v", err)
	}
}

func TestVerify_OverwritesInvalidMembership(t *testing.T) {
	svc, st, _ := newTestService(t)
	seedRegion(t, svc, "佐土原", "TORA2025")
	ctx := context.Background()
	stale := region.Membership{UserID: "u1", RegionCodeID: "old", RegionName: "", Verified: true}
	if err := st.Set(ctx, store.CollectionUserRegions, "u1", stale); err != nil {
		t.Fatalf("seed membership: %v", err)
	}
	if svc.Membership(ctx, "u1") != nil {
		t.Fatal("membership with a blank region name must be treated as absent")
	}

	d, err := svc.Verify(ctx, "TORA2025", "u1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	m := svc.Membership(ctx, "u1")
	if m == nil || m.RegionCodeID != d.ID {
		t.Fatalf("membership not overwritten: %+v", m)
	}
}

func TestVerify_Offline(t *testing.T) {
	svc, _, probe := newTestService(t)
	seedRegion(t, svc, "佐土原", "TORA2025")
	probe.Set(false)

	_, err := svc.Verify(context.Background(), "TORA2025", "u1")
	var callErr *netcall.CallError
	if !errors.As(err, &callErr) || callErr.Kind != netcall.KindNoNetwork {
		t.Fatalf("want NoNetwork call error, got %v", err)
	}
}

// ── Membership / Reset ────────────────────────────────────────────────────

func TestMembership_UnverifiedIsNil(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()
	m := region.Membership{UserID: "u1", RegionCodeID: "r1", RegionName: "佐土原", Verified: false}
	if err := st.Set(ctx, store.CollectionUserRegions, "u1", m); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if svc.Membership(ctx, "u1") != nil {
		t.Error("unverified membership must be nil")
	}
	if svc.Membership(ctx, "nobody") != nil {
		t.Error("absent membership must be nil")
	}
}

func TestReset_DeletesMembership(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedRegion(t, svc, "佐土原", "TORA2025")
	ctx := context.Background()
	if _, err := svc.Verify(ctx, "TORA2025", "u1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := svc.Reset(ctx, "u1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if svc.Membership(ctx, "u1") != nil {
		t.Error("membership should be gone after reset")
	}
	if err := svc.Reset(ctx, "u1"); err != nil {
		t.Errorf("second Reset: %v", err)
	}
}

// ── Regions ───────────────────────────────────────────────────────────────

func TestCreate_DuplicateCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	seedRegion(t, svc, "佐土原", "TORA2025")
	if _, err := svc.Create(context.Background(), "別地域", " tora2025"); !errors.Is(err, region.ErrCodeExists) {
		t.Fatalf("want ErrCodeExists, got %v", err)
	}
	if _, err := svc.Create(context.Background(), " ", "X"); err == nil {
		t.Fatal("blank name should be rejected")
	}
}

func TestActiveRegions_CachedUntilTTL(t *testing.T) {
	st := store.NewMemoryStore()
	probe := connectivity.NewStatic(true)
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	svc := region.NewService(st, probe, zap.NewNop(),
		region.WithClock(clock),
		region.WithRegionsTTL(5*time.Minute),
	)
	ctx := context.Background()
	seedRegion(t, svc, "高鍋", "TAKA2025")

	list, err := svc.ActiveRegions(ctx, false)
	if err != nil || len(list) != 1 {
		t.Fatalf("ActiveRegions: %v %v", list, err)
	}

	seedRegion(t, svc, "佐土原", "TORA2025")
	probe.Set(false)
	list, err = svc.ActiveRegions(ctx, false)
	if err != nil || len(list) != 1 {
		t.Fatalf("offline read should serve the cached list, got %v %v", list, err)
	}

	probe.Set(true)
	now = now.Add(5 * time.Minute)
	list, err = svc.ActiveRegions(ctx, false)
	if err != nil {
		t.Fatalf("ActiveRegions after TTL: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected refreshed list of 2, got %d", len(list))
	}
	if list[0].Name > list[1].Name {
		t.Errorf("regions not ordered by name: %q, %q", list[0].Name, list[1].Name)
	}
}

func TestActiveRegions_ForceRefresh(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedRegion(t, svc, "高鍋", "TAKA2025")
	if _, err := svc.ActiveRegions(ctx, false); err != nil {
		t.Fatalf("ActiveRegions: %v", err)
	}
	seedRegion(t, svc, "佐土原", "TORA2025")
	list, err := svc.ActiveRegions(ctx, true)
	if err != nil || len(list) != 2 {
		t.Fatalf("forced refresh: %v %v", list, err)
	}
}
