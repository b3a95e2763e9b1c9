package planner

import (
    "context"
    "errors"
    "testing"

    "fleetplan/internal/model"
    "fleetplan/internal/store"
)

const tenant = "t1"

func TestSuggestDatesPrefersLoadedRegion(t *testing.T) {
    ctx := context.Background()
    mem := store.NewMemory()
    p := New(mem)

    // Two regions both covering the target point. The nearer one is empty;
    // the farther one already has a delivery two days into the window.
    near, err := mem.CreateRegionWithAddress(ctx, tenant,
        model.RegionInput{Name: "near", RadiusKM: 30, MaxDeliveriesPerDay: 5},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    if err != nil {
        t.Fatalf("create near: %v", err)
    }
    far, err := mem.CreateRegionWithAddress(ctx, tenant,
        model.RegionInput{Name: "far", RadiusKM: 30, MaxDeliveriesPerDay: 5},
        model.AddressInput{Lat: 50.95, Lng: 4.35, Date: "2026-08-01"})
    if err != nil {
        t.Fatalf("create far: %v", err)
    }
    if _, err := mem.AttachAddressToRegion(ctx, tenant, far.ID,
        model.AddressInput{Lat: 50.95, Lng: 4.35, Date: "2026-09-03"}); err != nil {
        t.Fatalf("attach: %v", err)
    }

    got, err := p.SuggestDates(ctx, tenant, 50.86, 4.35, "2026-09-01", 4)
    if err != nil {
        t.Fatalf("suggest: %v", err)
    }
    if len(got) != 4 {
        t.Fatalf("got %d suggestions, want 4 (one per date)", len(got))
    }
    // Day 3 carries load in the far region and must outrank the
    // chronologically earlier empty dates.
    if got[0].Date != "2026-09-03" || got[0].RegionID != far.ID {
        t.Fatalf("first suggestion = %s/%s, want 2026-09-03/%s", got[0].Date, got[0].RegionName, far.Name)
    }
    if got[0].DeliveryCount != 1 || got[0].SpotsLeft != 4 {
        t.Fatalf("first suggestion load = %d/%d spots, want 1 delivered, 4 left", got[0].DeliveryCount, got[0].SpotsLeft)
    }
    // Remaining dates are empty-partition entries, soonest first, nearest
    // region winning the per-date dedupe.
    if got[1].Date != "2026-09-01" || got[1].RegionID != near.ID {
        t.Fatalf("second suggestion = %s/%s, want 2026-09-01/near", got[1].Date, got[1].RegionName)
    }
    if got[2].Date != "2026-09-02" || got[3].Date != "2026-09-04" {
        t.Fatalf("tail dates = %s, %s, want 2026-09-02, 2026-09-04", got[2].Date, got[3].Date)
    }
}

func TestSuggestDatesSkipsFullRegions(t *testing.T) {
    ctx := context.Background()
    mem := store.NewMemory()
    p := New(mem)

    region, err := mem.CreateRegionWithAddress(ctx, tenant,
        model.RegionInput{Name: "full", RadiusKM: 30, MaxDeliveriesPerDay: 1},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    if err != nil {
        t.Fatalf("create: %v", err)
    }
    if _, err := mem.AttachAddressToRegion(ctx, tenant, region.ID,
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-09-01"}); err != nil {
        t.Fatalf("attach: %v", err)
    }

    got, err := p.SuggestDates(ctx, tenant, 50.85, 4.35, "2026-09-01", 3)
    if err != nil {
        t.Fatalf("suggest: %v", err)
    }
    for _, s := range got {
        if s.Date == "2026-09-01" {
            t.Fatalf("full date 2026-09-01 suggested anyway: %+v", s)
        }
    }
    if len(got) != 2 {
        t.Fatalf("got %d suggestions, want 2", len(got))
    }
}

func TestSuggestDatesSkipsInvalidLedgerDates(t *testing.T) {
    ctx := context.Background()
    mem := store.NewMemory()
    p := New(mem)

    if _, err := mem.CreateRegionWithAddress(ctx, tenant,
        model.RegionInput{Name: "r", RadiusKM: 30, MaxDeliveriesPerDay: 5},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"}); err != nil {
        t.Fatalf("create: %v", err)
    }
    // One configured driver who is only available on the second day makes
    // every other date invalid.
    drv, err := mem.CreateEmployee(ctx, tenant, model.EmployeeInput{Name: "d", Role: "driver"})
    if err != nil {
        t.Fatalf("employee: %v", err)
    }
    if err := mem.SetAvailability(ctx, tenant, drv.ID, "2026-09-02", true); err != nil {
        t.Fatalf("availability: %v", err)
    }

    got, err := p.SuggestDates(ctx, tenant, 50.85, 4.35, "2026-09-01", 3)
    if err != nil {
        t.Fatalf("suggest: %v", err)
    }
    if len(got) != 1 || got[0].Date != "2026-09-02" {
        t.Fatalf("got %+v, want exactly 2026-09-02", got)
    }
}

func TestSuggestDatesForRegion(t *testing.T) {
    ctx := context.Background()
    mem := store.NewMemory()
    p := New(mem)

    region, err := mem.CreateRegionWithAddress(ctx, tenant,
        model.RegionInput{Name: "manual", RadiusKM: 30, MaxDeliveriesPerDay: 5},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    if err != nil {
        t.Fatalf("create: %v", err)
    }

    got, err := p.SuggestDatesForRegion(ctx, tenant, region.ID, "2026-09-01", 2)
    if err != nil {
        t.Fatalf("suggest: %v", err)
    }
    if len(got) != 2 || got[0].Date != "2026-09-01" {
        t.Fatalf("got %+v, want dates 2026-09-01, 2026-09-02", got)
    }
    if got[0].DistanceKM != 0 {
        t.Fatalf("manual selection distance = %f, want 0", got[0].DistanceKM)
    }

    if _, err := p.SuggestDatesForRegion(ctx, tenant, "missing", "2026-09-01", 2); err == nil {
        t.Fatal("expected error for unknown region")
    }
}

func TestSuggestDatesRejectsBadFrom(t *testing.T) {
    ctx := context.Background()
    p := New(store.NewMemory())
    _, err := p.SuggestDates(ctx, tenant, 50.85, 4.35, "01-09-2026", 3)
    var re *model.RuleError
    if !errors.As(err, &re) {
        t.Fatalf("err = %v, want RuleError", err)
    }
}

func TestCapacityInfoIdempotent(t *testing.T) {
    ctx := context.Background()
    p := New(store.NewMemory())
    a, err := p.CapacityInfo(ctx, tenant, "2026-09-01")
    if err != nil {
        t.Fatalf("capacity info: %v", err)
    }
    b, err := p.CapacityInfo(ctx, tenant, "2026-09-01")
    if err != nil {
        t.Fatalf("capacity info: %v", err)
    }
    if a != b {
        t.Fatalf("capacity info not idempotent: %+v vs %+v", a, b)
    }
    if !a.Valid || a.Reason != "" {
        t.Fatalf("empty tenant should be valid with no reason, got %+v", a)
    }
}
