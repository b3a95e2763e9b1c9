package store

import (
    "context"
    "errors"
    "math"
    "strings"
    "testing"

    "fleetplan/internal/geo"
    "fleetplan/internal/model"
)

func seedOrder(t *testing.T, m *Memory, tenant string, items ...model.OrderItem) model.Order {
    t.Helper()
    if len(items) == 0 {
        items = []model.OrderItem{{Category: "grote_matras", Quantity: 1}} // 15 min
    }
    o, err := m.CreateOrder(context.Background(), tenant, model.OrderInput{Items: items})
    if err != nil {
        t.Fatalf("CreateOrder: %v", err)
    }
    return o
}

func TestCreateRegionWithAddressSeedsCentroid(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    // Scenario: tenant has no regions; the point becomes the centroid.
    regions, _ := m.ListRegions(ctx, "t1")
    if len(geo.MatchRegions(regions, 50.85, 4.35)) != 0 {
        t.Fatalf("expected no matches for empty tenant")
    }
    r, err := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-09-01"})
    if err != nil {
        t.Fatalf("CreateRegionWithAddress: %v", err)
    }
    if r.CenterLat != 50.85 || r.CenterLng != 4.35 {
        t.Fatalf("centroid not seeded at point: %+v", r)
    }
    if r.RadiusKM != 30.0 || r.MaxDeliveriesPerDay != 13 {
        t.Fatalf("tenant defaults not applied: %+v", r)
    }
}

func TestAttachAddressRecomputesCentroid(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    r, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.0, Lng: 4.0, Date: "2026-09-01"})
    r2, err := m.AttachAddressToRegion(ctx, "t1", r.ID, model.AddressInput{Lat: 51.0, Lng: 5.0, Date: "2026-09-02"})
    if err != nil {
        t.Fatalf("AttachAddressToRegion: %v", err)
    }
    if math.Abs(r2.CenterLat-50.5) > 1e-9 || math.Abs(r2.CenterLng-4.5) > 1e-9 {
        t.Fatalf("centroid after attach: %+v", r2)
    }
}

func TestScheduleDeliveryQuota(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    pol := model.DefaultPolicy()
    pol.DefaultMaxDeliveries = 2
    _ = m.SaveTenantPolicy(ctx, "t1", pol)
    region, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})

    for i := 0; i < 2; i++ {
        o := seedOrder(t, m, "t1")
        if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{
            OrderID: o.ID, Date: "2026-09-01", RegionID: region.ID,
        }); err != nil {
            t.Fatalf("delivery %d: %v", i+1, err)
        }
    }
    // Third attempt on the same date must name the quota.
    o := seedOrder(t, m, "t1")
    _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o.ID, Date: "2026-09-01", RegionID: region.ID})
    var re *model.RuleError
    if !errors.As(err, &re) {
        t.Fatalf("expected RuleError, got %v", err)
    }
    if !strings.Contains(err.Error(), "2 of 2") || !strings.Contains(err.Error(), "2026-09-01") {
        t.Fatalf("quota message: %q", err.Error())
    }
    // Quota invariant still holds.
    if n, _ := m.RegionDeliveryCount(ctx, "t1", region.ID, "2026-09-01"); n > 2 {
        t.Fatalf("quota invariant violated: %d", n)
    }
    // A different date is unaffected.
    if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o.ID, Date: "2026-09-02", RegionID: region.ID}); err != nil {
        t.Fatalf("other date: %v", err)
    }
}

func TestScheduleDeliveryTimeBudgetBoundary(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    pol := model.DefaultPolicy()
    pol.RunCapacity = 0
    pol.DefaultMaxDeliveries = 100
    pol.SlotMinutes = map[string]int{"bulk": 470, "small": 10, "medium": 15}
    _ = m.SaveTenantPolicy(ctx, "t1", pol)
    region, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})

    bulk := seedOrder(t, m, "t1", model.OrderItem{Category: "bulk", Quantity: 1})
    if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: bulk.ID, Date: "2026-09-01", RegionID: region.ID}); err != nil {
        t.Fatalf("bulk order: %v", err)
    }

    // 470 + 15 = 485 > 480: rejected.
    med := seedOrder(t, m, "t1", model.OrderItem{Category: "medium", Quantity: 1})
    _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: med.ID, Date: "2026-09-01", RegionID: region.ID})
    var re *model.RuleError
    if !errors.As(err, &re) || !strings.Contains(err.Error(), "time") {
        t.Fatalf("expected time-budget violation, got %v", err)
    }

    // 470 + 10 = 480: exactly at the limit, accepted.
    small := seedOrder(t, m, "t1", model.OrderItem{Category: "small", Quantity: 1})
    if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: small.ID, Date: "2026-09-01", RegionID: region.ID}); err != nil {
        t.Fatalf("at-limit order: %v", err)
    }
}

func TestScheduleDeliveryStopLimit(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    pol := model.DefaultPolicy()
    pol.RunCapacity = 2
    pol.DefaultMaxDeliveries = 100
    pol.WorkdayMinutes = 10000
    _ = m.SaveTenantPolicy(ctx, "t1", pol)
    region, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    for i := 0; i < 2; i++ {
        o := seedOrder(t, m, "t1")
        if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o.ID, Date: "2026-09-01", RegionID: region.ID}); err != nil {
            t.Fatalf("stop %d: %v", i+1, err)
        }
    }
    o := seedOrder(t, m, "t1")
    _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o.ID, Date: "2026-09-01", RegionID: region.ID})
    var re *model.RuleError
    if !errors.As(err, &re) || !strings.Contains(err.Error(), "stops") {
        t.Fatalf("expected stop-limit violation, got %v", err)
    }
}

func TestScheduleDeliveryFallsThroughToNextRegion(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    pol := model.DefaultPolicy()
    pol.DefaultMaxDeliveries = 1
    _ = m.SaveTenantPolicy(ctx, "t1", pol)
    near, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "near"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    far, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "far"},
        model.AddressInput{Lat: 50.95, Lng: 4.35, Date: "2026-08-01"})

    // Fill the nearer region's single slot for the date.
    o1 := seedOrder(t, m, "t1")
    if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o1.ID, Date: "2026-09-01", RegionID: near.ID}); err != nil {
        t.Fatalf("fill near: %v", err)
    }
    // A point closest to "near" must fall through to "far".
    o2 := seedOrder(t, m, "t1")
    res, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{
        OrderID:  o2.ID,
        Date:     "2026-09-01",
        Location: &model.GeoPoint{Lat: 50.86, Lng: 4.35},
    })
    if err != nil {
        t.Fatalf("fall-through: %v", err)
    }
    if res.RegionID != far.ID || res.RegionCreated {
        t.Fatalf("expected far region, got %+v", res)
    }
}

func TestScheduleDeliveryCreatesRegionWhenOutsideAll(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, "t1")
    res, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{
        OrderID:        o.ID,
        Date:           "2026-09-01",
        Location:       &model.GeoPoint{Lat: 50.85, Lng: 4.35},
        RegionName:     "Brussel",
        AllowNewRegion: true,
    })
    if err != nil {
        t.Fatalf("schedule: %v", err)
    }
    if !res.RegionCreated {
        t.Fatalf("expected a new region")
    }
    r, err := m.GetRegion(ctx, "t1", res.RegionID)
    if err != nil {
        t.Fatalf("GetRegion: %v", err)
    }
    if r.Name != "Brussel" || r.CenterLat != 50.85 || r.CenterLng != 4.35 {
        t.Fatalf("new region: %+v", r)
    }
    // The run created by the scheduler starts in_progress.
    runs, _ := m.ListRuns(ctx, "t1", "2026-09-01")
    if len(runs) != 1 || runs[0].Status != model.RunInProgress {
        t.Fatalf("runs: %+v", runs)
    }
}

func TestScheduleDeliveryRefusesNewRegionWhenDisabled(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    o := seedOrder(t, m, "t1")
    _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{
        OrderID:  o.ID,
        Date:     "2026-09-01",
        Location: &model.GeoPoint{Lat: 50.85, Lng: 4.35},
    })
    var re *model.RuleError
    if !errors.As(err, &re) {
        t.Fatalf("expected RuleError, got %v", err)
    }
    // Nothing was written.
    if regions, _ := m.ListRegions(ctx, "t1"); len(regions) != 0 {
        t.Fatalf("region leaked: %+v", regions)
    }
    if runs, _ := m.ListRuns(ctx, "t1", ""); len(runs) != 0 {
        t.Fatalf("run leaked: %+v", runs)
    }
}

func TestScheduleDeliveryDriverRule(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    region, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    emp, _ := m.CreateEmployee(ctx, "t1", model.EmployeeInput{Name: "jan", Role: "driver"})

    // Driver configured but not available on the date: invalid.
    o := seedOrder(t, m, "t1")
    _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o.ID, Date: "2026-09-01", RegionID: region.ID})
    var re *model.RuleError
    if !errors.As(err, &re) || !strings.Contains(err.Error(), "drivers") {
        t.Fatalf("expected driver rule failure, got %v", err)
    }

    if err := m.SetAvailability(ctx, "t1", emp.ID, "2026-09-01", true); err != nil {
        t.Fatalf("SetAvailability: %v", err)
    }
    if _, err := m.ScheduleDelivery(ctx, "t1", model.ScheduleRequest{OrderID: o.ID, Date: "2026-09-01", RegionID: region.ID}); err != nil {
        t.Fatalf("after availability: %v", err)
    }
}

func TestCapacitySnapshotIdempotent(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    emp, _ := m.CreateEmployee(ctx, "t1", model.EmployeeInput{Name: "jan", Role: "driver"})
    _ = m.SetAvailability(ctx, "t1", emp.ID, "2026-09-01", true)
    _, _ = m.CreateTruck(ctx, "t1", "truck-1")

    a, _ := m.CapacitySnapshot(ctx, "t1", "2026-09-01")
    b, _ := m.CapacitySnapshot(ctx, "t1", "2026-09-01")
    if a != b {
        t.Fatalf("snapshot not idempotent: %+v vs %+v", a, b)
    }
    if a.DriversConfigured != 1 || a.DriversAvailable != 1 || a.TrucksActive != 1 {
        t.Fatalf("snapshot: %+v", a)
    }
}

func TestAddRunStartsPlanned(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    region, _ := m.CreateRegionWithAddress(ctx, "t1", model.RegionInput{Name: "Brussel"},
        model.AddressInput{Lat: 50.85, Lng: 4.35, Date: "2026-08-01"})
    run, err := m.AddRun(ctx, "t1", model.RunInput{ScheduledDate: "2026-09-01", RegionID: region.ID})
    if err != nil {
        t.Fatalf("AddRun: %v", err)
    }
    if run.Status != model.RunPlanned || run.Capacity != 10 {
        t.Fatalf("manual run: %+v", run)
    }
}
