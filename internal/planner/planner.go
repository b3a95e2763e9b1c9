package planner

import (
    "context"
    "sort"
    "time"

    "fleetplan/internal/capacity"
    "fleetplan/internal/geo"
    "fleetplan/internal/model"
    "fleetplan/internal/store"
)

// DefaultWindowDays is the suggestion lookahead when the caller does not ask
// for a specific window.
const DefaultWindowDays = 30

// Planner composes the region matcher and the capacity ledger on top of a
// Store. All methods are read-only except the delegations to the store's
// transactional pipeline.
type Planner struct {
    store store.Store
}

func New(s store.Store) *Planner {
    return &Planner{store: s}
}

func (p *Planner) MatchRegions(ctx context.Context, tenantID string, lat, lng float64) ([]model.RegionMatch, error) {
    regions, err := p.store.ListRegions(ctx, tenantID)
    if err != nil {
        return nil, err
    }
    return geo.MatchRegions(regions, lat, lng), nil
}

func (p *Planner) CreateRegionWithAddress(ctx context.Context, tenantID string, in model.RegionInput, addr model.AddressInput) (model.Region, error) {
    return p.store.CreateRegionWithAddress(ctx, tenantID, in, addr)
}

func (p *Planner) AttachAddressToRegion(ctx context.Context, tenantID, regionID string, addr model.AddressInput) (model.Region, error) {
    return p.store.AttachAddressToRegion(ctx, tenantID, regionID, addr)
}

func (p *Planner) ScheduleDelivery(ctx context.Context, tenantID string, req model.ScheduleRequest) (model.ScheduleResult, error) {
    return p.store.ScheduleDelivery(ctx, tenantID, req)
}

// CapacityInfo evaluates the ledger rules for one date. Read-only and
// idempotent between writes.
func (p *Planner) CapacityInfo(ctx context.Context, tenantID, date string) (model.CapacityInfo, error) {
    snap, err := p.store.CapacitySnapshot(ctx, tenantID, date)
    if err != nil {
        return model.CapacityInfo{}, err
    }
    return capacity.Evaluate(snap), nil
}

// SuggestDates ranks candidate delivery dates for a geocoded address over a
// rolling window starting at from (today when empty).
func (p *Planner) SuggestDates(ctx context.Context, tenantID string, lat, lng float64, from string, windowDays int) ([]model.Suggestion, error) {
    regions, err := p.store.ListRegions(ctx, tenantID)
    if err != nil {
        return nil, err
    }
    matches := geo.MatchRegions(regions, lat, lng)
    return p.suggest(ctx, tenantID, matches, from, windowDays)
}

// SuggestDatesForRegion is the no-coordinates path: the region is already
// known (manual selection) and distance plays no role in the ranking.
func (p *Planner) SuggestDatesForRegion(ctx context.Context, tenantID, regionID, from string, windowDays int) ([]model.Suggestion, error) {
    region, err := p.store.GetRegion(ctx, tenantID, regionID)
    if err != nil {
        return nil, err
    }
    matches := []model.RegionMatch{{Region: region, DistanceKM: 0}}
    return p.suggest(ctx, tenantID, matches, from, windowDays)
}

func (p *Planner) suggest(ctx context.Context, tenantID string, matches []model.RegionMatch, from string, windowDays int) ([]model.Suggestion, error) {
    if windowDays <= 0 {
        windowDays = DefaultWindowDays
    }
    start := time.Now()
    if from != "" {
        t, err := time.Parse(model.DateFormat, from)
        if err != nil {
            return nil, model.Rulef("invalid date %q, expected YYYY-MM-DD", from)
        }
        start = t
    }

    var loaded, empty []model.Suggestion
    for day := 0; day < windowDays; day++ {
        date := start.AddDate(0, 0, day).Format(model.DateFormat)
        snap, err := p.store.CapacitySnapshot(ctx, tenantID, date)
        if err != nil {
            return nil, err
        }
        info := capacity.Evaluate(snap)
        if !info.Valid {
            continue
        }
        for _, mt := range matches {
            count, err := p.store.RegionDeliveryCount(ctx, tenantID, mt.Region.ID, date)
            if err != nil {
                return nil, err
            }
            if count >= mt.Region.MaxDeliveriesPerDay {
                continue
            }
            s := model.Suggestion{
                Date:          date,
                RegionID:      mt.Region.ID,
                RegionName:    mt.Region.Name,
                DistanceKM:    mt.DistanceKM,
                DeliveryCount: count,
                SpotsLeft:     mt.Region.MaxDeliveriesPerDay - count,
                DriversLeft:   info.DriversLeft,
                TrucksLeft:    info.TrucksLeft,
            }
            if count > 0 {
                loaded = append(loaded, s)
            } else {
                empty = append(empty, s)
            }
        }
    }

    // Loaded regions first: reinforce an already-active nearby region before
    // opening a fresh date. Ties inside each partition break the other way
    // around.
    sort.SliceStable(loaded, func(i, j int) bool {
        if loaded[i].DistanceKM != loaded[j].DistanceKM {
            return loaded[i].DistanceKM < loaded[j].DistanceKM
        }
        return loaded[i].Date < loaded[j].Date
    })
    sort.SliceStable(empty, func(i, j int) bool {
        if empty[i].Date != empty[j].Date {
            return empty[i].Date < empty[j].Date
        }
        return empty[i].DistanceKM < empty[j].DistanceKM
    })

    // One entry per date, first ranked wins.
    seen := map[string]bool{}
    out := []model.Suggestion{}
    for _, s := range append(loaded, empty...) {
        if seen[s.Date] {
            continue
        }
        seen[s.Date] = true
        out = append(out, s)
    }
    return out, nil
}
