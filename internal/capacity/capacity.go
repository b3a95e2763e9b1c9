// Package capacity holds the read-only ledger rules and the allocator's
// capacity checks. Everything here is pure: stores feed it snapshots and
// counts, and it answers with validity decisions or RuleErrors.
package capacity

import (
    "fmt"
    "strings"

    "fleetplan/internal/model"
)

// Unconstrained is the saturating sentinel reported for a resource the
// tenant has not configured at all.
const Unconstrained = 1 << 30

// StopMinutes maps a product category to its per-stop duration in minutes.
// Unknown or empty categories fall back to the tenant's default.
func StopMinutes(category string, policy model.TenantPolicy) int {
    key := strings.ToLower(strings.TrimSpace(category))
    if m, ok := policy.SlotMinutes[key]; ok {
        return m
    }
    return policy.DefaultStopMinutes
}

// OrderMinutes sums the time-per-stop of every item on an order:
// category minutes times quantity, with quantity defaulting to 1.
func OrderMinutes(items []model.OrderItem, policy model.TenantPolicy) int {
    total := 0
    for _, it := range items {
        qty := it.Quantity
        if qty <= 0 {
            qty = 1
        }
        total += StopMinutes(it.Category, policy) * qty
    }
    return total
}

// Evaluate applies the ledger validity rules to a snapshot. A resource with
// zero configured units is skipped entirely rather than blocking the date:
//
//   - drivers: with >=1 driver configured, at least one must be available.
//   - trucks: with >=1 truck configured, active_regions+1 must not exceed
//     the active truck count. The +1 reserves a slot for the region being
//     considered even when the request targets an existing region; that is
//     the inherited business rule, kept as-is.
func Evaluate(snap model.CapacitySnapshot) model.CapacityInfo {
    info := model.CapacityInfo{
        Date:        snap.Date,
        Valid:       true,
        DriversLeft: Unconstrained,
        TrucksLeft:  Unconstrained,
    }
    if snap.DriversConfigured > 0 {
        info.DriversLeft = snap.DriversAvailable
        if snap.DriversAvailable == 0 {
            info.Valid = false
            info.Reason = "no drivers available on " + snap.Date
            return info
        }
    }
    if snap.TrucksConfigured > 0 {
        left := snap.TrucksActive - snap.ActiveRegions
        if left < 0 {
            left = 0
        }
        info.TrucksLeft = left
        if snap.ActiveRegions+1 > snap.TrucksActive {
            info.Valid = false
            info.Reason = fmt.Sprintf("only %d trucks active for %d regions already running on %s",
                snap.TrucksActive, snap.ActiveRegions, snap.Date)
            return info
        }
    }
    return info
}

// CheckRegionQuota enforces the per-region daily delivery quota.
func CheckRegionQuota(region model.Region, count int, date string) error {
    if count >= region.MaxDeliveriesPerDay {
        return model.Rulef("region %q already has %d of %d allowed deliveries on %s",
            region.Name, count, region.MaxDeliveriesPerDay, date)
    }
    return nil
}

// CheckTimeBudget enforces the per-run workday minute budget. Landing
// exactly on the budget is allowed; exceeding it is not.
func CheckTimeBudget(usedMinutes, addMinutes, budgetMinutes int, date string) error {
    if usedMinutes+addMinutes > budgetMinutes {
        return model.Rulef("not enough time left on the run for %s: %d of %d minutes already planned, order needs %d more",
            date, usedMinutes, budgetMinutes, addMinutes)
    }
    return nil
}

// CheckStopLimit enforces a run's configured maximum stop count, if any.
func CheckStopLimit(stops, runCapacity int) error {
    if runCapacity > 0 && stops+1 > runCapacity {
        return model.Rulef("run is full: maximum of %d stops reached", runCapacity)
    }
    return nil
}
