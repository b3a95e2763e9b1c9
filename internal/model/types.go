package model

import "fmt"

// DateFormat is the calendar-date layout used everywhere a scheduling date
// crosses an API or storage boundary.
const DateFormat = "2006-01-02"

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

// Region is a geographic cluster of delivery addresses. The centroid is the
// arithmetic mean of every address ever attached; the radius and daily quota
// start from tenant policy and may diverge per region afterwards.
type Region struct {
    ID                  string  `json:"id"`
    TenantID            string  `json:"tenantId"`
    Name                string  `json:"name"`
    CenterLat           float64 `json:"centerLat"`
    CenterLng           float64 `json:"centerLng"`
    RadiusKM            float64 `json:"radiusKm"`
    MaxDeliveriesPerDay int     `json:"maxDeliveriesPerDay"`
}

// RegionAddress is an immutable record of one planned delivery address.
// It drives both centroid recomputes and the per-region same-day quota.
type RegionAddress struct {
    ID            string  `json:"id"`
    TenantID      string  `json:"tenantId"`
    RegionID      string  `json:"regionId"`
    ScheduledDate string  `json:"scheduledDate"`
    AddressText   string  `json:"addressText,omitempty"`
    Lat           float64 `json:"lat"`
    Lng           float64 `json:"lng"`
}

type RegionInput struct {
    Name                string  `json:"name"`
    RadiusKM            float64 `json:"radiusKm,omitempty"`
    MaxDeliveriesPerDay int     `json:"maxDeliveriesPerDay,omitempty"`
}

type AddressInput struct {
    AddressText string  `json:"addressText,omitempty"`
    Lat         float64 `json:"lat"`
    Lng         float64 `json:"lng"`
    Date        string  `json:"date"`
}

// RegionMatch pairs a region with the distance from a query point to its
// centroid. Match lists are sorted ascending by distance.
type RegionMatch struct {
    Region     Region  `json:"region"`
    DistanceKM float64 `json:"distanceKm"`
}

// DeliveryRun is one truck/driver workload for one region on one date.
type DeliveryRun struct {
    ID            string    `json:"id"`
    TenantID      string    `json:"tenantId"`
    ScheduledDate string    `json:"scheduledDate"`
    RegionID      string    `json:"regionId"`
    DriverID      string    `json:"driverId,omitempty"`
    TruckID       string    `json:"truckId,omitempty"`
    Capacity      int       `json:"capacity"` // max stops; 0 means unlimited
    Status        RunStatus `json:"status"`
}

type RunInput struct {
    ScheduledDate string `json:"scheduledDate"`
    RegionID      string `json:"regionId"`
    DriverID      string `json:"driverId,omitempty"`
    TruckID       string `json:"truckId,omitempty"`
    Capacity      int    `json:"capacity,omitempty"`
}

type Delivery struct {
    ID          string         `json:"id"`
    TenantID    string         `json:"tenantId"`
    OrderID     string         `json:"orderId"`
    RunID       string         `json:"runId"`
    Status      DeliveryStatus `json:"status"`
    DeliveredAt string         `json:"deliveredAt,omitempty"`
}

type Employee struct {
    ID       string       `json:"id"`
    TenantID string       `json:"tenantId"`
    Name     string       `json:"name"`
    Role     EmployeeRole `json:"role"`
    Active   bool         `json:"active"`
}

type EmployeeInput struct {
    Name   string `json:"name"`
    Role   string `json:"role"`
    Active *bool  `json:"active,omitempty"`
}

// Availability is a per-date flag; a driver counts as available only when the
// employee is active and an active availability row exists for the exact date.
type Availability struct {
    TenantID   string `json:"tenantId"`
    EmployeeID string `json:"employeeId"`
    Date       string `json:"date"`
    Active     bool   `json:"active"`
}

type Truck struct {
    ID       string `json:"id"`
    TenantID string `json:"tenantId"`
    Name     string `json:"name"`
    Active   bool   `json:"active"`
}

type Order struct {
    ID       string      `json:"id"`
    TenantID string      `json:"tenantId"`
    Items    []OrderItem `json:"items"`
}

type OrderItem struct {
    Category string `json:"category"`
    Quantity int    `json:"quantity"`
}

type OrderInput struct {
    Items []OrderItem `json:"items"`
}

// TenantPolicy centralizes every tenant-level default the core reads. The
// core resolves this object once per request and never re-derives defaults
// at call sites.
type TenantPolicy struct {
    DefaultRadiusKM      float64        `json:"defaultRadiusKm" yaml:"defaultRadiusKm"`
    DefaultMaxDeliveries int            `json:"defaultMaxDeliveries" yaml:"defaultMaxDeliveries"`
    RunCapacity          int            `json:"runCapacity" yaml:"runCapacity"`
    WorkdayMinutes       int            `json:"workdayMinutes" yaml:"workdayMinutes"`
    DefaultStopMinutes   int            `json:"defaultStopMinutes" yaml:"defaultStopMinutes"`
    SlotMinutes          map[string]int `json:"slotMinutes,omitempty" yaml:"slotMinutes,omitempty"`
}

// DefaultPolicy returns the stock tenant policy: 30 km match radius, 13
// deliveries per region per day, 10 stops per run, an 8-hour workday and 15
// minutes for unknown product categories.
func DefaultPolicy() TenantPolicy {
    return TenantPolicy{
        DefaultRadiusKM:      30.0,
        DefaultMaxDeliveries: 13,
        RunCapacity:          10,
        WorkdayMinutes:       480,
        DefaultStopMinutes:   15,
        SlotMinutes: map[string]int{
            "grote_matras":          15,
            "2_kleine_matras":       15,
            "boxspring":             30,
            "bodem_plus_matras":     30,
            "elektrische_boxspring": 60,
        },
    }
}

// CapacitySnapshot is the raw ledger read for one tenant and date.
type CapacitySnapshot struct {
    Date              string `json:"date"`
    DriversConfigured int    `json:"driversConfigured"`
    DriversAvailable  int    `json:"driversAvailable"`
    TrucksConfigured  int    `json:"trucksConfigured"`
    TrucksActive      int    `json:"trucksActive"`
    ActiveRegions     int    `json:"activeRegions"`
    TotalDeliveries   int    `json:"totalDeliveries"`
}

// CapacityInfo is the ledger validity decision for one date. Left counts
// saturate at a sentinel when the resource is not configured at all.
type CapacityInfo struct {
    Date        string `json:"date"`
    Valid       bool   `json:"isValid"`
    Reason      string `json:"reason,omitempty"`
    DriversLeft int    `json:"driversLeft"`
    TrucksLeft  int    `json:"trucksLeft"`
}

type ScheduleRequest struct {
    OrderID        string    `json:"orderId"`
    Date           string    `json:"date"`
    RegionID       string    `json:"regionId,omitempty"`
    Location       *GeoPoint `json:"location,omitempty"`
    AddressText    string    `json:"addressText,omitempty"`
    RegionName     string    `json:"regionName,omitempty"`
    DriverID       string    `json:"driverId,omitempty"`
    AllowNewRegion bool      `json:"allowNewRegion"`
}

type ScheduleResult struct {
    DeliveryID    string `json:"deliveryId"`
    RunID         string `json:"runId"`
    RegionID      string `json:"regionId"`
    RegionCreated bool   `json:"regionCreated"`
    Date          string `json:"date"`
}

// Suggestion is one ranked candidate date for a not-yet-scheduled address.
type Suggestion struct {
    Date          string  `json:"date"`
    RegionID      string  `json:"regionId"`
    RegionName    string  `json:"regionName"`
    DistanceKM    float64 `json:"distanceKm"`
    DeliveryCount int     `json:"deliveryCount"`
    SpotsLeft     int     `json:"spotsLeft"`
    DriversLeft   int     `json:"driversLeft"`
    TrucksLeft    int     `json:"trucksLeft"`
}

// RuleError is a business-rule violation: expected, recoverable, surfaced
// verbatim to the end user. Anything else is an unexpected failure.
type RuleError struct {
    Msg string
}

func (e *RuleError) Error() string { return e.Msg }

// Rulef builds a RuleError with a formatted user-facing message.
func Rulef(format string, args ...any) error {
    return &RuleError{Msg: fmt.Sprintf(format, args...)}
}
