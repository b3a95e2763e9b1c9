package store

import (
    "context"
    "errors"
    "time"

    "fleetplan/internal/model"
)

// Store is the persistence interface used by the planner and the API server.
// Read paths run without locking; ScheduleDelivery is the single mutating
// pipeline and must serialize concurrent requests per (tenant, region, date).
type Store interface {
    // Tenant policy
    GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error)
    SaveTenantPolicy(ctx context.Context, tenantID string, pol model.TenantPolicy) error

    // Regions
    ListRegions(ctx context.Context, tenantID string) ([]model.Region, error)
    GetRegion(ctx context.Context, tenantID, regionID string) (model.Region, error)
    CreateRegionWithAddress(ctx context.Context, tenantID string, in model.RegionInput, addr model.AddressInput) (model.Region, error)
    AttachAddressToRegion(ctx context.Context, tenantID, regionID string, addr model.AddressInput) (model.Region, error)
    ListRegionAddresses(ctx context.Context, tenantID, regionID string) ([]model.RegionAddress, error)
    RegionDeliveryCount(ctx context.Context, tenantID, regionID, date string) (int, error)

    // Fleet
    CreateEmployee(ctx context.Context, tenantID string, in model.EmployeeInput) (model.Employee, error)
    SetAvailability(ctx context.Context, tenantID, employeeID, date string, active bool) error
    CreateTruck(ctx context.Context, tenantID, name string) (model.Truck, error)
    SetTruckActive(ctx context.Context, tenantID, truckID string, active bool) error

    // Orders
    CreateOrder(ctx context.Context, tenantID string, in model.OrderInput) (model.Order, error)
    GetOrder(ctx context.Context, tenantID, orderID string) (model.Order, error)

    // Capacity ledger aggregates (read-only)
    CapacitySnapshot(ctx context.Context, tenantID, date string) (model.CapacitySnapshot, error)

    // Runs & deliveries
    ScheduleDelivery(ctx context.Context, tenantID string, req model.ScheduleRequest) (model.ScheduleResult, error)
    ListRuns(ctx context.Context, tenantID, date string) ([]model.DeliveryRun, error)
    AddRun(ctx context.Context, tenantID string, in model.RunInput) (model.DeliveryRun, error)
    SetRunStatus(ctx context.Context, tenantID, runID string, status model.RunStatus) error
    SetDeliveryStatus(ctx context.Context, tenantID, deliveryID string, status model.DeliveryStatus, deliveredAt *time.Time) error

    // Webhook subscriptions & delivery queue
    CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
    GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
    ListSubscriptions(ctx context.Context, tenantID string) ([]model.Subscription, error)
    DeleteSubscription(ctx context.Context, tenantID, id string) error
    EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
    FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
    MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error
    FailWebhookDelivery(ctx context.Context, id string, lastError string) error
}

// WebhookDelivery is one queued outbound event delivery.
type WebhookDelivery struct {
    ID             string
    TenantID       string
    SubscriptionID string
    EventType      string
    URL            string
    Secret         string
    Payload        []byte
    Status         string
    Attempts       int
}

var ErrNotFound = errors.New("not found")
