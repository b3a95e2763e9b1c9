package webhooks

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "fleetplan/internal/store"
)

// Event types emitted by the scheduling pipeline.
const (
    EventDeliveryScheduled = "delivery.scheduled"
    EventRegionCreated     = "region.created"
    EventRunStatusChanged  = "run.status_changed"
)

type Publisher struct {
    Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
    return &Publisher{Store: s}
}

// Emit enqueues an event for every subscription matching the tenant and
// event type. Delivery happens asynchronously via the Worker.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
    subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
    if err != nil || len(subs) == 0 {
        return
    }
    payload := map[string]any{
        "id":       fmt.Sprintf("evt_%d", time.Now().UnixNano()),
        "type":     eventType,
        "tenantId": tenantID,
        "ts":       time.Now().UTC().Format(time.RFC3339),
        "data":     data,
    }
    body, _ := json.Marshal(payload)
    for _, s := range subs {
        _, _ = p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body)
    }
}
