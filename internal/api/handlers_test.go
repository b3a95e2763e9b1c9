package api

import (
    "bytes"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "testing"

    "fleetplan/internal/config"
    "fleetplan/internal/model"
)

func newTestServer(t *testing.T) *Server {
    t.Helper()
    s, err := NewServer(config.Config{})
    if err != nil {
        t.Fatalf("NewServer: %v", err)
    }
    return s
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
    t.Helper()
    var rd *bytes.Reader
    if body != nil {
        b, _ := json.Marshal(body)
        rd = bytes.NewReader(b)
    } else {
        rd = bytes.NewReader(nil)
    }
    req := httptest.NewRequest(method, path, rd)
    req.Header.Set("Content-Type", "application/json")
    req.Header.Set("X-Tenant-Id", "t_test")
    rr := httptest.NewRecorder()
    h(rr, req)
    return rr
}

func TestHealthReadyVersion(t *testing.T) {
    s := newTestServer(t)
    if rr := doJSON(t, s.HealthHandler, http.MethodGet, "/healthz", nil); rr.Code != 200 {
        t.Fatalf("health: got %d", rr.Code)
    }
    if rr := doJSON(t, s.ReadyHandler, http.MethodGet, "/readyz", nil); rr.Code != 200 {
        t.Fatalf("ready: got %d", rr.Code)
    }
    if rr := doJSON(t, s.VersionHandler, http.MethodGet, "/version", nil); rr.Code != 200 {
        t.Fatalf("version: got %d", rr.Code)
    }
}

func TestRegionsCreateAndMatch(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.RegionsHandler, http.MethodPost, "/v1/regions", map[string]any{
        "region":  map[string]any{"name": "brussel", "radiusKm": 30, "maxDeliveriesPerDay": 5},
        "address": map[string]any{"lat": 50.85, "lng": 4.35, "date": "2026-09-01"},
    })
    if rr.Code != http.StatusCreated {
        t.Fatalf("create region: got %d body %s", rr.Code, rr.Body.String())
    }
    var region model.Region
    if err := json.Unmarshal(rr.Body.Bytes(), &region); err != nil {
        t.Fatalf("decode: %v", err)
    }
    if region.CenterLat != 50.85 || region.CenterLng != 4.35 {
        t.Fatalf("centroid = (%f,%f), want the seed point", region.CenterLat, region.CenterLng)
    }

    rr = doJSON(t, s.RegionMatchHandler, http.MethodGet, "/v1/regions/match?lat=50.86&lng=4.35", nil)
    if rr.Code != 200 {
        t.Fatalf("match: got %d", rr.Code)
    }
    var matched struct {
        Items []model.RegionMatch `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &matched)
    if len(matched.Items) != 1 || matched.Items[0].Region.ID != region.ID {
        t.Fatalf("match items = %+v, want the created region", matched.Items)
    }

    // A point on the other side of the country matches nothing.
    rr = doJSON(t, s.RegionMatchHandler, http.MethodGet, "/v1/regions/match?lat=49.5&lng=6.0", nil)
    var far struct {
        Items []model.RegionMatch `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &far)
    if len(far.Items) != 0 {
        t.Fatalf("far point matched %d regions", len(far.Items))
    }
}

func seedOrderAPI(t *testing.T, s *Server, items []map[string]any) string {
    t.Helper()
    rr := doJSON(t, s.OrdersHandler, http.MethodPost, "/v1/orders", map[string]any{"items": items})
    if rr.Code != http.StatusCreated {
        t.Fatalf("create order: got %d body %s", rr.Code, rr.Body.String())
    }
    var o model.Order
    _ = json.Unmarshal(rr.Body.Bytes(), &o)
    return o.ID
}

func TestScheduleDeliveryEndpoint(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.RegionsHandler, http.MethodPost, "/v1/regions", map[string]any{
        "region":  map[string]any{"name": "gent", "radiusKm": 30, "maxDeliveriesPerDay": 2},
        "address": map[string]any{"lat": 51.05, "lng": 3.72, "date": "2026-08-01"},
    })
    if rr.Code != http.StatusCreated {
        t.Fatalf("create region: %d", rr.Code)
    }
    var region model.Region
    _ = json.Unmarshal(rr.Body.Bytes(), &region)

    schedule := func() *httptest.ResponseRecorder {
        orderID := seedOrderAPI(t, s, []map[string]any{{"category": "boxspring", "quantity": 1}})
        return doJSON(t, s.ScheduleHandler, http.MethodPost, "/v1/deliveries", map[string]any{
            "orderId":  orderID,
            "date":     "2026-09-10",
            "regionId": region.ID,
        })
    }

    for i := 0; i < 2; i++ {
        if rr := schedule(); rr.Code != http.StatusCreated {
            t.Fatalf("schedule %d: got %d body %s", i, rr.Code, rr.Body.String())
        }
    }
    // Third hits the regional quota: a 409 problem carrying the rule text.
    rr = schedule()
    if rr.Code != http.StatusConflict {
        t.Fatalf("quota breach: got %d body %s", rr.Code, rr.Body.String())
    }
    var prob Problem
    _ = json.Unmarshal(rr.Body.Bytes(), &prob)
    if prob.Detail == "" || !bytes.Contains([]byte(prob.Detail), []byte("2 of 2")) {
        t.Fatalf("problem detail %q should name the quota", prob.Detail)
    }
}

func TestScheduleUnknownOrderIs404(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.ScheduleHandler, http.MethodPost, "/v1/deliveries", map[string]any{
        "orderId":        "missing",
        "date":           "2026-09-10",
        "location":       map[string]any{"lat": 51.05, "lng": 3.72},
        "allowNewRegion": true,
    })
    if rr.Code != http.StatusNotFound {
        t.Fatalf("got %d, want 404", rr.Code)
    }
}

func TestCapacityEndpoint(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.CapacityHandler, http.MethodGet, "/v1/capacity?date=2026-09-10", nil)
    if rr.Code != 200 {
        t.Fatalf("capacity: got %d", rr.Code)
    }
    var info model.CapacityInfo
    _ = json.Unmarshal(rr.Body.Bytes(), &info)
    // Nothing configured: both resource rules are skipped.
    if !info.Valid || info.Reason != "" {
        t.Fatalf("fresh tenant capacity = %+v, want valid with no reason", info)
    }

    rr = doJSON(t, s.CapacityHandler, http.MethodGet, "/v1/capacity", nil)
    if rr.Code != http.StatusBadRequest {
        t.Fatalf("missing date: got %d", rr.Code)
    }
}

func TestSuggestionsEndpoint(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.RegionsHandler, http.MethodPost, "/v1/regions", map[string]any{
        "region":  map[string]any{"name": "leuven", "radiusKm": 30, "maxDeliveriesPerDay": 5},
        "address": map[string]any{"lat": 50.88, "lng": 4.70, "date": "2026-08-01"},
    })
    if rr.Code != http.StatusCreated {
        t.Fatalf("create region: %d", rr.Code)
    }

    rr = doJSON(t, s.SuggestionsHandler, http.MethodGet, "/v1/suggestions?lat=50.88&lng=4.70&from=2026-09-01&days=5", nil)
    if rr.Code != 200 {
        t.Fatalf("suggestions: got %d body %s", rr.Code, rr.Body.String())
    }
    var out struct {
        Items []model.Suggestion `json:"items"`
    }
    _ = json.Unmarshal(rr.Body.Bytes(), &out)
    if len(out.Items) != 5 {
        t.Fatalf("got %d suggestions, want 5 (one per date)", len(out.Items))
    }
    if out.Items[0].Date != "2026-09-01" {
        t.Fatalf("first suggestion %s, want soonest date for an empty region", out.Items[0].Date)
    }

    rr = doJSON(t, s.SuggestionsHandler, http.MethodGet, "/v1/suggestions?from=2026-09-01", nil)
    if rr.Code != http.StatusBadRequest {
        t.Fatalf("missing point: got %d", rr.Code)
    }
}

func TestManualRunStartsPlanned(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.RegionsHandler, http.MethodPost, "/v1/regions", map[string]any{
        "region":  map[string]any{"name": "hasselt", "radiusKm": 30, "maxDeliveriesPerDay": 5},
        "address": map[string]any{"lat": 50.93, "lng": 5.34, "date": "2026-08-01"},
    })
    var region model.Region
    _ = json.Unmarshal(rr.Body.Bytes(), &region)

    rr = doJSON(t, s.RunsHandler, http.MethodPost, "/v1/runs", map[string]any{
        "scheduledDate": "2026-09-10",
        "regionId":      region.ID,
    })
    if rr.Code != http.StatusCreated {
        t.Fatalf("add run: got %d body %s", rr.Code, rr.Body.String())
    }
    var run model.DeliveryRun
    _ = json.Unmarshal(rr.Body.Bytes(), &run)
    if run.Status != model.RunPlanned {
        t.Fatalf("manual run status = %s, want planned", run.Status)
    }

    rr = doJSON(t, s.RunByIDHandler, http.MethodPost, "/v1/runs/"+run.ID+"/status", map[string]any{"status": "in_progress"})
    if rr.Code != 200 {
        t.Fatalf("set status: got %d body %s", rr.Code, rr.Body.String())
    }
}

func TestSubscriptionsLifecycle(t *testing.T) {
    s := newTestServer(t)
    rr := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", map[string]any{
        "url":    "https://example.com/hook",
        "events": []string{"delivery.scheduled"},
        "secret": "shh",
    })
    if rr.Code != http.StatusCreated {
        t.Fatalf("create sub: got %d body %s", rr.Code, rr.Body.String())
    }
    var sub model.Subscription
    _ = json.Unmarshal(rr.Body.Bytes(), &sub)

    rr = doJSON(t, s.SubscriptionsHandler, http.MethodGet, "/v1/subscriptions", nil)
    if rr.Code != 200 {
        t.Fatalf("list subs: got %d", rr.Code)
    }

    rr = doJSON(t, s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
    if rr.Code != http.StatusNoContent {
        t.Fatalf("delete sub: got %d", rr.Code)
    }
}

func TestPolicyRoundTrip(t *testing.T) {
    s := newTestServer(t)
    pol := model.DefaultPolicy()
    pol.DefaultMaxDeliveries = 7
    rr := doJSON(t, s.PolicyHandler, http.MethodPut, "/v1/policy", pol)
    if rr.Code != 200 {
        t.Fatalf("put policy: got %d", rr.Code)
    }
    rr = doJSON(t, s.PolicyHandler, http.MethodGet, "/v1/policy", nil)
    var got model.TenantPolicy
    _ = json.Unmarshal(rr.Body.Bytes(), &got)
    if got.DefaultMaxDeliveries != 7 {
        t.Fatalf("policy not persisted: %+v", got)
    }
}
