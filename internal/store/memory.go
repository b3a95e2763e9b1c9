package store

import (
    "context"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"

    "fleetplan/internal/capacity"
    "fleetplan/internal/geo"
    "fleetplan/internal/model"
)

// Memory is the in-memory store used when no DATABASE_URL is set. The single
// mutex stands in for the postgres row lock: every mutating pipeline runs
// fully serialized, which satisfies the run upsert-and-check critical
// section trivially.
type Memory struct {
    mu         sync.Mutex
    defaults   *model.TenantPolicy
    policies   map[string]model.TenantPolicy
    regions    map[string]map[string]model.Region        // tenant -> region id -> region
    addrs      map[string][]model.RegionAddress          // tenant -> address rows
    employees  map[string]map[string]model.Employee
    avail      map[string]map[string]bool                // tenant -> employeeID+"|"+date -> active
    trucks     map[string]map[string]model.Truck
    orders     map[string]map[string]model.Order
    runs       map[string]map[string]model.DeliveryRun
    deliveries map[string]map[string]model.Delivery
    subs       map[string][]model.Subscription
    hooks      map[string]*memHook
    hookOrder  []string
}

type memHook struct {
    WebhookDelivery
    NextAttemptAt time.Time
    LastError     string
}

func NewMemory() *Memory {
    return &Memory{
        policies:   map[string]model.TenantPolicy{},
        regions:    map[string]map[string]model.Region{},
        addrs:      map[string][]model.RegionAddress{},
        employees:  map[string]map[string]model.Employee{},
        avail:      map[string]map[string]bool{},
        trucks:     map[string]map[string]model.Truck{},
        orders:     map[string]map[string]model.Order{},
        runs:       map[string]map[string]model.DeliveryRun{},
        deliveries: map[string]map[string]model.Delivery{},
        subs:       map[string][]model.Subscription{},
        hooks:      map[string]*memHook{},
    }
}

// Tenant policy

func (m *Memory) GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.policyLocked(tenantID), nil
}

func (m *Memory) SaveTenantPolicy(ctx context.Context, tenantID string, pol model.TenantPolicy) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.policies[tenantID] = pol
    return nil
}

func (m *Memory) policyLocked(tenantID string) model.TenantPolicy {
    if pol, ok := m.policies[tenantID]; ok {
        return pol
    }
    if m.defaults != nil {
        return *m.defaults
    }
    return model.DefaultPolicy()
}

// SetDefaultPolicy overrides the fallback applied to tenants with no stored
// policy. Called once at startup, before the store serves requests.
func (m *Memory) SetDefaultPolicy(pol model.TenantPolicy) {
    m.mu.Lock()
    defer m.mu.Unlock()
    m.defaults = &pol
}

// Regions

func (m *Memory) ListRegions(ctx context.Context, tenantID string) ([]model.Region, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.regionListLocked(tenantID), nil
}

func (m *Memory) regionListLocked(tenantID string) []model.Region {
    out := []model.Region{}
    for _, r := range m.regions[tenantID] {
        out = append(out, r)
    }
    return out
}

func (m *Memory) GetRegion(ctx context.Context, tenantID, regionID string) (model.Region, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    r, ok := m.regions[tenantID][regionID]
    if !ok {
        return model.Region{}, ErrNotFound
    }
    return r, nil
}

func (m *Memory) CreateRegionWithAddress(ctx context.Context, tenantID string, in model.RegionInput, addr model.AddressInput) (model.Region, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if err := validDate(addr.Date); err != nil {
        return model.Region{}, err
    }
    pol := m.policyLocked(tenantID)
    region := m.createRegionLocked(tenantID, in, addr, pol)
    m.attachLocked(tenantID, region.ID, addr)
    return m.recomputeCentroidLocked(tenantID, region.ID), nil
}

// createRegionLocked applies tenant defaults for anything the input leaves
// unset and seeds the centroid at the first address.
func (m *Memory) createRegionLocked(tenantID string, in model.RegionInput, addr model.AddressInput, pol model.TenantPolicy) model.Region {
    name := in.Name
    if name == "" {
        name = "region-" + addr.Date
    }
    radius := in.RadiusKM
    if radius <= 0 {
        radius = pol.DefaultRadiusKM
    }
    quota := in.MaxDeliveriesPerDay
    if quota < 1 {
        quota = pol.DefaultMaxDeliveries
    }
    region := model.Region{
        ID:                  uuid.New().String(),
        TenantID:            tenantID,
        Name:                name,
        CenterLat:           addr.Lat,
        CenterLng:           addr.Lng,
        RadiusKM:            radius,
        MaxDeliveriesPerDay: quota,
    }
    if m.regions[tenantID] == nil {
        m.regions[tenantID] = map[string]model.Region{}
    }
    m.regions[tenantID][region.ID] = region
    return region
}

func (m *Memory) AttachAddressToRegion(ctx context.Context, tenantID, regionID string, addr model.AddressInput) (model.Region, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, ok := m.regions[tenantID][regionID]; !ok {
        return model.Region{}, ErrNotFound
    }
    if err := validDate(addr.Date); err != nil {
        return model.Region{}, err
    }
    m.attachLocked(tenantID, regionID, addr)
    return m.recomputeCentroidLocked(tenantID, regionID), nil
}

func (m *Memory) attachLocked(tenantID, regionID string, addr model.AddressInput) {
    m.addrs[tenantID] = append(m.addrs[tenantID], model.RegionAddress{
        ID:            uuid.New().String(),
        TenantID:      tenantID,
        RegionID:      regionID,
        ScheduledDate: addr.Date,
        AddressText:   addr.AddressText,
        Lat:           addr.Lat,
        Lng:           addr.Lng,
    })
}

// recomputeCentroidLocked is the full recompute over every address ever
// attached, per the centroid definition in internal/geo.
func (m *Memory) recomputeCentroidLocked(tenantID, regionID string) model.Region {
    points := []model.GeoPoint{}
    for _, a := range m.addrs[tenantID] {
        if a.RegionID == regionID {
            points = append(points, model.GeoPoint{Lat: a.Lat, Lng: a.Lng})
        }
    }
    region := m.regions[tenantID][regionID]
    if len(points) > 0 {
        region.CenterLat, region.CenterLng = geo.Centroid(points)
        m.regions[tenantID][regionID] = region
    }
    return region
}

func (m *Memory) ListRegionAddresses(ctx context.Context, tenantID, regionID string) ([]model.RegionAddress, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := []model.RegionAddress{}
    for _, a := range m.addrs[tenantID] {
        if a.RegionID == regionID {
            out = append(out, a)
        }
    }
    return out, nil
}

func (m *Memory) RegionDeliveryCount(ctx context.Context, tenantID, regionID, date string) (int, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.regionCountLocked(tenantID, regionID, date), nil
}

func (m *Memory) regionCountLocked(tenantID, regionID, date string) int {
    n := 0
    for _, a := range m.addrs[tenantID] {
        if a.RegionID == regionID && a.ScheduledDate == date {
            n++
        }
    }
    return n
}

// Fleet

func (m *Memory) CreateEmployee(ctx context.Context, tenantID string, in model.EmployeeInput) (model.Employee, error) {
    role, err := model.ParseEmployeeRole(in.Role)
    if err != nil {
        return model.Employee{}, err
    }
    active := true
    if in.Active != nil {
        active = *in.Active
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    emp := model.Employee{ID: uuid.New().String(), TenantID: tenantID, Name: in.Name, Role: role, Active: active}
    if m.employees[tenantID] == nil {
        m.employees[tenantID] = map[string]model.Employee{}
    }
    m.employees[tenantID][emp.ID] = emp
    return emp, nil
}

func (m *Memory) SetAvailability(ctx context.Context, tenantID, employeeID, date string, active bool) error {
    if err := validDate(date); err != nil {
        return err
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, ok := m.employees[tenantID][employeeID]; !ok {
        return ErrNotFound
    }
    if m.avail[tenantID] == nil {
        m.avail[tenantID] = map[string]bool{}
    }
    m.avail[tenantID][employeeID+"|"+date] = active
    return nil
}

func (m *Memory) CreateTruck(ctx context.Context, tenantID, name string) (model.Truck, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    tr := model.Truck{ID: uuid.New().String(), TenantID: tenantID, Name: name, Active: true}
    if m.trucks[tenantID] == nil {
        m.trucks[tenantID] = map[string]model.Truck{}
    }
    m.trucks[tenantID][tr.ID] = tr
    return tr, nil
}

func (m *Memory) SetTruckActive(ctx context.Context, tenantID, truckID string, active bool) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    tr, ok := m.trucks[tenantID][truckID]
    if !ok {
        return ErrNotFound
    }
    tr.Active = active
    m.trucks[tenantID][truckID] = tr
    return nil
}

// Orders

func (m *Memory) CreateOrder(ctx context.Context, tenantID string, in model.OrderInput) (model.Order, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    o := model.Order{ID: uuid.New().String(), TenantID: tenantID, Items: append([]model.OrderItem(nil), in.Items...)}
    if m.orders[tenantID] == nil {
        m.orders[tenantID] = map[string]model.Order{}
    }
    m.orders[tenantID][o.ID] = o
    return o, nil
}

func (m *Memory) GetOrder(ctx context.Context, tenantID, orderID string) (model.Order, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    o, ok := m.orders[tenantID][orderID]
    if !ok {
        return model.Order{}, ErrNotFound
    }
    return o, nil
}

// Capacity ledger

func (m *Memory) CapacitySnapshot(ctx context.Context, tenantID, date string) (model.CapacitySnapshot, error) {
    if err := validDate(date); err != nil {
        return model.CapacitySnapshot{}, err
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.snapshotLocked(tenantID, date), nil
}

func (m *Memory) snapshotLocked(tenantID, date string) model.CapacitySnapshot {
    snap := model.CapacitySnapshot{Date: date}
    for id, e := range m.employees[tenantID] {
        if e.Role != model.RoleDriver {
            continue
        }
        snap.DriversConfigured++
        if e.Active && m.avail[tenantID][id+"|"+date] {
            snap.DriversAvailable++
        }
    }
    for _, t := range m.trucks[tenantID] {
        snap.TrucksConfigured++
        if t.Active {
            snap.TrucksActive++
        }
    }
    activeRegions := map[string]struct{}{}
    for _, r := range m.runs[tenantID] {
        if r.ScheduledDate == date && r.Status != model.RunCancelled {
            activeRegions[r.RegionID] = struct{}{}
        }
    }
    snap.ActiveRegions = len(activeRegions)
    for _, d := range m.deliveries[tenantID] {
        if d.Status == model.DeliveryCancelled {
            continue
        }
        if r, ok := m.runs[tenantID][d.RunID]; ok && r.ScheduledDate == date {
            snap.TotalDeliveries++
        }
    }
    return snap
}

// ScheduleDelivery runs the whole allocator pipeline under the store mutex:
// region resolution (with quota fall-through over nearer candidates), ledger
// pre-check, run upsert, the three capacity checks in order, then the writes.
// Nothing is persisted until every check has passed.
func (m *Memory) ScheduleDelivery(ctx context.Context, tenantID string, req model.ScheduleRequest) (model.ScheduleResult, error) {
    m.mu.Lock()
    defer m.mu.Unlock()

    if err := validDate(req.Date); err != nil {
        return model.ScheduleResult{}, err
    }
    order, ok := m.orders[tenantID][req.OrderID]
    if !ok {
        return model.ScheduleResult{}, fmt.Errorf("order %s: %w", req.OrderID, ErrNotFound)
    }
    pol := m.policyLocked(tenantID)

    // Resolve the target region. A newly created region is staged and only
    // persisted once every capacity check has passed.
    var region model.Region
    regionCreated := false
    switch {
    case req.RegionID != "":
        region, ok = m.regions[tenantID][req.RegionID]
        if !ok {
            return model.ScheduleResult{}, fmt.Errorf("region %s: %w", req.RegionID, ErrNotFound)
        }
    case req.Location != nil:
        matched := false
        for _, mt := range geo.MatchRegions(m.regionListLocked(tenantID), req.Location.Lat, req.Location.Lng) {
            if m.regionCountLocked(tenantID, mt.Region.ID, req.Date) < mt.Region.MaxDeliveriesPerDay {
                region = mt.Region
                matched = true
                break
            }
        }
        if !matched {
            if !req.AllowNewRegion {
                return model.ScheduleResult{}, model.Rulef("address is outside all delivery regions with free capacity on %s", req.Date)
            }
            region = stageRegion(tenantID, req, pol)
            regionCreated = true
        }
    default:
        return model.ScheduleResult{}, model.Rulef("either a region or coordinates are required to schedule a delivery")
    }

    // Ledger pre-check for the date.
    if info := capacity.Evaluate(m.snapshotLocked(tenantID, req.Date)); !info.Valid {
        return model.ScheduleResult{}, &model.RuleError{Msg: info.Reason}
    }

    // Upsert run: reuse the first non-terminal run for (region, date); a run
    // created here starts in_progress so it counts as an occupied truck,
    // unlike manually added runs which start planned.
    var run model.DeliveryRun
    runExists := false
    for _, r := range m.runs[tenantID] {
        if r.RegionID == region.ID && r.ScheduledDate == req.Date && !r.Status.Terminal() {
            run = r
            runExists = true
            break
        }
    }
    if !runExists {
        run = model.DeliveryRun{
            ID:            uuid.New().String(),
            TenantID:      tenantID,
            ScheduledDate: req.Date,
            RegionID:      region.ID,
            DriverID:      req.DriverID,
            Capacity:      pol.RunCapacity,
            Status:        model.RunInProgress,
        }
    }

    // Capacity checks, in order. Any failure aborts with no writes.
    count := 0
    if !regionCreated {
        count = m.regionCountLocked(tenantID, region.ID, req.Date)
    }
    if err := capacity.CheckRegionQuota(region, count, req.Date); err != nil {
        return model.ScheduleResult{}, err
    }
    add := capacity.OrderMinutes(order.Items, pol)
    used := 0
    stops := 0
    for _, d := range m.deliveries[tenantID] {
        if d.RunID != run.ID || d.Status == model.DeliveryCancelled {
            continue
        }
        stops++
        if o, ok := m.orders[tenantID][d.OrderID]; ok {
            used += capacity.OrderMinutes(o.Items, pol)
        }
    }
    if err := capacity.CheckTimeBudget(used, add, pol.WorkdayMinutes, req.Date); err != nil {
        return model.ScheduleResult{}, err
    }
    if err := capacity.CheckStopLimit(stops, run.Capacity); err != nil {
        return model.ScheduleResult{}, err
    }

    // Commit: region (if staged), run (if new), address row, centroid, delivery.
    if regionCreated {
        if m.regions[tenantID] == nil {
            m.regions[tenantID] = map[string]model.Region{}
        }
        m.regions[tenantID][region.ID] = region
    }
    if !runExists {
        if m.runs[tenantID] == nil {
            m.runs[tenantID] = map[string]model.DeliveryRun{}
        }
        m.runs[tenantID][run.ID] = run
    }
    point := model.GeoPoint{Lat: region.CenterLat, Lng: region.CenterLng}
    if req.Location != nil {
        point = *req.Location
    }
    m.attachLocked(tenantID, region.ID, model.AddressInput{
        AddressText: req.AddressText, Lat: point.Lat, Lng: point.Lng, Date: req.Date,
    })
    m.recomputeCentroidLocked(tenantID, region.ID)

    delivery := model.Delivery{
        ID:       uuid.New().String(),
        TenantID: tenantID,
        OrderID:  order.ID,
        RunID:    run.ID,
        Status:   model.DeliveryScheduled,
    }
    if m.deliveries[tenantID] == nil {
        m.deliveries[tenantID] = map[string]model.Delivery{}
    }
    m.deliveries[tenantID][delivery.ID] = delivery

    return model.ScheduleResult{
        DeliveryID:    delivery.ID,
        RunID:         run.ID,
        RegionID:      region.ID,
        RegionCreated: regionCreated,
        Date:          req.Date,
    }, nil
}

// stageRegion builds (without persisting) the lazily created region for a
// point no existing region could take.
func stageRegion(tenantID string, req model.ScheduleRequest, pol model.TenantPolicy) model.Region {
    name := req.RegionName
    if name == "" {
        name = "region-" + req.Date
    }
    return model.Region{
        ID:                  uuid.New().String(),
        TenantID:            tenantID,
        Name:                name,
        CenterLat:           req.Location.Lat,
        CenterLng:           req.Location.Lng,
        RadiusKM:            pol.DefaultRadiusKM,
        MaxDeliveriesPerDay: pol.DefaultMaxDeliveries,
    }
}

func (m *Memory) ListRuns(ctx context.Context, tenantID, date string) ([]model.DeliveryRun, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    out := []model.DeliveryRun{}
    for _, r := range m.runs[tenantID] {
        if date == "" || r.ScheduledDate == date {
            out = append(out, r)
        }
    }
    return out, nil
}

// AddRun is the manual "add truck" flow: the run starts planned and is not
// yet counted as an occupied truck by the scheduler.
func (m *Memory) AddRun(ctx context.Context, tenantID string, in model.RunInput) (model.DeliveryRun, error) {
    if err := validDate(in.ScheduledDate); err != nil {
        return model.DeliveryRun{}, err
    }
    m.mu.Lock()
    defer m.mu.Unlock()
    if _, ok := m.regions[tenantID][in.RegionID]; !ok {
        return model.DeliveryRun{}, ErrNotFound
    }
    cap := in.Capacity
    if cap <= 0 {
        cap = m.policyLocked(tenantID).RunCapacity
    }
    run := model.DeliveryRun{
        ID:            uuid.New().String(),
        TenantID:      tenantID,
        ScheduledDate: in.ScheduledDate,
        RegionID:      in.RegionID,
        DriverID:      in.DriverID,
        TruckID:       in.TruckID,
        Capacity:      cap,
        Status:        model.RunPlanned,
    }
    if m.runs[tenantID] == nil {
        m.runs[tenantID] = map[string]model.DeliveryRun{}
    }
    m.runs[tenantID][run.ID] = run
    return run, nil
}

func (m *Memory) SetRunStatus(ctx context.Context, tenantID, runID string, status model.RunStatus) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    r, ok := m.runs[tenantID][runID]
    if !ok {
        return ErrNotFound
    }
    r.Status = status
    m.runs[tenantID][runID] = r
    return nil
}

func (m *Memory) SetDeliveryStatus(ctx context.Context, tenantID, deliveryID string, status model.DeliveryStatus, deliveredAt *time.Time) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    d, ok := m.deliveries[tenantID][deliveryID]
    if !ok {
        return ErrNotFound
    }
    d.Status = status
    if deliveredAt != nil {
        d.DeliveredAt = deliveredAt.UTC().Format(time.RFC3339)
    }
    m.deliveries[tenantID][deliveryID] = d
    return nil
}

// Webhooks

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
    m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
    return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    var out []model.Subscription
    for _, s := range m.subs[tenantID] {
        for _, e := range s.Events {
            if e == eventType {
                out = append(out, s)
                break
            }
        }
    }
    return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string) ([]model.Subscription, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return append([]model.Subscription(nil), m.subs[tenantID]...), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    arr := m.subs[tenantID]
    out := make([]model.Subscription, 0, len(arr))
    for _, s := range arr {
        if s.ID != id {
            out = append(out, s)
        }
    }
    m.subs[tenantID] = out
    return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    id := uuid.New().String()
    m.hooks[id] = &memHook{
        WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"},
        NextAttemptAt:   time.Now(),
    }
    m.hookOrder = append(m.hookOrder, id)
    return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    m.mu.Lock()
    defer m.mu.Unlock()
    now := time.Now()
    out := []WebhookDelivery{}
    for _, id := range m.hookOrder {
        h := m.hooks[id]
        if h == nil {
            continue
        }
        if (h.Status == "pending" || h.Status == "retry") && !h.NextAttemptAt.After(now) {
            out = append(out, h.WebhookDelivery)
            if limit > 0 && len(out) >= limit {
                break
            }
        }
    }
    return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    h := m.hooks[id]
    if h == nil {
        return nil
    }
    h.Attempts++
    if success {
        h.Status = "delivered"
        return nil
    }
    h.Status = "retry"
    h.LastError = lastError
    if nextAttemptAt != nil {
        h.NextAttemptAt = *nextAttemptAt
    } else {
        h.NextAttemptAt = time.Now().Add(time.Minute)
    }
    return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if h := m.hooks[id]; h != nil {
        h.Status = "failed"
        h.LastError = lastError
    }
    return nil
}

func validDate(date string) error {
    if _, err := time.Parse(model.DateFormat, date); err != nil {
        return model.Rulef("invalid date %q, expected YYYY-MM-DD", date)
    }
    return nil
}
