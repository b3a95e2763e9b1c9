package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "fleetplan/internal/capacity"
    "fleetplan/internal/geo"
    "fleetplan/internal/model"
)

type Postgres struct {
    db       *sql.DB
    defaults *model.TenantPolicy
}

// SetDefaultPolicy overrides the fallback applied to tenants with no stored
// policy. Called once at startup, before the store serves requests.
func (p *Postgres) SetDefaultPolicy(pol model.TenantPolicy) { p.defaults = &pol }

func (p *Postgres) fallbackPolicy() model.TenantPolicy {
    if p.defaults != nil {
        return *p.defaults
    }
    return model.DefaultPolicy()
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping() error { return p.db.Ping() }

// MigrateDir applies every *.sql file in dir in lexical order. Dev helper;
// production deployments run migrations out of band.
func (p *Postgres) MigrateDir(dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil {
        return err
    }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)
    for _, f := range files {
        sqlBytes, err := os.ReadFile(filepath.Join(dir, f))
        if err != nil {
            return err
        }
        if _, err := p.db.Exec(string(sqlBytes)); err != nil {
            return fmt.Errorf("migration %s: %w", f, err)
        }
    }
    return nil
}

// Tenant policy

func (p *Postgres) GetTenantPolicy(ctx context.Context, tenantID string) (model.TenantPolicy, error) {
    var js []byte
    err := p.db.QueryRowContext(ctx, `SELECT policy FROM tenant_policies WHERE tenant_id=$1`, tenantID).Scan(&js)
    if errors.Is(err, sql.ErrNoRows) {
        return p.fallbackPolicy(), nil
    }
    if err != nil {
        return model.TenantPolicy{}, err
    }
    pol := p.fallbackPolicy()
    if err := json.Unmarshal(js, &pol); err != nil {
        return model.TenantPolicy{}, err
    }
    return pol, nil
}

func (p *Postgres) SaveTenantPolicy(ctx context.Context, tenantID string, pol model.TenantPolicy) error {
    js, err := json.Marshal(pol)
    if err != nil {
        return err
    }
    _, err = p.db.ExecContext(ctx, `INSERT INTO tenant_policies (tenant_id, policy) VALUES ($1,$2)
        ON CONFLICT (tenant_id) DO UPDATE SET policy=$2, updated_at=now()`, tenantID, js)
    return err
}

// Regions

func (p *Postgres) ListRegions(ctx context.Context, tenantID string) ([]model.Region, error) {
    return listRegions(ctx, p.db, tenantID)
}

type querier interface {
    QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
    QueryRowContext(ctx context.Context, q string, args ...any) *sql.Row
    ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error)
}

func listRegions(ctx context.Context, q querier, tenantID string) ([]model.Region, error) {
    rows, err := q.QueryContext(ctx, `SELECT id::text, name, center_lat, center_lng, radius_km, max_deliveries_per_day
        FROM regions WHERE tenant_id=$1 ORDER BY id`, tenantID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Region{}
    for rows.Next() {
        var r model.Region
        if err := rows.Scan(&r.ID, &r.Name, &r.CenterLat, &r.CenterLng, &r.RadiusKM, &r.MaxDeliveriesPerDay); err != nil {
            return nil, err
        }
        r.TenantID = tenantID
        out = append(out, r)
    }
    return out, rows.Err()
}

func (p *Postgres) GetRegion(ctx context.Context, tenantID, regionID string) (model.Region, error) {
    var r model.Region
    err := p.db.QueryRowContext(ctx, `SELECT id::text, name, center_lat, center_lng, radius_km, max_deliveries_per_day
        FROM regions WHERE tenant_id=$1 AND id=$2`, tenantID, regionID).
        Scan(&r.ID, &r.Name, &r.CenterLat, &r.CenterLng, &r.RadiusKM, &r.MaxDeliveriesPerDay)
    if errors.Is(err, sql.ErrNoRows) {
        return r, ErrNotFound
    }
    if err != nil {
        return r, err
    }
    r.TenantID = tenantID
    return r, nil
}

func (p *Postgres) CreateRegionWithAddress(ctx context.Context, tenantID string, in model.RegionInput, addr model.AddressInput) (model.Region, error) {
    if err := validDate(addr.Date); err != nil {
        return model.Region{}, err
    }
    pol, err := p.GetTenantPolicy(ctx, tenantID)
    if err != nil {
        return model.Region{}, err
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil {
        return model.Region{}, err
    }
    defer func() { _ = tx.Rollback() }()

    region, err := insertRegion(ctx, tx, tenantID, in, addr, pol)
    if err != nil {
        return model.Region{}, err
    }
    if err := insertAddress(ctx, tx, tenantID, region.ID, addr); err != nil {
        return model.Region{}, err
    }
    region, err = recomputeCentroid(ctx, tx, tenantID, region.ID)
    if err != nil {
        return model.Region{}, err
    }
    if err := tx.Commit(); err != nil {
        return model.Region{}, err
    }
    return region, nil
}

func insertRegion(ctx context.Context, q querier, tenantID string, in model.RegionInput, addr model.AddressInput, pol model.TenantPolicy) (model.Region, error) {
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
    r := model.Region{
        ID: uuid.New().String(), TenantID: tenantID, Name: name,
        CenterLat: addr.Lat, CenterLng: addr.Lng,
        RadiusKM: radius, MaxDeliveriesPerDay: quota,
    }
    _, err := q.ExecContext(ctx, `INSERT INTO regions (id, tenant_id, name, center_lat, center_lng, radius_km, max_deliveries_per_day)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`, r.ID, tenantID, r.Name, r.CenterLat, r.CenterLng, r.RadiusKM, r.MaxDeliveriesPerDay)
    return r, err
}

func insertAddress(ctx context.Context, q querier, tenantID, regionID string, addr model.AddressInput) error {
    _, err := q.ExecContext(ctx, `INSERT INTO region_addresses (id, tenant_id, region_id, scheduled_date, address_text, lat, lng)
        VALUES ($1,$2,$3,$4,$5,$6,$7)`,
        uuid.New().String(), tenantID, regionID, addr.Date, nullIfEmpty(addr.AddressText), addr.Lat, addr.Lng)
    return err
}

// recomputeCentroid is the full-recompute centroid: the mean over every
// address row ever attached to the region.
func recomputeCentroid(ctx context.Context, q querier, tenantID, regionID string) (model.Region, error) {
    _, err := q.ExecContext(ctx, `UPDATE regions SET center_lat=agg.lat, center_lng=agg.lng
        FROM (SELECT AVG(lat) AS lat, AVG(lng) AS lng FROM region_addresses WHERE tenant_id=$1 AND region_id=$2) agg
        WHERE regions.tenant_id=$1 AND regions.id=$2 AND agg.lat IS NOT NULL`, tenantID, regionID)
    if err != nil {
        return model.Region{}, err
    }
    var r model.Region
    err = q.QueryRowContext(ctx, `SELECT id::text, name, center_lat, center_lng, radius_km, max_deliveries_per_day
        FROM regions WHERE tenant_id=$1 AND id=$2`, tenantID, regionID).
        Scan(&r.ID, &r.Name, &r.CenterLat, &r.CenterLng, &r.RadiusKM, &r.MaxDeliveriesPerDay)
    if err != nil {
        return model.Region{}, err
    }
    r.TenantID = tenantID
    return r, nil
}

func (p *Postgres) AttachAddressToRegion(ctx context.Context, tenantID, regionID string, addr model.AddressInput) (model.Region, error) {
    if err := validDate(addr.Date); err != nil {
        return model.Region{}, err
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil {
        return model.Region{}, err
    }
    defer func() { _ = tx.Rollback() }()
    if _, err := lockRegion(ctx, tx, tenantID, regionID); err != nil {
        return model.Region{}, err
    }
    if err := insertAddress(ctx, tx, tenantID, regionID, addr); err != nil {
        return model.Region{}, err
    }
    region, err := recomputeCentroid(ctx, tx, tenantID, regionID)
    if err != nil {
        return model.Region{}, err
    }
    if err := tx.Commit(); err != nil {
        return model.Region{}, err
    }
    return region, nil
}

// lockRegion takes the row lock that serializes all mutating work per
// (tenant, region): run upsert, capacity checks and centroid updates all
// happen under it.
func lockRegion(ctx context.Context, tx *sql.Tx, tenantID, regionID string) (model.Region, error) {
    var r model.Region
    err := tx.QueryRowContext(ctx, `SELECT id::text, name, center_lat, center_lng, radius_km, max_deliveries_per_day
        FROM regions WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, regionID).
        Scan(&r.ID, &r.Name, &r.CenterLat, &r.CenterLng, &r.RadiusKM, &r.MaxDeliveriesPerDay)
    if errors.Is(err, sql.ErrNoRows) {
        return r, ErrNotFound
    }
    if err != nil {
        return r, err
    }
    r.TenantID = tenantID
    return r, nil
}

func (p *Postgres) ListRegionAddresses(ctx context.Context, tenantID, regionID string) ([]model.RegionAddress, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, scheduled_date::text, COALESCE(address_text,''), lat, lng
        FROM region_addresses WHERE tenant_id=$1 AND region_id=$2 ORDER BY id`, tenantID, regionID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.RegionAddress{}
    for rows.Next() {
        var a model.RegionAddress
        if err := rows.Scan(&a.ID, &a.ScheduledDate, &a.AddressText, &a.Lat, &a.Lng); err != nil {
            return nil, err
        }
        a.TenantID = tenantID
        a.RegionID = regionID
        out = append(out, a)
    }
    return out, rows.Err()
}

func (p *Postgres) RegionDeliveryCount(ctx context.Context, tenantID, regionID, date string) (int, error) {
    return regionCount(ctx, p.db, tenantID, regionID, date)
}

func regionCount(ctx context.Context, q querier, tenantID, regionID, date string) (int, error) {
    var n int
    err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM region_addresses
        WHERE tenant_id=$1 AND region_id=$2 AND scheduled_date=$3`, tenantID, regionID, date).Scan(&n)
    return n, err
}

// Fleet

func (p *Postgres) CreateEmployee(ctx context.Context, tenantID string, in model.EmployeeInput) (model.Employee, error) {
    role, err := model.ParseEmployeeRole(in.Role)
    if err != nil {
        return model.Employee{}, err
    }
    active := true
    if in.Active != nil {
        active = *in.Active
    }
    e := model.Employee{ID: uuid.New().String(), TenantID: tenantID, Name: in.Name, Role: role, Active: active}
    _, err = p.db.ExecContext(ctx, `INSERT INTO employees (id, tenant_id, name, role, active) VALUES ($1,$2,$3,$4,$5)`,
        e.ID, tenantID, e.Name, string(e.Role), e.Active)
    return e, err
}

func (p *Postgres) SetAvailability(ctx context.Context, tenantID, employeeID, date string, active bool) error {
    if err := validDate(date); err != nil {
        return err
    }
    res, err := p.db.ExecContext(ctx, `INSERT INTO availability (id, tenant_id, employee_id, available_date, active)
        SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM employees WHERE tenant_id=$2 AND id=$3)
        ON CONFLICT (tenant_id, employee_id, available_date) DO UPDATE SET active=$5`,
        uuid.New().String(), tenantID, employeeID, date, active)
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

func (p *Postgres) CreateTruck(ctx context.Context, tenantID, name string) (model.Truck, error) {
    t := model.Truck{ID: uuid.New().String(), TenantID: tenantID, Name: name, Active: true}
    _, err := p.db.ExecContext(ctx, `INSERT INTO trucks (id, tenant_id, name, active) VALUES ($1,$2,$3,true)`, t.ID, tenantID, name)
    return t, err
}

func (p *Postgres) SetTruckActive(ctx context.Context, tenantID, truckID string, active bool) error {
    res, err := p.db.ExecContext(ctx, `UPDATE trucks SET active=$1 WHERE tenant_id=$2 AND id=$3`, active, tenantID, truckID)
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

// Orders

func (p *Postgres) CreateOrder(ctx context.Context, tenantID string, in model.OrderInput) (model.Order, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil {
        return model.Order{}, err
    }
    defer func() { _ = tx.Rollback() }()
    o := model.Order{ID: uuid.New().String(), TenantID: tenantID, Items: in.Items}
    if _, err := tx.ExecContext(ctx, `INSERT INTO orders (id, tenant_id) VALUES ($1,$2)`, o.ID, tenantID); err != nil {
        return model.Order{}, err
    }
    for _, it := range in.Items {
        qty := it.Quantity
        if qty <= 0 {
            qty = 1
        }
        if _, err := tx.ExecContext(ctx, `INSERT INTO order_items (id, tenant_id, order_id, category, quantity)
            VALUES ($1,$2,$3,$4,$5)`, uuid.New().String(), tenantID, o.ID, it.Category, qty); err != nil {
            return model.Order{}, err
        }
    }
    if err := tx.Commit(); err != nil {
        return model.Order{}, err
    }
    return o, nil
}

func (p *Postgres) GetOrder(ctx context.Context, tenantID, orderID string) (model.Order, error) {
    return getOrder(ctx, p.db, tenantID, orderID)
}

func getOrder(ctx context.Context, q querier, tenantID, orderID string) (model.Order, error) {
    var exists bool
    if err := q.QueryRowContext(ctx, `SELECT true FROM orders WHERE tenant_id=$1 AND id=$2`, tenantID, orderID).Scan(&exists); err != nil {
        if errors.Is(err, sql.ErrNoRows) {
            return model.Order{}, ErrNotFound
        }
        return model.Order{}, err
    }
    rows, err := q.QueryContext(ctx, `SELECT category, quantity FROM order_items WHERE tenant_id=$1 AND order_id=$2 ORDER BY id`, tenantID, orderID)
    if err != nil {
        return model.Order{}, err
    }
    defer rows.Close()
    o := model.Order{ID: orderID, TenantID: tenantID}
    for rows.Next() {
        var it model.OrderItem
        if err := rows.Scan(&it.Category, &it.Quantity); err != nil {
            return model.Order{}, err
        }
        o.Items = append(o.Items, it)
    }
    return o, rows.Err()
}

// Capacity ledger

func (p *Postgres) CapacitySnapshot(ctx context.Context, tenantID, date string) (model.CapacitySnapshot, error) {
    if err := validDate(date); err != nil {
        return model.CapacitySnapshot{}, err
    }
    return capacitySnapshot(ctx, p.db, tenantID, date)
}

func capacitySnapshot(ctx context.Context, q querier, tenantID, date string) (model.CapacitySnapshot, error) {
    snap := model.CapacitySnapshot{Date: date}
    err := q.QueryRowContext(ctx, `SELECT
        (SELECT COUNT(*) FROM employees WHERE tenant_id=$1 AND role='driver'),
        (SELECT COUNT(*) FROM employees e JOIN availability a
            ON a.tenant_id=e.tenant_id AND a.employee_id=e.id
            WHERE e.tenant_id=$1 AND e.role='driver' AND e.active AND a.available_date=$2 AND a.active),
        (SELECT COUNT(*) FROM trucks WHERE tenant_id=$1),
        (SELECT COUNT(*) FROM trucks WHERE tenant_id=$1 AND active),
        (SELECT COUNT(DISTINCT region_id) FROM delivery_runs WHERE tenant_id=$1 AND scheduled_date=$2 AND status <> 'cancelled'),
        (SELECT COUNT(*) FROM deliveries d JOIN delivery_runs r
            ON r.tenant_id=d.tenant_id AND r.id=d.run_id
            WHERE d.tenant_id=$1 AND r.scheduled_date=$2 AND d.status <> 'cancelled')`,
        tenantID, date).
        Scan(&snap.DriversConfigured, &snap.DriversAvailable, &snap.TrucksConfigured,
            &snap.TrucksActive, &snap.ActiveRegions, &snap.TotalDeliveries)
    return snap, err
}

// ScheduleDelivery is the transactional allocator pipeline. The region row
// lock (FOR UPDATE) serializes concurrent scheduling per (tenant, region):
// run upsert, capacity checks and the final writes all observe one
// consistent snapshot, and a failed check rolls everything back.
func (p *Postgres) ScheduleDelivery(ctx context.Context, tenantID string, req model.ScheduleRequest) (model.ScheduleResult, error) {
    var res model.ScheduleResult
    if err := validDate(req.Date); err != nil {
        return res, err
    }
    pol, err := p.GetTenantPolicy(ctx, tenantID)
    if err != nil {
        return res, err
    }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil {
        return res, err
    }
    defer func() { _ = tx.Rollback() }()

    order, err := getOrder(ctx, tx, tenantID, req.OrderID)
    if err != nil {
        return res, err
    }

    // Resolve and lock the target region.
    var region model.Region
    regionCreated := false
    switch {
    case req.RegionID != "":
        region, err = lockRegion(ctx, tx, tenantID, req.RegionID)
        if err != nil {
            return res, err
        }
    case req.Location != nil:
        regions, err := listRegions(ctx, tx, tenantID)
        if err != nil {
            return res, err
        }
        matched := false
        for _, mt := range geo.MatchRegions(regions, req.Location.Lat, req.Location.Lng) {
            n, err := regionCount(ctx, tx, tenantID, mt.Region.ID, req.Date)
            if err != nil {
                return res, err
            }
            if n < mt.Region.MaxDeliveriesPerDay {
                region, err = lockRegion(ctx, tx, tenantID, mt.Region.ID)
                if err != nil {
                    return res, err
                }
                matched = true
                break
            }
        }
        if !matched {
            if !req.AllowNewRegion {
                return res, model.Rulef("address is outside all delivery regions with free capacity on %s", req.Date)
            }
            region, err = insertRegion(ctx, tx, tenantID, model.RegionInput{Name: req.RegionName},
                model.AddressInput{Lat: req.Location.Lat, Lng: req.Location.Lng, Date: req.Date}, pol)
            if err != nil {
                return res, err
            }
            regionCreated = true
        }
    default:
        return res, model.Rulef("either a region or coordinates are required to schedule a delivery")
    }

    // Ledger pre-check for the date.
    snap, err := capacitySnapshot(ctx, tx, tenantID, req.Date)
    if err != nil {
        return res, err
    }
    if info := capacity.Evaluate(snap); !info.Valid {
        return res, &model.RuleError{Msg: info.Reason}
    }

    // Upsert run: reuse the first non-terminal run for (region, date), else
    // create one in_progress so it counts as an occupied truck (manual
    // "add truck" runs start planned instead).
    var runID string
    var runCapacity int
    err = tx.QueryRowContext(ctx, `SELECT id::text, capacity FROM delivery_runs
        WHERE tenant_id=$1 AND region_id=$2 AND scheduled_date=$3 AND status NOT IN ('completed','cancelled')
        ORDER BY id LIMIT 1 FOR UPDATE`, tenantID, region.ID, req.Date).Scan(&runID, &runCapacity)
    runExists := err == nil
    if err != nil && !errors.Is(err, sql.ErrNoRows) {
        return res, err
    }
    if !runExists {
        runID = uuid.New().String()
        runCapacity = pol.RunCapacity
        if _, err := tx.ExecContext(ctx, `INSERT INTO delivery_runs (id, tenant_id, scheduled_date, region_id, driver_id, capacity, status)
            VALUES ($1,$2,$3,$4,$5,$6,$7)`,
            runID, tenantID, req.Date, region.ID, nullIfEmpty(req.DriverID), runCapacity, string(model.RunInProgress)); err != nil {
            return res, err
        }
    }

    // Capacity checks, in order.
    count := 0
    if !regionCreated {
        if count, err = regionCount(ctx, tx, tenantID, region.ID, req.Date); err != nil {
            return res, err
        }
    }
    if err := capacity.CheckRegionQuota(region, count, req.Date); err != nil {
        return res, err
    }

    add := capacity.OrderMinutes(order.Items, pol)
    used, stops, err := runLoad(ctx, tx, tenantID, runID, pol)
    if err != nil {
        return res, err
    }
    if err := capacity.CheckTimeBudget(used, add, pol.WorkdayMinutes, req.Date); err != nil {
        return res, err
    }
    if err := capacity.CheckStopLimit(stops, runCapacity); err != nil {
        return res, err
    }

    // Writes: address row, centroid recompute, delivery.
    lat, lng := region.CenterLat, region.CenterLng
    if req.Location != nil {
        lat, lng = req.Location.Lat, req.Location.Lng
    }
    if err := insertAddress(ctx, tx, tenantID, region.ID, model.AddressInput{
        AddressText: req.AddressText, Lat: lat, Lng: lng, Date: req.Date,
    }); err != nil {
        return res, err
    }
    if _, err := recomputeCentroid(ctx, tx, tenantID, region.ID); err != nil {
        return res, err
    }
    deliveryID := uuid.New().String()
    if _, err := tx.ExecContext(ctx, `INSERT INTO deliveries (id, tenant_id, order_id, run_id, status)
        VALUES ($1,$2,$3,$4,$5)`, deliveryID, tenantID, order.ID, runID, string(model.DeliveryScheduled)); err != nil {
        return res, err
    }
    if err := tx.Commit(); err != nil {
        return res, err
    }
    return model.ScheduleResult{
        DeliveryID: deliveryID, RunID: runID, RegionID: region.ID,
        RegionCreated: regionCreated, Date: req.Date,
    }, nil
}

// runLoad returns the minutes already planned on a run and its current
// non-cancelled stop count.
func runLoad(ctx context.Context, q querier, tenantID, runID string, pol model.TenantPolicy) (minutes, stops int, err error) {
    rows, err := q.QueryContext(ctx, `SELECT d.order_id::text FROM deliveries d
        WHERE d.tenant_id=$1 AND d.run_id=$2 AND d.status <> 'cancelled'`, tenantID, runID)
    if err != nil {
        return 0, 0, err
    }
    defer rows.Close()
    var orderIDs []string
    for rows.Next() {
        var id string
        if err := rows.Scan(&id); err != nil {
            return 0, 0, err
        }
        orderIDs = append(orderIDs, id)
    }
    if err := rows.Err(); err != nil {
        return 0, 0, err
    }
    for _, id := range orderIDs {
        o, err := getOrder(ctx, q, tenantID, id)
        if err != nil && !errors.Is(err, ErrNotFound) {
            return 0, 0, err
        }
        minutes += capacity.OrderMinutes(o.Items, pol)
        stops++
    }
    return minutes, stops, nil
}

// Runs & deliveries

func (p *Postgres) ListRuns(ctx context.Context, tenantID, date string) ([]model.DeliveryRun, error) {
    q := `SELECT id::text, scheduled_date::text, region_id::text, COALESCE(driver_id::text,''), COALESCE(truck_id::text,''), capacity, status
        FROM delivery_runs WHERE tenant_id=$1`
    args := []any{tenantID}
    if date != "" {
        q += ` AND scheduled_date=$2`
        args = append(args, date)
    }
    q += ` ORDER BY scheduled_date, id`
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.DeliveryRun{}
    for rows.Next() {
        var r model.DeliveryRun
        var status string
        if err := rows.Scan(&r.ID, &r.ScheduledDate, &r.RegionID, &r.DriverID, &r.TruckID, &r.Capacity, &status); err != nil {
            return nil, err
        }
        if r.Status, err = model.ParseRunStatus(status); err != nil {
            return nil, err
        }
        r.TenantID = tenantID
        out = append(out, r)
    }
    return out, rows.Err()
}

func (p *Postgres) AddRun(ctx context.Context, tenantID string, in model.RunInput) (model.DeliveryRun, error) {
    if err := validDate(in.ScheduledDate); err != nil {
        return model.DeliveryRun{}, err
    }
    if _, err := p.GetRegion(ctx, tenantID, in.RegionID); err != nil {
        return model.DeliveryRun{}, err
    }
    runCapacity := in.Capacity
    if runCapacity <= 0 {
        pol, err := p.GetTenantPolicy(ctx, tenantID)
        if err != nil {
            return model.DeliveryRun{}, err
        }
        runCapacity = pol.RunCapacity
    }
    run := model.DeliveryRun{
        ID: uuid.New().String(), TenantID: tenantID, ScheduledDate: in.ScheduledDate,
        RegionID: in.RegionID, DriverID: in.DriverID, TruckID: in.TruckID,
        Capacity: runCapacity, Status: model.RunPlanned,
    }
    _, err := p.db.ExecContext(ctx, `INSERT INTO delivery_runs (id, tenant_id, scheduled_date, region_id, driver_id, truck_id, capacity, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
        run.ID, tenantID, run.ScheduledDate, run.RegionID, nullIfEmpty(run.DriverID), nullIfEmpty(run.TruckID), run.Capacity, string(run.Status))
    return run, err
}

func (p *Postgres) SetRunStatus(ctx context.Context, tenantID, runID string, status model.RunStatus) error {
    res, err := p.db.ExecContext(ctx, `UPDATE delivery_runs SET status=$1 WHERE tenant_id=$2 AND id=$3`, string(status), tenantID, runID)
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

func (p *Postgres) SetDeliveryStatus(ctx context.Context, tenantID, deliveryID string, status model.DeliveryStatus, deliveredAt *time.Time) error {
    var res sql.Result
    var err error
    if deliveredAt != nil {
        res, err = p.db.ExecContext(ctx, `UPDATE deliveries SET status=$1, delivered_at=$2 WHERE tenant_id=$3 AND id=$4`,
            string(status), deliveredAt.UTC(), tenantID, deliveryID)
    } else {
        res, err = p.db.ExecContext(ctx, `UPDATE deliveries SET status=$1 WHERE tenant_id=$2 AND id=$3`, string(status), tenantID, deliveryID)
    }
    if err != nil {
        return err
    }
    if n, _ := res.RowsAffected(); n == 0 {
        return ErrNotFound
    }
    return nil
}

// Webhooks

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
    id := uuid.New().String()
    ev, _ := json.Marshal(req.Events)
    _, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4,$5)`,
        id, req.TenantID, req.URL, ev, req.Secret)
    if err != nil {
        return model.Subscription{}, err
    }
    return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions
        WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, fmt.Sprintf("[%q]", eventType))
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
            return nil, err
        }
        s.TenantID = tenantID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID string) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 ORDER BY id`, tenantID)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
            return nil, err
        }
        s.TenantID = tenantID
        _ = json.Unmarshal(ev, &s.Events)
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
    return err
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
    id := uuid.New().String()
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload)
    if err != nil {
        return "", err
    }
    return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id::text, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
    if err != nil {
        return nil, err
    }
    defer rows.Close()
    out := []WebhookDelivery{}
    for rows.Next() {
        var d WebhookDelivery
        if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
            return nil, err
        }
        out = append(out, d)
    }
    return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
    if success {
        _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, delivered_at=now(), updated_at=now() WHERE id=$1`, id)
        return err
    }
    if nextAttemptAt == nil {
        t := time.Now().Add(time.Minute)
        nextAttemptAt = &t
    }
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='retry', attempts=attempts+1, last_error=$2, next_attempt_at=$3, updated_at=now() WHERE id=$1`,
        id, nullIfEmpty(lastError), *nextAttemptAt)
    return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string) error {
    _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='failed', last_error=$2, updated_at=now() WHERE id=$1`, id, nullIfEmpty(lastError))
    return err
}

// Helpers
func nullIfEmpty(s string) any {
    if s == "" {
        return nil
    }
    return s
}
