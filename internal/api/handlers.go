package api

import (
    "encoding/json"
    "errors"
    "log"
    "net/http"
    "strconv"
    "strings"
    "time"

    "fleetplan/internal/buildinfo"
    "fleetplan/internal/metrics"
    "fleetplan/internal/model"
    "fleetplan/internal/store"
    "fleetplan/internal/webhooks"
)

// writeError maps the two error classes: business-rule violations carry
// their message verbatim with a 409, everything else is logged and reported
// as a generic failure.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
    var re *model.RuleError
    switch {
    case errors.As(err, &re):
        writeProblem(w, http.StatusConflict, "Business rule violation", re.Msg, r.URL.Path)
    case errors.Is(err, store.ErrNotFound):
        writeProblem(w, http.StatusNotFound, "Not Found", "resource does not exist", r.URL.Path)
    default:
        log.Printf("%s %s failed: %v", r.Method, r.URL.Path, err)
        writeProblem(w, http.StatusInternalServerError, "Internal error", "unexpected failure", r.URL.Path)
    }
}

// RegionsHandler handles GET/POST /v1/regions
func (s *Server) RegionsHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    switch r.Method {
    case http.MethodGet:
        regions, err := s.Store.ListRegions(ctx, tenant)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": regions})
    case http.MethodPost:
        var req struct {
            Region  model.RegionInput  `json:"region"`
            Address model.AddressInput `json:"address"`
        }
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        region, err := s.Planner.CreateRegionWithAddress(ctx, tenant, req.Region, req.Address)
        if err != nil {
            writeError(w, r, err)
            return
        }
        s.Pub.Emit(ctx, tenant, webhooks.EventRegionCreated, region)
        writeJSON(w, http.StatusCreated, region)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// RegionMatchHandler handles GET /v1/regions/match?lat=..&lng=..
func (s *Server) RegionMatchHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    pt, ok := s.resolvePoint(w, r)
    if !ok {
        return
    }
    matches, err := s.Planner.MatchRegions(ctx, tenant, pt.Lat, pt.Lng)
    if err != nil {
        writeError(w, r, err)
        return
    }
    // Optional cap on top of each region's own radius.
    if v := r.URL.Query().Get("maxKm"); v != "" {
        maxKm, err := strconv.ParseFloat(v, 64)
        if err != nil || maxKm <= 0 {
            writeProblem(w, http.StatusBadRequest, "Invalid maxKm", "maxKm must be a positive number", r.URL.Path)
            return
        }
        capped := matches[:0]
        for _, mt := range matches {
            if mt.DistanceKM <= maxKm {
                capped = append(capped, mt)
            }
        }
        matches = capped
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": matches})
}

// RegionByIDHandler handles /v1/regions/{id} and /v1/regions/{id}/addresses
func (s *Server) RegionByIDHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    rest := strings.TrimPrefix(r.URL.Path, "/v1/regions/")
    parts := strings.SplitN(rest, "/", 2)
    regionID := parts[0]
    if regionID == "" {
        writeProblem(w, http.StatusBadRequest, "Invalid path", "region id required", r.URL.Path)
        return
    }
    if len(parts) == 2 && parts[1] == "addresses" {
        switch r.Method {
        case http.MethodGet:
            addrs, err := s.Store.ListRegionAddresses(ctx, tenant, regionID)
            if err != nil {
                writeError(w, r, err)
                return
            }
            writeJSON(w, http.StatusOK, map[string]any{"items": addrs})
        case http.MethodPost:
            var addr model.AddressInput
            if err := json.NewDecoder(r.Body).Decode(&addr); err != nil {
                writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
                return
            }
            region, err := s.Planner.AttachAddressToRegion(ctx, tenant, regionID, addr)
            if err != nil {
                writeError(w, r, err)
                return
            }
            writeJSON(w, http.StatusOK, region)
        default:
            w.WriteHeader(http.StatusMethodNotAllowed)
        }
        return
    }
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    region, err := s.Store.GetRegion(ctx, tenant, regionID)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, region)
}

// ScheduleHandler handles POST /v1/deliveries, the transactional
// scheduling pipeline.
func (s *Server) ScheduleHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    var req model.ScheduleRequest
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    // Geocode the address text when no point and no explicit region were
    // given. Geocoding is optional; a failure here is a client problem, not
    // a crash.
    if req.Location == nil && req.RegionID == "" && req.AddressText != "" && s.Geo != nil {
        pt, err := s.Geo.Geocode(ctx, req.AddressText)
        if err != nil {
            metrics.GeocodeRequests.WithLabelValues("error").Inc()
            writeProblem(w, http.StatusBadRequest, "Geocoding failed", "could not resolve address to coordinates", r.URL.Path)
            return
        }
        metrics.GeocodeRequests.WithLabelValues("ok").Inc()
        req.Location = &pt
    }
    res, err := s.Planner.ScheduleDelivery(ctx, tenant, req)
    if err != nil {
        var re *model.RuleError
        if errors.As(err, &re) {
            metrics.ScheduleOutcomes.WithLabelValues("rejected").Inc()
        } else {
            metrics.ScheduleOutcomes.WithLabelValues("error").Inc()
        }
        writeError(w, r, err)
        return
    }
    metrics.ScheduleOutcomes.WithLabelValues("scheduled").Inc()
    s.Pub.Emit(ctx, tenant, webhooks.EventDeliveryScheduled, res)
    if res.RegionCreated {
        s.Pub.Emit(ctx, tenant, webhooks.EventRegionCreated, map[string]any{"regionId": res.RegionID, "date": res.Date})
    }
    s.Broker.Publish(tenant, DispatchEvent{Type: webhooks.EventDeliveryScheduled, Data: map[string]any{
        "deliveryId": res.DeliveryID, "runId": res.RunID, "regionId": res.RegionID, "date": res.Date,
    }})
    writeJSON(w, http.StatusCreated, res)
}

// DeliveryByIDHandler handles POST /v1/deliveries/{id}/status
func (s *Server) DeliveryByIDHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    rest := strings.TrimPrefix(r.URL.Path, "/v1/deliveries/")
    parts := strings.SplitN(rest, "/", 2)
    if len(parts) != 2 || parts[1] != "status" || r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req struct {
        Status string `json:"status"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    status, err := model.ParseDeliveryStatus(req.Status)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
        return
    }
    var deliveredAt *time.Time
    if status == model.DeliveryDelivered {
        now := time.Now().UTC()
        deliveredAt = &now
    }
    if err := s.Store.SetDeliveryStatus(ctx, tenant, parts[0], status, deliveredAt); err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]string{"id": parts[0], "status": string(status)})
}

// SuggestionsHandler handles GET /v1/suggestions. Either lat/lng or
// regionId selects the candidate regions; from/days bound the window.
func (s *Server) SuggestionsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    q := r.URL.Query()
    from := q.Get("from")
    days := 0
    if v := q.Get("days"); v != "" {
        days, _ = strconv.Atoi(v)
    }
    if regionID := q.Get("regionId"); regionID != "" {
        items, err := s.Planner.SuggestDatesForRegion(ctx, tenant, regionID, from, days)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
        return
    }
    pt, ok := s.resolvePoint(w, r)
    if !ok {
        return
    }
    items, err := s.Planner.SuggestDates(ctx, tenant, pt.Lat, pt.Lng, from, days)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// resolvePoint reads lat/lng query params, falling back to geocoding an
// address param when a client is configured.
func (s *Server) resolvePoint(w http.ResponseWriter, r *http.Request) (model.GeoPoint, bool) {
    q := r.URL.Query()
    latS, lngS := q.Get("lat"), q.Get("lng")
    if latS != "" && lngS != "" {
        lat, err1 := strconv.ParseFloat(latS, 64)
        lng, err2 := strconv.ParseFloat(lngS, 64)
        if err1 != nil || err2 != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid coordinates", "lat and lng must be numbers", r.URL.Path)
            return model.GeoPoint{}, false
        }
        return model.GeoPoint{Lat: lat, Lng: lng}, true
    }
    if addr := q.Get("address"); addr != "" && s.Geo != nil {
        pt, err := s.Geo.Geocode(r.Context(), addr)
        if err != nil {
            metrics.GeocodeRequests.WithLabelValues("error").Inc()
            writeProblem(w, http.StatusBadRequest, "Geocoding failed", "could not resolve address to coordinates", r.URL.Path)
            return model.GeoPoint{}, false
        }
        metrics.GeocodeRequests.WithLabelValues("ok").Inc()
        return pt, true
    }
    writeProblem(w, http.StatusBadRequest, "Missing coordinates", "lat/lng or address required", r.URL.Path)
    return model.GeoPoint{}, false
}

// CapacityHandler handles GET /v1/capacity?date=YYYY-MM-DD
func (s *Server) CapacityHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    date := r.URL.Query().Get("date")
    if date == "" {
        writeProblem(w, http.StatusBadRequest, "Missing date", "date query param required", r.URL.Path)
        return
    }
    info, err := s.Planner.CapacityInfo(ctx, tenant, date)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, info)
}

// OrdersHandler handles POST /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    var in model.OrderInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    order, err := s.Store.CreateOrder(ctx, tenant, in)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusCreated, order)
}

// OrderByIDHandler handles GET /v1/orders/{id}
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    id := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
    order, err := s.Store.GetOrder(ctx, tenant, id)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, order)
}

// EmployeesHandler handles POST /v1/employees
func (s *Server) EmployeesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    var in model.EmployeeInput
    if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    emp, err := s.Store.CreateEmployee(ctx, tenant, in)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Create employee failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusCreated, emp)
}

// AvailabilityHandler handles PUT /v1/employees/{id}/availability
func (s *Server) AvailabilityHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    rest := strings.TrimPrefix(r.URL.Path, "/v1/employees/")
    parts := strings.SplitN(rest, "/", 2)
    if len(parts) != 2 || parts[1] != "availability" || r.Method != http.MethodPut {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req struct {
        Date   string `json:"date"`
        Active bool   `json:"active"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := s.Store.SetAvailability(ctx, tenant, parts[0], req.Date, req.Active); err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"employeeId": parts[0], "date": req.Date, "active": req.Active})
}

// TrucksHandler handles POST /v1/trucks
func (s *Server) TrucksHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    var req struct {
        Name string `json:"name"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    truck, err := s.Store.CreateTruck(ctx, tenant, req.Name)
    if err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusCreated, truck)
}

// TruckByIDHandler handles PATCH /v1/trucks/{id}
func (s *Server) TruckByIDHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPatch {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    id := strings.TrimPrefix(r.URL.Path, "/v1/trucks/")
    var req struct {
        Active bool `json:"active"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    if err := s.Store.SetTruckActive(ctx, tenant, id, req.Active); err != nil {
        writeError(w, r, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

// RunsHandler handles GET/POST /v1/runs. POST is the manual "add truck"
// flow: the run starts planned and does not yet count as occupied.
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    switch r.Method {
    case http.MethodGet:
        runs, err := s.Store.ListRuns(ctx, tenant, r.URL.Query().Get("date"))
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": runs})
    case http.MethodPost:
        var in model.RunInput
        if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        run, err := s.Store.AddRun(ctx, tenant, in)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusCreated, run)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// RunByIDHandler handles POST /v1/runs/{id}/status
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
    parts := strings.SplitN(rest, "/", 2)
    if len(parts) != 2 || parts[1] != "status" || r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    var req struct {
        Status string `json:"status"`
    }
    if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    status, err := model.ParseRunStatus(req.Status)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid status", err.Error(), r.URL.Path)
        return
    }
    if err := s.Store.SetRunStatus(ctx, tenant, parts[0], status); err != nil {
        writeError(w, r, err)
        return
    }
    s.Pub.Emit(ctx, tenant, webhooks.EventRunStatusChanged, map[string]any{"runId": parts[0], "status": string(status)})
    s.Broker.Publish(tenant, DispatchEvent{Type: webhooks.EventRunStatusChanged, Data: map[string]any{"runId": parts[0], "status": string(status)}})
    writeJSON(w, http.StatusOK, map[string]string{"id": parts[0], "status": string(status)})
}

// PolicyHandler handles GET/PUT /v1/policy
func (s *Server) PolicyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    switch r.Method {
    case http.MethodGet:
        pol, err := s.Store.GetTenantPolicy(ctx, tenant)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, pol)
    case http.MethodPut:
        pol := model.DefaultPolicy()
        if err := json.NewDecoder(r.Body).Decode(&pol); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := s.Store.SaveTenantPolicy(ctx, tenant, pol); err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, pol)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    ctx, tenant := s.withTenant(r)
    switch r.Method {
    case http.MethodPost:
        var req model.SubscriptionRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        req.TenantID = tenant
        sub, err := s.Store.CreateSubscription(ctx, req)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusCreated, sub)
    case http.MethodGet:
        subs, err := s.Store.ListSubscriptions(ctx, tenant)
        if err != nil {
            writeError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": subs})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodDelete {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    ctx, tenant := s.withTenant(r)
    id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
    if err := s.Store.DeleteSubscription(ctx, tenant, id); err != nil {
        writeError(w, r, err)
        return
    }
    w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) VersionHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, buildinfo.Info())
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    // Check DB connectivity when using Postgres store
    type pinger interface{ Ping() error }
    if pg, ok := s.Store.(pinger); ok {
        if err := pg.Ping(); err != nil {
            writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
            return
        }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}
