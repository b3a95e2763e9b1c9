package main

import (
    "bufio"
    "log"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/joho/godotenv"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "fleetplan/internal/api"
    "fleetplan/internal/config"
    "fleetplan/internal/metrics"
)

func main() {
    _ = godotenv.Load()

    cfg, err := config.Load()
    if err != nil {
        log.Fatalf("failed to load config: %v", err)
    }
    srvDeps, err := api.NewServer(cfg)
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }
    metrics.RegisterDefault()

    mux := http.NewServeMux()

    // Regions
    mux.HandleFunc("/v1/regions", srvDeps.RegionsHandler)
    mux.HandleFunc("/v1/regions/match", srvDeps.RegionMatchHandler)
    mux.HandleFunc("/v1/regions/", srvDeps.RegionByIDHandler) // includes /addresses

    // Scheduling
    mux.HandleFunc("/v1/deliveries", srvDeps.ScheduleHandler)
    mux.HandleFunc("/v1/deliveries/", srvDeps.DeliveryByIDHandler)
    mux.HandleFunc("/v1/suggestions", srvDeps.SuggestionsHandler)
    mux.HandleFunc("/v1/capacity", srvDeps.CapacityHandler)

    // Orders
    mux.HandleFunc("/v1/orders", srvDeps.OrdersHandler)
    mux.HandleFunc("/v1/orders/", srvDeps.OrderByIDHandler)

    // Fleet
    mux.HandleFunc("/v1/employees", srvDeps.EmployeesHandler)
    mux.HandleFunc("/v1/employees/", srvDeps.AvailabilityHandler)
    mux.HandleFunc("/v1/trucks", srvDeps.TrucksHandler)
    mux.HandleFunc("/v1/trucks/", srvDeps.TruckByIDHandler)

    // Runs
    mux.HandleFunc("/v1/runs", srvDeps.RunsHandler)
    mux.HandleFunc("/v1/runs/", srvDeps.RunByIDHandler)

    // Tenant policy, subscriptions, live dispatch stream
    mux.HandleFunc("/v1/policy", srvDeps.PolicyHandler)
    mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
    mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)
    mux.HandleFunc("/v1/dispatch/stream", srvDeps.DispatchStreamHandler)

    // Health, version, metrics
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.HandleFunc("/version", srvDeps.VersionHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    srv := &http.Server{
        Addr:              cfg.Addr,
        Handler:           logMiddleware(mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    log.Printf("API listening on %s", cfg.Addr)
    worker := srvDeps.NewWebhookWorker()
    worker.Start()
    if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        log.Fatalf("server error: %v", err)
    }
}

type statusRecorder struct {
    http.ResponseWriter
    status int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok {
        return nil, nil, http.ErrNotSupported
    }
    return h.Hijack()
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, status: 200}
        next.ServeHTTP(rec, r)
        dur := time.Since(start)
        code := strconv.Itoa(rec.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, code).Observe(dur.Seconds())
        log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, rec.status, dur)
    })
}
