package api

import (
    "context"
    "net/http"
    "os"
    "strings"

    "fleetplan/internal/config"
    "fleetplan/internal/geocode"
    "fleetplan/internal/model"
    "fleetplan/internal/planner"
    "fleetplan/internal/store"
    "fleetplan/internal/webhooks"
)

type Server struct {
    Store   store.Store
    Planner *planner.Planner
    Pub     *webhooks.Publisher
    Geo     *geocode.Client
    Broker  EventBroker
}

// NewServer creates a Server. If DatabaseURL is unset, uses in-memory store.
func NewServer(cfg config.Config) (*Server, error) {
    type defaulter interface{ SetDefaultPolicy(model.TenantPolicy) }
    var s store.Store
    if strings.TrimSpace(cfg.DatabaseURL) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(cfg.DatabaseURL)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }
    if cfg.Defaults != nil {
        if d, ok := s.(defaulter); ok {
            d.SetDefaultPolicy(*cfg.Defaults)
        }
    }
    var broker EventBroker
    if cfg.RedisURL != "" {
        if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
            broker = rb
        } else {
            broker = NewBroker()
        }
    } else {
        broker = NewBroker()
    }
    var geoc *geocode.Client
    if cfg.MapboxToken != "" {
        geoc = geocode.NewClient(cfg.MapboxToken)
    }
    return &Server{
        Store:   s,
        Planner: planner.New(s),
        Pub:     webhooks.NewPublisher(s),
        Geo:     geoc,
        Broker:  broker,
    }, nil
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
    tenant := r.Header.Get("X-Tenant-Id")
    if tenant == "" {
        tenant = "t_demo"
    }
    ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
    return ctx, tenant
}

type ctxKeyTenant struct{}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}
