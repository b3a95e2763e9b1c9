package config

import (
    "os"

    "gopkg.in/yaml.v3"

    "fleetplan/internal/model"
)

// Config carries process-level settings. Values come from an optional YAML
// file (CONFIG_FILE) with environment variables taking precedence, matching
// the env-first deployment style.
type Config struct {
    Addr        string `yaml:"addr"`
    DatabaseURL string `yaml:"databaseUrl"`
    RedisURL    string `yaml:"redisUrl"`
    MapboxToken string `yaml:"mapboxToken"`

    // Defaults seeds the policy applied to tenants with no stored policy.
    Defaults *model.TenantPolicy `yaml:"defaults,omitempty"`
}

// Load reads CONFIG_FILE when set, then applies env overrides.
func Load() (Config, error) {
    cfg := Config{Addr: ":8080"}
    if path := os.Getenv("CONFIG_FILE"); path != "" {
        data, err := os.ReadFile(path)
        if err != nil {
            return cfg, err
        }
        if err := yaml.Unmarshal(data, &cfg); err != nil {
            return cfg, err
        }
    }
    if v := os.Getenv("PORT"); v != "" {
        cfg.Addr = ":" + v
    }
    if v := os.Getenv("DATABASE_URL"); v != "" {
        cfg.DatabaseURL = v
    }
    if v := os.Getenv("REDIS_URL"); v != "" {
        cfg.RedisURL = v
    }
    if v := os.Getenv("MAPBOX_TOKEN"); v != "" {
        cfg.MapboxToken = v
    }
    return cfg, nil
}
