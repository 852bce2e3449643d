package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("QUEUE_TOTAL_COUNTS_BOOKINGS", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.TotalCountsBookings {
		t.Fatalf("expected legacy counter semantics by default")
	}
	if cfg.IdempotencyTTL != 24*time.Hour {
		t.Fatalf("expected default idempotency ttl, got %s", cfg.IdempotencyTTL)
	}
	if cfg.OutboxBatchSize != 25 {
		t.Fatalf("expected default outbox batch, got %d", cfg.OutboxBatchSize)
	}
	if len(cfg.CORSAllowedOrigins) != 0 {
		t.Fatalf("expected no cors origins, got %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("QUEUE_TOTAL_COUNTS_BOOKINGS", "true")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("OUTBOX_POLL_INTERVAL", "500ms")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected override port, got %s", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://user@host/db" {
		t.Fatalf("expected db override, got %s", cfg.DatabaseURL)
	}
	if !cfg.TotalCountsBookings {
		t.Fatalf("expected bookings counter semantics")
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("expected rps override, got %v", cfg.RateLimitRPS)
	}
	if cfg.OutboxPollInterval != 500*time.Millisecond {
		t.Fatalf("expected poll interval override, got %s", cfg.OutboxPollInterval)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected cors origins %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("DB_MAX_CONNS", "many")
	t.Setenv("USE_MEMORY_STORE", "maybe")
	t.Setenv("QUEUE_DISPLAY_TTL", "forever")
	cfg := Load()
	if cfg.DBMaxConns != 10 {
		t.Fatalf("expected default max conns, got %d", cfg.DBMaxConns)
	}
	if cfg.UseMemoryStore {
		t.Fatalf("expected memory store disabled")
	}
	if cfg.DisplayCacheTTL != 36*time.Hour {
		t.Fatalf("expected default display ttl, got %s", cfg.DisplayCacheTTL)
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{ClinicTimezone: "Africa/Cairo"}
	if cfg.Location().String() != "Africa/Cairo" {
		t.Fatalf("expected Africa/Cairo, got %s", cfg.Location())
	}
	cfg.ClinicTimezone = "Not/AZone"
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
