package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SHUTTLE_HTTP_ADDR", "")
	t.Setenv("SHUTTLE_RETRY_MAX_ATTEMPTS", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.HTTP.Addr)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay != 200*time.Millisecond {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if cfg.Checkout.Currency != "EUR" {
		t.Fatalf("unexpected currency %q", cfg.Checkout.Currency)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SHUTTLE_HTTP_ADDR", ":9090")
	t.Setenv("SHUTTLE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("SHUTTLE_SESSION_COOLDOWN", "30s")
	t.Setenv("SHUTTLE_RETRY_JITTER", "not-a-number")
	cfg, _ := Load()
	if cfg.HTTP.Addr != ":9090" || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Session.Cooldown != 30*time.Second {
		t.Fatalf("unexpected cooldown %v", cfg.Session.Cooldown)
	}
	if cfg.Retry.Jitter != 0.2 {
		t.Fatalf("invalid float should fall back to default, got %v", cfg.Retry.Jitter)
	}
}
