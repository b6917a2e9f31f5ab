package config

import (
	"testing"
	"time"
)

func TestLoadCreditSettings(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("CREDIT_NOTICE_DAYS", "3")
	t.Setenv("CREDIT_RETENTION_DAYS", "not-a-number")
	t.Setenv("CREDIT_NOTIFICATIONS_ENABLED", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()

	if cfg.DatabaseDriver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.NoticeWindow() != 3*24*time.Hour {
		t.Fatalf("unexpected notice window %s", cfg.NoticeWindow())
	}
	if cfg.CreditRetentionDays != 365 {
		t.Fatalf("expected retention default 365, got %d", cfg.CreditRetentionDays)
	}
	if cfg.CreditNotificationsEnabled {
		t.Fatal("expected notifications disabled")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}
