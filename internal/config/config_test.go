package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "WEBHOOK_TOLERANCE_SECONDS")
	unsetEnvWithCleanup(t, "QUOTE_VALIDITY_HOURS")
	unsetEnvWithCleanup(t, "EXPIRY_SWEEP_SCHEDULE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.WebhookToleranceSeconds != 300 {
		t.Fatalf("expected default WebhookToleranceSeconds to be 300, got %d", cfg.WebhookToleranceSeconds)
	}
	if cfg.QuoteValidityHours != 168 {
		t.Fatalf("expected default QuoteValidityHours to be 168, got %d", cfg.QuoteValidityHours)
	}
	if cfg.ExpirySweepSchedule != "*/5 * * * *" {
		t.Fatalf("expected default ExpirySweepSchedule, got %q", cfg.ExpirySweepSchedule)
	}
}

func TestLoadConfig_NegativeFeeRatesCoercedToZero(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "TAX_RATE_BPS", "-100")
	setEnvWithCleanup(t, "PLATFORM_FEE_BPS", "-50")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.TaxRateBps != 0 {
		t.Fatalf("expected negative TaxRateBps to be coerced to 0, got %d", cfg.TaxRateBps)
	}
	if cfg.PlatformFeeBps != 0 {
		t.Fatalf("expected negative PlatformFeeBps to be coerced to 0, got %d", cfg.PlatformFeeBps)
	}
}

func TestLoadConfig_QuoteRedisURLAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "REDIS_URL")
	setEnvWithCleanup(t, "QUOTE_REDIS_URL", "redis://alias:6379")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RedisURL != "redis://alias:6379" {
		t.Fatalf("expected RedisURL from alias env var, got %q", cfg.RedisURL)
	}
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8080")
	setEnvWithCleanup(t, "PORT", "9999")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("expected PORT to take precedence, got %q", cfg.ServerPort)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
