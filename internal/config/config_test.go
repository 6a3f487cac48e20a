package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/arbiterai/arbiter/internal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arbiter.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  addr: \":9000\"\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Selector.DefaultRatio != 50 || cfg.Selector.MetricsWindow != 10 {
		t.Errorf("selector defaults = %+v", cfg.Selector)
	}
	if cfg.Accounting.TimeLimit != 30*time.Second {
		t.Errorf("accounting defaults = %+v", cfg.Accounting)
	}
	if cfg.Database.DSN != "arbiter.db" {
		t.Errorf("dsn = %s", cfg.Database.DSN)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("ARBITER_TEST_SECRET", "s3cret")
	cfg, err := Load(writeConfig(t, "webhook:\n  secret: ${ARBITER_TEST_SECRET}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Webhook.Secret != "s3cret" {
		t.Errorf("secret = %q, want expanded env", cfg.Webhook.Secret)
	}
}

func TestModelEntryVariantDefaults(t *testing.T) {
	v := ModelEntry{ModelID: "m", Provider: "p"}.Variant()
	if v.ProviderModelID != "m" {
		t.Errorf("provider_model_id = %s, want model_id fallback", v.ProviderModelID)
	}
	if v.Adapter != gateway.AdapterOpenAI {
		t.Errorf("adapter = %s, want openai default", v.Adapter)
	}
	if v.PricingMethod != gateway.PricingStandard {
		t.Errorf("pricing = %s, want standard default", v.PricingMethod)
	}
}

func TestFamilyEntryEnabledDefault(t *testing.T) {
	f := FamilyEntry{FamilyID: "F1"}.Family()
	if !f.Enabled {
		t.Error("family not enabled by default")
	}
}
