package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreRunnable(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatal("empty config must yield defaults")
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("addr default: %s", cfg.HTTP.Addr)
	}
	if cfg.Store.DSN != "" {
		t.Fatal("default store is in-memory")
	}
	sum := cfg.Dispatch.SkillWeight + cfg.Dispatch.TravelWeight + cfg.Dispatch.WorkloadWeight +
		cfg.Dispatch.HistoryWeight + cfg.Dispatch.LocationAgeWeight
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("default weights must sum to 1, got %v", sum)
	}
	if cfg.Dispatch.TravelCeilingMin != 60 {
		t.Fatalf("travel ceiling default: %d", cfg.Dispatch.TravelCeilingMin)
	}
	if cfg.Travel.CacheTTLMin < 5 || cfg.Travel.CacheTTLMin > 15 {
		t.Fatalf("cache ttl default out of bounds: %d", cfg.Travel.CacheTTLMin)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := writeConfig(t, "app.yaml", `
http:
  addr: ":9090"
dispatch:
  travelCeilingMin: 45
mqtt:
  broker: tcp://broker:1883
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("addr override lost: %s", cfg.HTTP.Addr)
	}
	if cfg.Dispatch.TravelCeilingMin != 45 {
		t.Fatalf("ceiling override lost: %d", cfg.Dispatch.TravelCeilingMin)
	}
	if cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Fatalf("mqtt override lost: %s", cfg.MQTT.Broker)
	}
	// Untouched sections still get defaults.
	if cfg.Webhook.MaxAttempts != 10 {
		t.Fatalf("webhook defaults missing: %d", cfg.Webhook.MaxAttempts)
	}
}

func TestLoadRejectsBadWeights(t *testing.T) {
	path := writeConfig(t, "app.yaml", `
dispatch:
  skillWeight: 0.9
  travelWeight: 0.9
  workloadWeight: 0.1
  historyWeight: 0.1
  locationAgeWeight: 0.1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("weights not summing to 1 must fail validation")
	}
}

func TestLoadRejectsCacheTTLOutOfBounds(t *testing.T) {
	path := writeConfig(t, "app.yaml", `
travel:
  cacheTtlMin: 30
`)
	if _, err := Load(path); err == nil {
		t.Fatal("cache ttl above 15 minutes must fail validation")
	}
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeConfig(t, "app.toml", "x = 1")
	if _, err := Load(path); err == nil {
		t.Fatal("unsupported config format must error")
	}
}
