package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"infermesh/crypto"
)

func TestLoadCreatesDefaultWithKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.KeyFile == "" {
		t.Fatal("default config carries no key file")
	}
	key, err := cfg.LoadKey()
	if err != nil {
		t.Fatalf("load generated key: %v", err)
	}
	if cfg.RouterID != "router-"+key.KeyID()[:8] {
		t.Fatalf("router id %q not derived from key %q", cfg.RouterID, key.KeyID())
	}
	if cfg.ListenPort != 8080 || cfg.Replay.Store != "memory" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	// A second load round-trips the persisted file.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.RouterID != cfg.RouterID || again.KeyFile != cfg.KeyFile {
		t.Fatalf("reload differs: %+v vs %+v", again, cfg)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
RouterID = "router-file"
Endpoint = "http://router.test:8080"
ListenPort = 9090
KeyFile = "router.key"

[Payments]
Require = false
FeeBps = 250
ChallengeTTL = "90s"

[Replay]
Store = "file"
File = "nonces.json"
Window = "2m"

[Federation]
RelayBootstrap = "wss://relay-a.test"
Aggregators = ["wss://agg.test"]
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ROUTER_ID", "router-env")
	t.Setenv("ROUTER_PORT", "7070")
	t.Setenv("ROUTER_REQUIRE_PAYMENT", "true")
	t.Setenv("ROUTER_REPLAY_WINDOW_MS", "30000")
	t.Setenv("ROUTER_OFFLOAD_THRESHOLD", "0.9")
	t.Setenv("ROUTER_RELAY_AGGREGATORS", "wss://agg-1.test, wss://agg-2.test")
	t.Setenv("LN_ADAPTER_URL", "http://ln.test:9735")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RouterID != "router-env" {
		t.Fatalf("env did not win for RouterID: %q", cfg.RouterID)
	}
	if cfg.ListenPort != 7070 {
		t.Fatalf("ListenPort = %d, want 7070", cfg.ListenPort)
	}
	if !cfg.Payments.Require || cfg.Payments.FeeBps != 250 {
		t.Fatalf("payments = %+v", cfg.Payments)
	}
	if cfg.Payments.ChallengeTTL.Std() != 90*time.Second {
		t.Fatalf("challenge ttl = %v", cfg.Payments.ChallengeTTL.Std())
	}
	if cfg.Payments.AdapterURL != "http://ln.test:9735" {
		t.Fatalf("adapter url = %q", cfg.Payments.AdapterURL)
	}
	if cfg.Replay.Window.Std() != 30*time.Second {
		t.Fatalf("replay window = %v, want 30s from env ms", cfg.Replay.Window.Std())
	}
	if cfg.Offload.Threshold != 0.9 {
		t.Fatalf("offload threshold = %v", cfg.Offload.Threshold)
	}
	want := []string{"wss://agg-1.test", "wss://agg-2.test"}
	if len(cfg.Federation.Aggregators) != 2 || cfg.Federation.Aggregators[0] != want[0] || cfg.Federation.Aggregators[1] != want[1] {
		t.Fatalf("aggregators = %v, want %v", cfg.Federation.Aggregators, want)
	}
	if cfg.Federation.RelayBootstrap != "wss://relay-a.test" {
		t.Fatalf("file value lost: %q", cfg.Federation.RelayBootstrap)
	}
}

func TestLoadWarnsOnUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
RouterID = "router-x"
KeyFile = "router.key"
LegacyReceiptMode = true
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Warnings) == 0 || !strings.Contains(cfg.Warnings[0], "LegacyReceiptMode") {
		t.Fatalf("warnings = %v", cfg.Warnings)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing router id", func(c *Config) { c.RouterID = "" }},
		{"bad port", func(c *Config) { c.ListenPort = 70000 }},
		{"fee over 100 percent", func(c *Config) { c.Payments.FeeBps = 10001 }},
		{"unknown replay store", func(c *Config) { c.Replay.Store = "redis" }},
		{"file store without path", func(c *Config) { c.Replay.Store = "file"; c.Replay.File = "" }},
		{"leveldb store without path", func(c *Config) { c.Replay.Store = "leveldb"; c.Replay.DB = "" }},
		{"zero weights", func(c *Config) {
			c.Scheduler.PriceWeight = 0
			c.Scheduler.LoadWeight = 0
			c.Scheduler.TrustWeight = 0
		}},
		{"threshold above one", func(c *Config) { c.Offload.Threshold = 1.5 }},
		{"bad offload mode", func(c *Config) { c.Offload.Mode = "broadcast" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaults()
			cfg.RouterID = "router-ok"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("validate accepted a broken config")
			}
		})
	}
}

func TestLoadKeyPinnedMismatch(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	keyPath := filepath.Join(dir, "router.key")
	if err := crypto.SaveKeyFile(keyPath, key); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg := defaults()
	cfg.RouterID = "router-ok"
	cfg.KeyFile = keyPath
	cfg.KeyID = strings.Repeat("b", 64)
	if _, err := cfg.LoadKey(); err == nil {
		t.Fatal("mismatched KeyID pin accepted")
	}

	cfg.KeyID = key.KeyID()
	loaded, err := cfg.LoadKey()
	if err != nil {
		t.Fatalf("load with matching pin: %v", err)
	}
	if loaded.KeyID() != key.KeyID() {
		t.Fatalf("key id = %q, want %q", loaded.KeyID(), key.KeyID())
	}
}

func TestSafeViewOmitsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.RouterID = "router-ok"
	cfg.PrivateKey = "super-secret"
	cfg.Admin.JWTSecret = "hmac-secret"
	view := cfg.SafeView()
	for k, v := range view {
		if s, ok := v.(string); ok && (strings.Contains(s, "super-secret") || strings.Contains(s, "hmac-secret")) {
			t.Fatalf("secret leaked through %s", k)
		}
	}
	if _, ok := view["feeBps"]; !ok {
		t.Fatal("feeBps missing from safe view")
	}
}
