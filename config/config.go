// Package config loads the routerd configuration: a TOML file with
// PascalCase keys, overlaid by ROUTER_* environment variables (env wins).
// A missing file is replaced by a generated default with a fresh signing key.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"infermesh/crypto"
)

// Duration is a TOML-friendly duration accepting Go duration strings.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the routerd configuration tree.
type Config struct {
	// RouterID names this router across the mesh. Control messages and
	// receipts carry it; changing it orphans announced state.
	RouterID string `toml:"RouterID"`
	// KeyID optionally pins the expected public key. Load fails when the
	// resolved signing key derives a different id.
	KeyID    string `toml:"KeyID"`
	Endpoint string `toml:"Endpoint"`
	// ListenPort is the public HTTP port.
	ListenPort int `toml:"ListenPort"`
	// KeyFile holds the signing key (PKCS#8 PEM or nsec). PrivateKey, when
	// set, takes precedence and carries the material inline.
	KeyFile    string `toml:"KeyFile"`
	PrivateKey string `toml:"PrivateKey"`
	// StateFile is the JSON snapshot the router restarts from.
	StateFile       string   `toml:"StateFile"`
	PersistInterval Duration `toml:"PersistInterval"`

	Payments   Payments   `toml:"Payments"`
	Replay     Replay     `toml:"Replay"`
	Scheduler  Scheduler  `toml:"Scheduler"`
	Registry   Registry   `toml:"Registry"`
	Offload    Offload    `toml:"Offload"`
	Federation Federation `toml:"Federation"`
	Admin      Admin      `toml:"Admin"`
	RateLimit  RateLimit  `toml:"RateLimit"`
	Recon      Recon      `toml:"Recon"`

	// Warnings collects non-fatal findings (unknown keys) for the caller
	// to log.
	Warnings []string `toml:"-"`
}

// Payments tunes the HTTP 402 flow.
type Payments struct {
	Require      bool     `toml:"Require"`
	FeeBps       int      `toml:"FeeBps"`
	ChallengeTTL Duration `toml:"ChallengeTTL"`
	// AdapterURL points at the Lightning adapter minting and verifying
	// invoices; empty runs without external settlement checks.
	AdapterURL string `toml:"AdapterURL"`
	// AuditDB is the sqlite receipt/settlement audit path; empty disables.
	AuditDB string `toml:"AuditDB"`
}

// Replay selects the nonce store backend.
type Replay struct {
	// Store is one of memory, file, leveldb.
	Store  string   `toml:"Store"`
	File   string   `toml:"File"`
	DB     string   `toml:"DB"`
	Window Duration `toml:"Window"`
}

// Scheduler carries the scoring weights and quote lifetime.
type Scheduler struct {
	PriceWeight float64  `toml:"PriceWeight"`
	LoadWeight  float64  `toml:"LoadWeight"`
	TrustWeight float64  `toml:"TrustWeight"`
	QuoteTTL    Duration `toml:"QuoteTTL"`
}

// Registry tunes node liveness and health cooldowns.
type Registry struct {
	HeartbeatTTL     Duration `toml:"HeartbeatTTL"`
	FailureThreshold int      `toml:"FailureThreshold"`
	CooldownBase     Duration `toml:"CooldownBase"`
	CooldownCap      Duration `toml:"CooldownCap"`
}

// Offload tunes the backpressure controller.
type Offload struct {
	Threshold    float64 `toml:"Threshold"`
	MaxOffloads  int     `toml:"MaxOffloads"`
	Mode         string  `toml:"Mode"`
	MaxPriceMsat int64   `toml:"MaxPriceMsat"`
}

// Federation configures the relay mesh. An empty RelayBootstrap runs the
// router standalone.
type Federation struct {
	// RelayBootstrap is a comma list of wss:// URLs, a relays.yaml path,
	// or a dns+txt://name record.
	RelayBootstrap string   `toml:"RelayBootstrap"`
	Aggregators    []string `toml:"Aggregators"`
	MinRelayTrust  float64  `toml:"MinRelayTrust"`
	AuctionTimeout Duration `toml:"AuctionTimeout"`
	CapsInterval   Duration `toml:"CapsInterval"`
	PriceInterval  Duration `toml:"PriceInterval"`
	StatusInterval Duration `toml:"StatusInterval"`
}

// Admin gates the /admin surface. An empty secret leaves it unmounted.
type Admin struct {
	JWTSecret string `toml:"JWTSecret"`
}

// RateLimit bounds per-client request rates on the public surface.
type RateLimit struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Recon configures the federation history store and report exports.
type Recon struct {
	DSN       string `toml:"DSN"`
	ExportDir string `toml:"ExportDir"`
}

func defaults() *Config {
	return &Config{
		ListenPort:      8080,
		StateFile:       "router-state.json",
		PersistInterval: Duration(5 * time.Second),
		Payments: Payments{
			FeeBps:       100,
			ChallengeTTL: Duration(60 * time.Second),
		},
		Replay: Replay{
			Store:  "memory",
			Window: Duration(5 * time.Minute),
		},
		Scheduler: Scheduler{
			PriceWeight: 1.0,
			LoadWeight:  0.5,
			TrustWeight: 0.2,
			QuoteTTL:    Duration(60 * time.Second),
		},
		Registry: Registry{
			HeartbeatTTL:     Duration(60 * time.Second),
			FailureThreshold: 3,
			CooldownBase:     Duration(10 * time.Second),
			CooldownCap:      Duration(10 * time.Minute),
		},
		Offload: Offload{
			Threshold:   0.75,
			MaxOffloads: 4,
			Mode:        "auction",
		},
		Federation: Federation{
			MinRelayTrust:  0.5,
			AuctionTimeout: Duration(500 * time.Millisecond),
			CapsInterval:   Duration(30 * time.Second),
			PriceInterval:  Duration(60 * time.Second),
			StatusInterval: Duration(5 * time.Second),
		},
		RateLimit: RateLimit{
			RequestsPerMinute: 300,
			Burst:             50,
		},
	}
}

// Load reads the configuration at path, creating a default file (and signing
// key) when it does not exist, then applies the environment overlay and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path, cfg); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		for _, undecoded := range meta.Undecoded() {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("unknown config key %s", undecoded.String()))
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// createDefault writes a starter config next to a freshly generated Ed25519
// signing key and derives the router id from it.
func createDefault(path string, cfg *Config) error {
	key, err := crypto.GenerateEd25519()
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	keyPath := defaultKeyPath(path)
	if err := crypto.SaveKeyFile(keyPath, key); err != nil {
		return fmt.Errorf("save signing key: %w", err)
	}
	cfg.KeyFile = keyPath
	cfg.RouterID = "router-" + key.KeyID()[:8]
	return persist(path, cfg)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeyPath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "router.key")
}

// LoadKey resolves the router's signing key from the inline material or the
// key file, and checks it against the pinned KeyID when one is configured.
func (c *Config) LoadKey() (*crypto.PrivateKey, error) {
	var key *crypto.PrivateKey
	var err error
	switch {
	case strings.TrimSpace(c.PrivateKey) != "":
		key, err = crypto.ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse inline signing key: %w", err)
		}
	case strings.TrimSpace(c.KeyFile) != "":
		key, err = crypto.LoadKeyFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load signing key %s: %w", c.KeyFile, err)
		}
	default:
		return nil, fmt.Errorf("no signing key configured: set KeyFile or ROUTER_PRIVATE_KEY_PEM")
	}
	if pinned := strings.TrimSpace(c.KeyID); pinned != "" && pinned != key.KeyID() {
		return nil, fmt.Errorf("signing key id %s does not match pinned KeyID %s", key.KeyID(), pinned)
	}
	return key, nil
}

// SafeView is the admin-facing subset of the configuration: runtime knobs
// without key material or secrets.
func (c *Config) SafeView() map[string]any {
	return map[string]any{
		"routerId":         c.RouterID,
		"endpoint":         c.Endpoint,
		"listenPort":       c.ListenPort,
		"stateFile":        c.StateFile,
		"persistInterval":  c.PersistInterval.Std().String(),
		"requirePayment":   c.Payments.Require,
		"feeBps":           c.Payments.FeeBps,
		"challengeTtl":     c.Payments.ChallengeTTL.Std().String(),
		"replayStore":      c.Replay.Store,
		"replayWindow":     c.Replay.Window.Std().String(),
		"heartbeatTtl":     c.Registry.HeartbeatTTL.Std().String(),
		"weights":          map[string]float64{"price": c.Scheduler.PriceWeight, "load": c.Scheduler.LoadWeight, "trust": c.Scheduler.TrustWeight},
		"offloadThreshold": c.Offload.Threshold,
		"maxOffloads":      c.Offload.MaxOffloads,
		"offloadMode":      c.Offload.Mode,
		"relayBootstrap":   c.Federation.RelayBootstrap,
		"auctionTimeout":   c.Federation.AuctionTimeout.Std().String(),
	}
}
