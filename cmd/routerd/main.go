// Command routerd runs one inference router: the signed HTTP gateway, the
// node registry and scheduler, the 402 payment engine, and, when relays are
// configured, the federation control plane with offload.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"infermesh/config"
	"infermesh/federation"
	"infermesh/federation/relay"
	"infermesh/gateway"
	"infermesh/gateway/middleware"
	"infermesh/observability/logging"
	telemetry "infermesh/observability/otel"
	"infermesh/payments"
	"infermesh/pool"
	"infermesh/protocol"
	"infermesh/recon"
	"infermesh/registry"
	"infermesh/replay"
	"infermesh/scheduler"
	"infermesh/storage"
)

// version is stamped by the release build.
var version = "dev"

// Exit codes follow sysexits: 64 for configuration errors, 74 for state I/O
// failures, 70 for everything else fatal.
const (
	exitOK     = 0
	exitConfig = 64
	exitFatal  = 70
	exitIO     = 74
)

const (
	sweepInterval    = 15 * time.Second
	bootstrapTimeout = 10 * time.Second
	// defaultEstTokens prices RFBs that carry no token estimate.
	defaultEstTokens = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Listen address override (host:port)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ROUTER_ENV"))
	logger := logging.Setup("routerd", env, logging.Options{
		File:  os.Getenv("ROUTER_LOG_FILE"),
		Level: os.Getenv("ROUTER_LOG_LEVEL"),
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("routerd", env))
	if err != nil {
		logger.Error("failed to initialise telemetry", "err", err)
		return exitFatal
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "path", *configFile, "err", err)
		return exitConfig
	}
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	key, err := cfg.LoadKey()
	if err != nil {
		logger.Error("failed to load signing key", "err", err)
		return exitConfig
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Error("failed to compile payload schemas", "err", err)
		return exitFatal
	}

	nonces, err := openReplayStore(cfg)
	if err != nil {
		logger.Error("failed to open replay store", "store", cfg.Replay.Store, "err", err)
		return exitIO
	}
	defer nonces.Close()

	verifier := pool.New(validator, nonces, pool.Config{})
	defer verifier.Close()

	nodes := registry.New(registry.Config{
		HeartbeatTTL: cfg.Registry.HeartbeatTTL.Std(),
		Health: registry.HealthConfig{
			FailureThreshold: cfg.Registry.FailureThreshold,
			CooldownBase:     cfg.Registry.CooldownBase.Std(),
			CooldownCap:      cfg.Registry.CooldownCap.Std(),
		},
	})

	var adapter payments.Adapter
	if adapterURL := strings.TrimSpace(cfg.Payments.AdapterURL); adapterURL != "" {
		adapter = payments.NewHTTPAdapter(adapterURL)
	}
	var audit *payments.AuditStore
	if path := strings.TrimSpace(cfg.Payments.AuditDB); path != "" {
		audit, err = payments.NewAuditStore(path)
		if err != nil {
			// The audit trail is an operator aid; the payment flow itself
			// does not depend on it.
			logger.Warn("payment audit disabled", "path", path, "err", err)
			audit = nil
		} else {
			defer audit.Close()
		}
	}
	pay := payments.NewEngine(payments.Config{
		RouterID:     cfg.RouterID,
		Key:          key,
		FeeBps:       cfg.Payments.FeeBps,
		ChallengeTTL: cfg.Payments.ChallengeTTL.Std(),
		Adapter:      adapter,
		Audit:        audit,
		Logger:       logger,
	})

	directory := federation.NewDirectory(0, nil)

	var fed *federation.Engine
	var offloader *federation.Offloader
	if bootstrap := strings.TrimSpace(cfg.Federation.RelayBootstrap); bootstrap != "" {
		seedCtx, cancelSeeds := context.WithTimeout(context.Background(), bootstrapTimeout)
		seeds, err := relay.Load(seedCtx, bootstrap, relay.LoadOptions{})
		cancelSeeds()
		if err != nil {
			logger.Error("failed to resolve relay bootstrap", "source", bootstrap, "err", err)
			return exitConfig
		}
		markAggregators(seeds, cfg.Federation.Aggregators)
		relays := relay.New(relay.Config{
			Relays:   seeds,
			MinTrust: cfg.Federation.MinRelayTrust,
			Kinds:    protocol.ControlKinds(),
			Logger:   logger,
		})
		fed, err = federation.New(federation.Config{
			RouterID:       cfg.RouterID,
			Key:            key,
			Relays:         relays,
			Directory:      directory,
			CapsInterval:   cfg.Federation.CapsInterval.Std(),
			PriceInterval:  cfg.Federation.PriceInterval.Std(),
			StatusInterval: cfg.Federation.StatusInterval.Std(),
			AuctionTimeout: cfg.Federation.AuctionTimeout.Std(),
			CapsSource:     capsSource(cfg, key.KeyID(), nodes),
			PriceSource:    priceSource(nodes),
			StatusSource:   statusSource(nodes),
			BidPolicy:      bidPolicy(nodes, cfg.Offload.Threshold),
			Logger:         logger,
		})
		if err != nil {
			logger.Error("failed to build federation engine", "err", err)
			return exitFatal
		}
		offloader = federation.NewOffloader(fed, federation.OffloadConfig{
			Threshold:    cfg.Offload.Threshold,
			MaxOffloads:  cfg.Offload.MaxOffloads,
			Mode:         cfg.Offload.Mode,
			MaxPriceMsat: cfg.Offload.MaxPriceMsat,
			LoadSource:   nodes.LoadFactor,
			Logger:       logger,
		})
	}

	var reconStore *recon.Store
	var exporter *recon.Exporter
	if dsn := strings.TrimSpace(cfg.Recon.DSN); dsn != "" {
		reconStore, err = recon.Open(dsn, logger)
		if err != nil {
			logger.Error("failed to open recon store", "err", err)
			return exitIO
		}
		defer reconStore.Close()
		exporter = recon.NewExporter(reconStore, cfg.Recon.ExportDir, logger)
	}

	store, err := storage.New(storage.Config{
		Path:     cfg.StateFile,
		Interval: cfg.PersistInterval.Std(),
		Collect: func() storage.Snapshot {
			return storage.Snapshot{
				RouterID: cfg.RouterID,
				Registry: nodes.Snapshot(),
				Payments: pay.Snapshot(),
				Peers:    directory.Snapshot(),
			}
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build snapshot store", "path", cfg.StateFile, "err", err)
		return exitIO
	}
	if snap, err := store.Load(); err != nil {
		logger.Warn("state snapshot unreadable, starting empty", "path", cfg.StateFile, "err", err)
	} else if snap != nil {
		nodes.Restore(snap.Registry)
		pay.Restore(snap.Payments)
		directory.Restore(snap.Peers)
		logger.Info("state restored", "path", cfg.StateFile,
			"nodes", len(snap.Registry.Nodes), "requests", len(snap.Payments.Requests), "peers", len(snap.Peers))
	}

	listen := strings.TrimSpace(*listenFlag)
	if listen == "" {
		listen = fmt.Sprintf(":%d", cfg.ListenPort)
	}
	gwCfg := gateway.Config{
		RouterID:       cfg.RouterID,
		Endpoint:       cfg.Endpoint,
		ListenAddress:  listen,
		Key:            key,
		RequirePayment: cfg.Payments.Require,
		QuoteTTL:       cfg.Scheduler.QuoteTTL.Std(),
		Weights: scheduler.Weights{
			Price: cfg.Scheduler.PriceWeight,
			Load:  cfg.Scheduler.LoadWeight,
			Trust: cfg.Scheduler.TrustWeight,
		},
		Registry:    nodes,
		Pool:        verifier,
		Payments:    pay,
		Store:       store,
		Recon:       reconStore,
		Exporter:    exporter,
		ConfigView:  cfg.SafeView,
		AdminSecret: cfg.Admin.JWTSecret,
		RateLimit: middleware.Limit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	}
	if fed != nil {
		gwCfg.Federation = fed
		gwCfg.Offloader = offloader
		gwCfg.Peers = federation.NewPeerClient(0)
	}
	gw, err := gateway.New(gwCfg)
	if err != nil {
		logger.Error("failed to build gateway", "err", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.Start(ctx)
	if fed != nil {
		fed.Start(ctx)
		offloader.Start(ctx)
	}
	go sweepChallenges(ctx, pay, store, logger)

	mode := "standalone"
	if fed != nil {
		mode = "federated"
	}
	logger.Info("router initialised",
		"routerId", cfg.RouterID, "keyId", key.KeyID(), "mode", mode, "listen", listen, "version", version)

	if err := gw.Run(ctx); err != nil {
		logger.Error("gateway terminated", "err", err)
		return exitFatal
	}

	if fed != nil {
		if err := offloader.Close(); err != nil {
			logger.Warn("offloader close failed", "err", err)
		}
		if err := fed.Close(); err != nil {
			logger.Warn("federation close failed", "err", err)
		}
	}
	if err := store.Close(); err != nil {
		logger.Error("final snapshot failed", "path", cfg.StateFile, "err", err)
		return exitIO
	}
	logger.Info("router stopped")
	return exitOK
}

func openReplayStore(cfg *config.Config) (replay.Store, error) {
	opts := replay.Options{Window: cfg.Replay.Window.Std()}
	switch cfg.Replay.Store {
	case "file":
		return replay.NewFile(cfg.Replay.File, opts)
	case "leveldb":
		return replay.OpenLevelDB(cfg.Replay.DB, opts)
	default:
		return replay.NewMemory(opts), nil
	}
}

// markAggregators flags the configured URLs as receipt-summary sinks. YAML
// bootstrap entries may already carry the flag per relay; CSV and DNS sources
// rely on this list.
func markAggregators(relays []relay.Relay, urls []string) {
	if len(urls) == 0 {
		return
	}
	want := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		normalized, err := relay.NormalizeURL(u)
		if err != nil {
			continue
		}
		want[normalized] = struct{}{}
	}
	for i := range relays {
		normalized, err := relay.NormalizeURL(relays[i].URL)
		if err != nil {
			continue
		}
		if _, ok := want[normalized]; ok {
			relays[i].Aggregator = true
		}
	}
}

// sweepChallenges turns unpaid challenges EXPIRED in the background so status
// probes and snapshots see the terminal state without waiting for a retry.
func sweepChallenges(ctx context.Context, pay *payments.Engine, store *storage.Store, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := pay.SweepExpired(); expired > 0 {
				logger.Debug("challenges expired", "count", expired)
				store.Request()
			}
		}
	}
}

// capsSource summarizes the active fleet as this router's serving surface.
func capsSource(cfg *config.Config, keyID string, nodes *registry.Registry) func() protocol.CapabilityProfile {
	return func() protocol.CapabilityProfile {
		active := nodes.Active()
		models := make([]string, 0, len(active))
		regions := make([]string, 0, 2)
		seenModels := make(map[string]struct{})
		seenRegions := make(map[string]struct{})
		maxConcurrent := 0
		for _, node := range active {
			maxConcurrent += node.Capacity.MaxConcurrent
			for _, capability := range node.Capabilities {
				if _, ok := seenModels[capability.ModelID]; ok {
					continue
				}
				seenModels[capability.ModelID] = struct{}{}
				models = append(models, capability.ModelID)
			}
			if node.Region == "" {
				continue
			}
			if _, ok := seenRegions[node.Region]; ok {
				continue
			}
			seenRegions[node.Region] = struct{}{}
			regions = append(regions, node.Region)
		}
		sort.Strings(models)
		sort.Strings(regions)
		return protocol.CapabilityProfile{
			KeyID:         keyID,
			Endpoint:      cfg.Endpoint,
			Models:        models,
			Regions:       regions,
			MaxConcurrent: maxConcurrent,
			Version:       version,
		}
	}
}

// priceSource publishes one sheet entry per servable model: the cheapest
// active node's per-token rate, taking the higher of input and output so the
// announced price never undercuts an actual quote.
func priceSource(nodes *registry.Registry) func() []protocol.PriceAnnounce {
	return func() []protocol.PriceAnnounce {
		cheapest := make(map[string]float64)
		for _, node := range nodes.Active() {
			for _, capability := range node.Capabilities {
				rate := capability.Pricing.InputRate
				if capability.Pricing.OutputRate > rate {
					rate = capability.Pricing.OutputRate
				}
				if current, ok := cheapest[capability.ModelID]; !ok || rate < current {
					cheapest[capability.ModelID] = rate
				}
			}
		}
		entries := make([]protocol.PriceAnnounce, 0, len(cheapest))
		for modelID, rate := range cheapest {
			entries = append(entries, protocol.PriceAnnounce{JobType: modelID, PricePerToken: rate})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].JobType < entries[j].JobType })
		return entries
	}
}

func statusSource(nodes *registry.Registry) func() protocol.StatusAnnounce {
	return func() protocol.StatusAnnounce {
		return protocol.StatusAnnounce{
			LoadFactor:  nodes.LoadFactor(),
			ActiveNodes: nodes.ActiveCount(),
		}
	}
}

// bidPolicy prices a peer's RFB off the cheapest active node serving the
// model. The router declines when it is near saturation itself or when the
// computed price exceeds the issuer's cap.
func bidPolicy(nodes *registry.Registry, saturation float64) func(protocol.RFB) (protocol.Bid, bool) {
	return func(rfb protocol.RFB) (protocol.Bid, bool) {
		if nodes.LoadFactor() >= saturation {
			return protocol.Bid{}, false
		}
		var rate float64
		var etaMs int64
		found := false
		for _, node := range nodes.Active() {
			for _, capability := range node.Capabilities {
				if capability.ModelID != rfb.ModelID {
					continue
				}
				candidate := capability.Pricing.InputRate
				if capability.Pricing.OutputRate > candidate {
					candidate = capability.Pricing.OutputRate
				}
				if !found || candidate < rate {
					rate = candidate
					etaMs = capability.LatencyEstimateMs
					found = true
				}
			}
		}
		if !found {
			return protocol.Bid{}, false
		}
		estTokens := rfb.EstTokens
		if estTokens <= 0 {
			estTokens = defaultEstTokens
		}
		priceMsat := int64(rate * float64(estTokens) * 1000)
		if priceMsat < 1000 {
			priceMsat = 1000
		}
		if rfb.MaxPriceMsat > 0 && priceMsat > rfb.MaxPriceMsat {
			return protocol.Bid{}, false
		}
		return protocol.Bid{PriceMsat: priceMsat, EtaMs: etaMs}, true
	}
}
