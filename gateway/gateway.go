// Package gateway serves the router's HTTP surface: quoting, paid inference
// dispatch, node lifecycle, federation settlement, and the operator admin
// plane. Handlers admit signed envelopes through the verification pool and
// answer with router-signed envelopes or taxonomy errors.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"infermesh/crypto"
	"infermesh/federation"
	"infermesh/gateway/middleware"
	"infermesh/payments"
	"infermesh/pool"
	"infermesh/protocol"
	"infermesh/recon"
	"infermesh/registry"
	"infermesh/runner"
	"infermesh/scheduler"
	"infermesh/storage"
)

const (
	defaultQuoteTTL     = 60 * time.Second
	shutdownGrace       = 5 * time.Second
	settleTimeout       = 30 * time.Second
	consumeCacheLimit   = 1024
	defaultRunnerTTL    = 60 * time.Second
	defaultOutputTokens = 64
)

// OffloadController is the slice of the offload controller the HTTP surface
// drives: the saturation check on the hot path, and the admin knobs.
type OffloadController interface {
	ShouldOffload() bool
	Offload(ctx context.Context, rawBody []byte, modelID string, estTokens int) (*federation.Result, error)
	Threshold() float64
	SetThreshold(threshold float64)
	MaxOffloads() int
	SetMaxOffloads(n int)
	Mode() string
}

// FederationControl is the slice of the federation engine the HTTP surface
// drives: peer pushes, award bookkeeping, announcements, and the peer
// directory.
type FederationControl interface {
	HandleControl(ctx context.Context, msg *protocol.RouterControlMessage) error
	AnnounceNow(ctx context.Context)
	WonAward(jobHash string) (federation.WonAward, bool)
	TakeWonAward(jobHash string) (federation.WonAward, bool)
	IssuedAward(jobID string) (federation.IssuedAward, bool)
	SettleIssued(jobID string) bool
	IssuedAwards() []federation.IssuedAward
	Directory() *federation.Directory
}

// Config wires the server to the router subsystems. Store, Recon, Exporter,
// Federation, Offloader and Peers are optional; the matching surface
// degrades or stays unmounted when nil.
type Config struct {
	RouterID      string
	Endpoint      string
	ListenAddress string
	Key           *crypto.PrivateKey

	RequirePayment bool
	QuoteTTL       time.Duration
	Weights        scheduler.Weights

	Registry   *registry.Registry
	Pool       *pool.Pool
	Payments   *payments.Engine
	Store      *storage.Store
	Recon      *recon.Store
	Exporter   *recon.Exporter
	Federation FederationControl
	Offloader  OffloadController
	Peers      *federation.PeerClient

	// RunnerFor builds the client for a node endpoint; tests substitute
	// stub runners. Nil defaults to runner.NewClient.
	RunnerFor func(endpoint string) runner.Runner

	// ConfigView supplies the safe config subset surfaced on /status and
	// the admin plane.
	ConfigView func() map[string]any

	AdminSecret string
	RateLimit   middleware.Limit

	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the router's HTTP front end.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	// requirePayment and weights are runtime-mutable through the admin
	// plane.
	settingsMu     sync.RWMutex
	requirePayment bool
	weights        scheduler.Weights

	runnerMu sync.Mutex
	runners  map[string]runner.Runner

	consumeMu    sync.Mutex
	consumed     map[string]*consumeEntry
	consumeOrder []string
}

// New validates the wiring and builds a server.
func New(cfg Config) (*Server, error) {
	if cfg.RouterID == "" {
		return nil, errors.New("gateway: RouterID required")
	}
	if cfg.Key == nil {
		return nil, errors.New("gateway: signing key required")
	}
	if cfg.Registry == nil || cfg.Pool == nil || cfg.Payments == nil {
		return nil, errors.New("gateway: registry, pool and payments are required")
	}
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = defaultQuoteTTL
	}
	if cfg.Weights == (scheduler.Weights{}) {
		cfg.Weights = scheduler.DefaultWeights
	}
	if cfg.RunnerFor == nil {
		cfg.RunnerFor = func(endpoint string) runner.Runner { return runner.NewClient(endpoint) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:            cfg,
		logger:         cfg.Logger.With("component", "gateway"),
		now:            cfg.Now,
		started:        cfg.Now(),
		requirePayment: cfg.RequirePayment,
		weights:        cfg.Weights,
		runners:        make(map[string]runner.Runner),
		consumed:       make(map[string]*consumeEntry),
	}
	return s, nil
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	limiter := middleware.NewRateLimiter(s.cfg.RateLimit, s.logger)
	r.Use(limiter.Middleware)

	observe := func(route string) func(http.Handler) http.Handler {
		return middleware.Observe(route, s.logger)
	}

	r.With(observe("health")).Get("/health", s.handleHealth)
	r.With(observe("status")).Get("/status", s.handleStatus)
	r.With(observe("nodes")).Get("/nodes", s.handleNodes)
	r.With(observe("quote")).Post("/quote", s.handleQuote)
	r.With(observe("infer")).Post("/infer", s.handleInfer)
	r.With(observe("infer_stream")).Post("/infer/stream", s.handleInferStream)
	r.With(observe("payment_receipt")).Post("/payment-receipt", s.handlePaymentReceipt)
	r.With(observe("node_announce")).Post("/nodes/announce", s.handleNodeAnnounce)
	r.With(observe("node_heartbeat")).Post("/nodes/heartbeat", s.handleNodeHeartbeat)

	r.Route("/federation", func(fr chi.Router) {
		fr.With(observe("federation_caps")).Post("/caps", s.handleFederationCaps)
		fr.With(observe("federation_payment_request")).Post("/payment-request", s.handleFederationPaymentRequest)
		fr.With(observe("federation_payment_receipt")).Post("/payment-receipt", s.handleFederationPaymentReceipt)
	})

	auth := middleware.NewAdminAuth(s.cfg.AdminSecret, s.logger)
	if auth.Enabled() {
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(auth.Middleware("admin"))
			ar.With(observe("admin_config")).Get("/config", s.handleAdminConfig)
			ar.With(observe("admin_config")).Patch("/config", s.handleAdminPatchConfig)
			ar.With(observe("admin_cooldown")).Post("/nodes/{nodeID}/cooldown", s.handleAdminCooldown)
			ar.With(observe("admin_stake")).Post("/stake/{nodeID}/commit", s.handleAdminStakeCommit)
			ar.With(observe("admin_stake")).Post("/stake/{nodeID}/slash", s.handleAdminStakeSlash)
			ar.With(observe("admin_federation_jobs")).Get("/federation/jobs", s.handleAdminFederationJobs)
			ar.With(observe("admin_recon_export")).Post("/recon/export", s.handleAdminReconExport)
		})
	}

	r.Handle("/metrics", promhttp.Handler())
	return otelhttp.NewHandler(r, "gateway")
}

// Run serves until ctx is cancelled, then drains connections within the
// shutdown grace window.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("gateway listening", "addr", s.cfg.ListenAddress, "routerId", s.cfg.RouterID)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("gateway drained")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) paymentRequired() bool {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.requirePayment
}

func (s *Server) setPaymentRequired(v bool) {
	s.settingsMu.Lock()
	s.requirePayment = v
	s.settingsMu.Unlock()
}

func (s *Server) schedulerWeights() scheduler.Weights {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.weights
}

func (s *Server) setSchedulerWeights(w scheduler.Weights) {
	s.settingsMu.Lock()
	s.weights = w
	s.settingsMu.Unlock()
}

// runnerFor returns the cached client for a node endpoint.
func (s *Server) runnerFor(endpoint string) runner.Runner {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	if r, ok := s.runners[endpoint]; ok {
		return r
	}
	r := s.cfg.RunnerFor(endpoint)
	s.runners[endpoint] = r
	return r
}

// requestPersist nudges the snapshot writer after a state-changing call.
func (s *Server) requestPersist() {
	if s.cfg.Store != nil {
		s.cfg.Store.Request()
	}
}

func (s *Server) mode() string {
	if s.cfg.Federation != nil {
		return "federated"
	}
	return "standalone"
}
