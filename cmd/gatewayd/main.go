package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tokligence/credit-gateway/internal/auth"
	"github.com/tokligence/credit-gateway/internal/bootstrap"
	"github.com/tokligence/credit-gateway/internal/config"
	"github.com/tokligence/credit-gateway/internal/health"
	"github.com/tokligence/credit-gateway/internal/httpserver"
	"github.com/tokligence/credit-gateway/internal/ledger"
	"github.com/tokligence/credit-gateway/internal/logging"
	"github.com/tokligence/credit-gateway/internal/metrics"
	"github.com/tokligence/credit-gateway/internal/session"
	"github.com/tokligence/credit-gateway/internal/userstore"
	"github.com/tokligence/credit-gateway/internal/version"
)

func main() {
	cfg, err := config.LoadGatewayConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Rotating file output, mirrored to stdout for foreground runs.
	var logOutput io.Writer = os.Stdout
	if target := strings.TrimSpace(cfg.LogFile); target != "" && target != "-" {
		rot, err := logging.NewRotatingWriter(target, cfg.LogMaxBytes, cfg.LogMaxBackups)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		defer rot.Close()
		logOutput = io.MultiWriter(os.Stdout, rot)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	logger := logging.New(logOutput, "gatewayd", level)
	log.SetOutput(logOutput)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[gatewayd] ")

	logger.Infof("credit gateway %s env=%s backend=%s", version.FullInfo(), cfg.Environment, cfg.LedgerBackend)

	stores, err := bootstrap.OpenStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer stores.Close()

	ctx := context.Background()
	admin, err := stores.Users.EnsureAdmin(ctx, cfg.AdminEmail, cfg.InitialCredits)
	if err != nil {
		log.Fatalf("ensure admin %s: %v", cfg.AdminEmail, err)
	}
	logger.Infof("admin account id=%d email=%s", admin.ID, admin.Email)

	catalog, err := bootstrap.LoadCatalog(cfg)
	if err != nil {
		log.Fatalf("load models: %v", err)
	}
	prices, err := catalog.PricingTable()
	if err != nil {
		log.Fatalf("build pricing table: %v", err)
	}
	generator, err := bootstrap.NewGenerator(cfg, catalog, logger.Named("adapter"))
	if err != nil {
		log.Fatalf("configure adapters: %v", err)
	}
	logger.Infof("models=%v adapters=%v", catalog.Names(), generator.ListAdapters())

	meters, err := metrics.NewProvider(ctx, metrics.Config{
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.MetricsOTLPEndpoint,
		Insecure:       cfg.MetricsInsecure,
		Interval:       cfg.MetricsInterval,
	})
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := meters.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("metrics shutdown: %v", err)
		}
	}()

	led, err := ledger.New(stores.Ledger, prices, userstore.Admins{Store: stores.Users},
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithObserver(meters.Collector),
	)
	if err != nil {
		log.Fatalf("init ledger: %v", err)
	}

	policy, err := session.ParseAbortPolicy(cfg.AbortPolicy)
	if err != nil {
		log.Fatalf("billing.abort_policy: %v", err)
	}
	sessions, err := session.New(catalog, generator, led, session.Config{
		MinBalance:     cfg.MinBalance,
		AbortPolicy:    policy,
		AllowSupersede: cfg.AllowSupersede,
	}, session.WithLogger(logger.Named("session")), session.WithMetrics(meters.Collector))
	if err != nil {
		log.Fatalf("init session manager: %v", err)
	}

	authManager, err := auth.NewManager(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("init auth: %v", err)
	}

	upstreams := map[string]string{}
	if cfg.OpenAIAPIKey != "" {
		upstreams["openai"] = cfg.OpenAIBaseURL
	}
	checker := health.New(health.Config{Databases: stores.Databases, Upstreams: upstreams})

	httpSrv := httpserver.New(sessions, led, stores.Users, authManager)
	httpSrv.SetLogger(logger.Named("http"))
	httpSrv.SetHealthChecker(checker)

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// Generation streams stay open for as long as the provider sends.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("credit gateway listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	// Aborting open sessions lets their streams finish before Shutdown waits on them.
	for _, info := range sessions.ActiveSessions() {
		sessions.AbortGeneration(info.UserID)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("graceful shutdown failed: %v", err)
	}
}
