// Package main — cmd/vagusguardd/main.go
//
// VAGUSGUARD supervisor entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/vagusguard/config.yaml.
//  2. Initialise structured logger (zap, configurable format/level).
//  3. Open BoltDB storage, prune stale ledger entries.
//  4. Start Prometheus metrics server.
//  5. Construct ANS State Manager, Capability Issuer, Reflex Arc, Afferent
//     Inbox, Vagal Brake, late-binding the Issuer↔Reflex cycle.
//  6. Start the Issuer's expiry sweeper.
//  7. Start the planner/gateway-facing gRPC ingress server.
//  8. Start the DAO-facing operator console (Unix socket), if enabled.
//  9. Register SIGHUP handler for config hot-reload.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to all goroutines).
//  2. Stop the expiry sweeper.
//  3. Close BoltDB.
//  4. Flush logger.
//  5. Exit 0.
//
// On config validation failure at startup: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vagusguard/vagusguard/internal/ans"
	"github.com/vagusguard/vagusguard/internal/api"
	"github.com/vagusguard/vagusguard/internal/brake"
	"github.com/vagusguard/vagusguard/internal/capability"
	"github.com/vagusguard/vagusguard/internal/config"
	"github.com/vagusguard/vagusguard/internal/inbox"
	"github.com/vagusguard/vagusguard/internal/observability"
	"github.com/vagusguard/vagusguard/internal/reflex"
	"github.com/vagusguard/vagusguard/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/vagusguard/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("vagusguardd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("VAGUSGUARD starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics()

	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays, metrics)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	pruned, err := db.PruneOldLedgerEntries()
	if err != nil {
		log.Warn("ledger pruning failed", zap.Error(err))
	} else {
		log.Info("ledger pruned", zap.Int("deleted", pruned))
	}

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	ansMgr := ans.New(ans.Config{
		MinResidency:      cfg.ANS.MinResidency,
		SafeThresholdBp:   cfg.ANS.SafeThresholdBp,
		DangerThresholdBp: cfg.ANS.DangerThresholdBp,
	}, metrics, log)

	issuer := capability.New(capability.Config{
		DAOAddress:          cfg.DAOAddress,
		AuthorizedExecutors: cfg.Capability.AuthorizedExecutors,
		RateLimit: capability.RateLimitParams{
			WindowSize:  cfg.Capability.RateLimitWindow,
			MaxRequests: cfg.Capability.RateLimitMaxRequests,
		},
		Breaker: capability.BreakerParams{
			Threshold: cfg.Capability.BreakerThreshold,
			Timeout:   cfg.Capability.BreakerTimeout,
			Recovery:  cfg.Capability.BreakerRecovery,
		},
		NodeID: cfg.NodeID,
	}, db, metrics, log)

	if err := issuer.SetAuthorizedExecutors(cfg.DAOAddress, []string{"vagusguard-brake"}); err != nil {
		log.Fatal("failed to authorize brake with issuer", zap.Error(err))
	}

	rfx := reflex.New(reflex.Config{
		Cooldown:     cfg.Reflex.Cooldown,
		InboxCaller:  "vagusguard-inbox",
		IssuerCaller: "vagusguard-reflex",
		AdminAddress: cfg.DAOAddress,
		NodeID:       cfg.NodeID,
	}, issuer, issuer, ansMgr, reflex.VTIClassifier(cfg.Reflex.DangerVti, cfg.Reflex.ShutdownVti), db, metrics, log)

	if err := issuer.SetReflexArc(cfg.DAOAddress, "vagusguard-reflex"); err != nil {
		log.Fatal("failed to register reflex arc with issuer", zap.Error(err))
	}

	ib := inbox.New(inbox.Config{
		AuthorizedAttestors: cfg.Inbox.AuthorizedAttestors,
		CallerIdentity:      "vagusguard-inbox",
		AdminAddress:        cfg.DAOAddress,
		NodeID:              cfg.NodeID,
	}, rfx, db, metrics, log)

	brk := brake.New(brake.Config{
		AuthorizedCallers:    cfg.Brake.AuthorizedCallers,
		IssuerCaller:         "vagusguard-brake",
		RequireFreshEvidence: cfg.Brake.RequireFreshEvidence,
		NodeID:               cfg.NodeID,
	}, ansMgr, issuer, ib, db, metrics, log)

	go issuer.RunExpirySweeper(ctx.Done(), cfg.Capability.RateLimitWindow)

	ingressSvc := api.NewIngressService(ansMgr, brk, ib, issuer, log)
	go func() {
		tlsCfg := api.TLSConfig{CertFile: cfg.GRPC.TLSCertFile, KeyFile: cfg.GRPC.TLSKeyFile, CAFile: cfg.GRPC.TLSCAFile}
		if err := api.ListenAndServe(ctx, cfg.GRPC.ListenAddr, tlsCfg, ingressSvc, log); err != nil {
			log.Error("ingress server error", zap.Error(err))
		}
	}()

	if cfg.Operator.Enabled {
		opSrv := api.NewOperatorServer(cfg.Operator.SocketPath, cfg.DAOAddress, cfg.DAOAddress, ansMgr, issuer, ib, rfx, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator console started", zap.String("socket", cfg.Operator.SocketPath))
	} else {
		log.Info("operator console disabled")
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			if err := issuer.SetRateLimit(newCfg.DAOAddress, newCfg.Capability.RateLimitWindow, newCfg.Capability.RateLimitMaxRequests); err != nil {
				log.Error("hot-reload: rate limit update failed", zap.Error(err))
			}
			if err := issuer.SetCircuitBreakerParams(newCfg.DAOAddress, newCfg.Capability.BreakerThreshold, newCfg.Capability.BreakerTimeout, newCfg.Capability.BreakerRecovery); err != nil {
				log.Error("hot-reload: circuit breaker params update failed", zap.Error(err))
			}
			log.Info("config hot-reload applied")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("VAGUSGUARD shutdown complete")
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
