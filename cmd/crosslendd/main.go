package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crosslend/audit"
	"crosslend/config"
	"crosslend/core/events"
	"crosslend/gateway"
	"crosslend/native/crosschain"
	"crosslend/native/lending"
	"crosslend/native/oracle"
	"crosslend/native/ratelimit"
	"crosslend/native/registry"
	"crosslend/observability/logging"
	"crosslend/storage"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Service.Name, cfg.Service.Environment, cfg.LogRotation())

	db, err := storage.NewLevelDB(filepath.Join(cfg.Storage.DataDir, "state"))
	if err != nil {
		log.Error("open state database", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	state := storage.NewStateStore(db)

	auditStore, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		log.Error("open audit store", "err", err)
		os.Exit(1)
	}

	emitter := events.LogEmitter{Log: log}

	reg := registry.New(state)
	reg.SetEmitter(emitter)
	prices := oracle.NewAdapter(cfg.StalenessBound())
	// The manual feed backs operator overrides until external feeds register.
	// As a fallback it also prices assets listed after startup.
	manual := oracle.NewManualFeed()
	prices.RegisterFallback("manual", manual)

	health := lending.NewHealthEngine(state, reg, prices)
	ledger := lending.NewLedger(state, reg, health)
	ledger.SetEmitter(emitter)

	limiter := ratelimit.NewLimiter(cfg.LimiterRules(), cfg.RateLimit.EmergencyOps)
	limiter.SetEmitter(emitter)
	ledger.SetGate(limiter)
	ledger.SetHaltView(limiter)

	liquidations := lending.NewLiquidationEngine(ledger, health, reg, prices, cfg.RiskParameters())
	liquidations.SetRecordSink(auditStore)
	liquidations.SetEmergencyView(limiter)
	liquidations.SetEmitter(emitter)

	reconciler := crosschain.NewReconciler(ledger, state, cfg.Reconciler.Sources)
	reconciler.SetAlertSink(auditStore)
	reconciler.SetHoldTimeout(cfg.HoldTimeout())
	reconciler.SetLogger(log)
	reconciler.SetEmitter(emitter)

	server := gateway.NewServer(gateway.Deps{
		Ledger:       ledger,
		Health:       health,
		Liquidations: liquidations,
		Registry:     reg,
		Reconciler:   reconciler,
		Limiter:      limiter,
		Audit:        auditStore,
		AdminSecret:  cfg.Gateway.AdminSecret,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reconciler.Sweep()
				liquidations.SweepSelections()
			}
		}
	}()

	go func() {
		log.Info("gateway listening", "addr", cfg.Server.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "err", err)
	}
}
