// The submitter binary runs the write path alone: outbox workers plus the
// ops surface. Safe to scale horizontally; row locks and per-aggregate
// head claiming keep replicas from colliding.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/gateway"
	"github.com/coinpath/bridge/internal/idempotency"
	"github.com/coinpath/bridge/internal/metrics"
	"github.com/coinpath/bridge/internal/ops"
	"github.com/coinpath/bridge/internal/outbox"
	"github.com/coinpath/bridge/internal/store"
)

func main() {
	godotenv.Load()

	network := config.NetworkFromEnv()
	configPath := flag.String("config", config.DefaultPath(network), "path to the network profile")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("network", cfg.Network)
	slog.SetDefault(logger)

	log.Printf("🚀 Starting outbox submitter (network=%s, tenant=%s)", cfg.Network, cfg.TenantID)

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database error: %v", err)
	}
	defer st.Close()
	log.Printf("✅ Database connected")

	m := metrics.New(prometheus.DefaultRegisterer)

	gw := gateway.New(cfg, m, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Connect(ctx); err != nil {
		log.Fatalf("❌ Fabric gateway error: %v", err)
	}
	defer gw.Close()
	log.Printf("✅ Fabric gateway connected (peer=%s)", cfg.Fabric.PeerEndpoint)

	commandRegistry, err := outbox.NewCoinRegistry()
	if err != nil {
		log.Fatalf("❌ Command registry error: %v", err)
	}

	submitter := outbox.NewSubmitter(cfg, st, gw, commandRegistry, m, logger)
	reaper := idempotency.NewReaper(st, cfg.Idempotency.ReapInterval(), logger)

	opsServer := ops.NewServer(cfg.Ops, ops.Checks{
		DBPing:            st.Ping,
		BreakerState:      gw.BreakerState,
		SubmitterActivity: submitter.LastActivity,
	}, logger)

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		submitter.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()

	go func() {
		if err := opsServer.Start(); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		log.Printf("Received %s, shutting down gracefully...", sig)
	case err := <-fatal:
		log.Printf("❌ Fatal: %v", err)
		exitCode = 1
	}

	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	opsServer.Shutdown(shutdownCtx)

	log.Printf("✅ Submitter stopped")
	os.Exit(exitCode)
}
