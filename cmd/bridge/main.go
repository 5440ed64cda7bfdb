// The bridge binary runs the whole CQRS bridge in one process: outbox
// submitter workers, the event projector, the idempotency reaper and the
// ops surface, all against one Fabric gateway connection.
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
	"github.com/coinpath/bridge/internal/projector"
	"github.com/coinpath/bridge/internal/schema"
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

	log.Printf("🚀 Starting ledger bridge (network=%s, tenant=%s)", cfg.Network, cfg.TenantID)

	// Separate pools so a projection burst cannot starve the submitter.
	submitterStore, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database error (submitter pool): %v", err)
	}
	defer submitterStore.Close()

	projectorStore, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database error (projector pool): %v", err)
	}
	defer projectorStore.Close()
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
	eventRegistry, err := schema.NewCoinRegistry()
	if err != nil {
		log.Fatalf("❌ Event registry error: %v", err)
	}

	rdb, err := idempotency.NewRedisClient(cfg.Redis)
	if err != nil {
		// Redis is a fast path, not a dependency.
		log.Printf("⚠️  Redis unavailable, idempotency falls back to Postgres: %v", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	submitter := outbox.NewSubmitter(cfg, submitterStore, gw, commandRegistry, m, logger)
	proj := projector.New(cfg, gw, projectorStore, eventRegistry, projector.NewCoinHandlers(logger), m, logger)
	reaper := idempotency.NewReaper(submitterStore, cfg.Idempotency.ReapInterval(), logger)

	opsServer := ops.NewServer(cfg.Ops, ops.Checks{
		DBPing:            submitterStore.Ping,
		BreakerState:      gw.BreakerState,
		SubmitterActivity: submitter.LastActivity,
		ProjectorActivity: proj.LastActivity,
		ProjectorLag:      proj.Lag,
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
		if err := proj.Run(ctx); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
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

	log.Printf("✅ Bridge stopped")
	os.Exit(exitCode)
}
