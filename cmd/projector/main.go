// The projector binary runs the read path alone: one stream consumer per
// checkpoint row plus the ops surface. Deploy one replica per shard; the
// checkpoint conflict check crashes the loser if two share a row.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/gateway"
	"github.com/coinpath/bridge/internal/metrics"
	"github.com/coinpath/bridge/internal/ops"
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

	log.Printf("🚀 Starting event projector (network=%s, projector=%s)", cfg.Network, cfg.ProjectorName)

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

	eventRegistry, err := schema.NewCoinRegistry()
	if err != nil {
		log.Fatalf("❌ Event registry error: %v", err)
	}

	proj := projector.New(cfg, gw, st, eventRegistry, projector.NewCoinHandlers(logger), m, logger)

	opsServer := ops.NewServer(cfg.Ops, ops.Checks{
		DBPing:            st.Ping,
		BreakerState:      gw.BreakerState,
		ProjectorActivity: proj.LastActivity,
		ProjectorLag:      proj.Lag,
	}, logger)

	fatal := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := proj.Run(ctx); err != nil {
			select {
			case fatal <- err:
			default:
			}
		}
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
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	opsServer.Shutdown(shutdownCtx)

	log.Printf("✅ Projector stopped")
	os.Exit(exitCode)
}
