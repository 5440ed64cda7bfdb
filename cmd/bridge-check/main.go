// bridge-check is the deploy preflight: it validates the configuration,
// verifies the bridge tables exist, checks the wallet material and probes
// the Fabric gateway. Exit is non-zero when any check fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/coinpath/bridge/internal/config"
	"github.com/coinpath/bridge/internal/gateway"
	"github.com/coinpath/bridge/internal/store"
)

var requiredTables = []string{
	"outbox_commands",
	"http_idempotency",
	"projector_state",
	"event_dlq",
	"user_profiles",
	"wallets",
	"wallet_transactions",
	"organizations",
	"proposals",
	"proposal_votes",
	"proposal_tallies",
	"loans",
	"loan_repayments",
	"tax_records",
	"multisig_transfers",
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	network := config.NetworkFromEnv()
	configPath := flag.String("config", config.DefaultPath(network), "path to the network profile")
	flag.Parse()

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              Ledger Bridge - Deploy Preflight                ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	failed := 0
	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("❌ %-28s %v\n", name, err)
			failed++
		} else {
			fmt.Printf("✅ %-28s ok\n", name)
		}
	}

	cfg, err := config.LoadConfig(*configPath)
	check("config", err)
	if err != nil {
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	st, err := store.Open(cfg.Database)
	check("database", err)

	if st != nil {
		defer st.Close()
		for _, table := range requiredTables {
			var one int
			err := st.DB().QueryRowContext(ctx,
				`SELECT 1 FROM information_schema.tables WHERE table_name = $1`, table).Scan(&one)
			check("table "+table, err)
		}
	}

	// The gateway only dials the peer, but a firewalled orderer still sinks
	// every submit; preflight both endpoints.
	endpoints := []struct{ name, addr string }{
		{"peer endpoint", cfg.Fabric.PeerEndpoint},
		{"orderer endpoint", cfg.Fabric.OrdererEndpoint},
	}
	for _, ep := range endpoints {
		if ep.addr == "" {
			continue
		}
		conn, err := net.DialTimeout("tcp", ep.addr, 5*time.Second)
		check(ep.name, err)
		if err == nil {
			conn.Close()
		}
	}

	walletDir := filepath.Join(cfg.WalletPath(), cfg.Fabric.IdentityLabel)
	_, certErr := os.Stat(filepath.Join(walletDir, "cert.pem"))
	check("wallet certificate", certErr)
	_, keyErr := os.Stat(filepath.Join(walletDir, "key.pem"))
	check("wallet key", keyErr)

	if certErr == nil && keyErr == nil {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		gw := gateway.New(cfg, nil, logger)
		err := gw.Connect(ctx)
		check("fabric gateway", err)
		if err == nil {
			height, err := gw.ChainHeight(ctx)
			if err == nil {
				fmt.Printf("✅ %-28s height=%d\n", "chain info", height)
			} else {
				check("chain info", err)
			}
			gw.Close()
		}
	}

	fmt.Println()
	if failed > 0 {
		fmt.Printf("❌ %d check(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("✅ All checks passed")
}
