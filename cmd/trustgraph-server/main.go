package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/server"
	"github.com/aspect-build/trustgraph/internal/server/db"
	"github.com/aspect-build/trustgraph/internal/server/queue"
	"github.com/aspect-build/trustgraph/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or TRUSTGRAPH_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("trustgraph-server"))
		fmt.Fprintf(os.Stderr, "Trustgraph server queues and runs TEE verification tasks.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_IMAGE_DIR     Directory holding pinned OS image metadata (required)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_LISTEN_ADDR   Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_DB_PATH       SQLite database path (default: trustgraph.db)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_ADMIN_TOKEN   Bearer token guarding task creation (optional, min 16 chars)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_RPC_URL       Blockchain RPC endpoint for registry reads\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_KMS_CONTRACT  Default KMS governance contract address\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_QVL_BIN       Quote verification binary (default: dcap-qvl on PATH)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_PCCS_URL      PCCS URL for collateral fetching\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_MR_BIN        Measurement replay binary (default: dstack-mr on PATH)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_API_TOKEN_URL Token endpoint for hosting-provider attestation APIs\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_API_TOKEN     Static bearer token (fallback when the token endpoint fails)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_WORKERS       Verification worker count (default: 2)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_MAX_ATTEMPTS  Attempts per task before it fails for good (default: 3)\n")
		fmt.Fprintf(os.Stderr, "  TRUSTGRAPH_LOG_LEVEL     Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("trustgraph-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := queue.New(store, server.NewRuntime(cfg), cfg.Workers, cfg.MaxAttempts)
	go q.Start(ctx)

	r := server.NewRouter(store, cfg)
	logx.Infof("server config: workers=%d max_attempts=%d image_dir=%s", cfg.Workers, cfg.MaxAttempts, cfg.ImageDir)

	log.Printf("trustgraph-server listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
