package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ctxaudit/auditcore/internal/api"
	"github.com/ctxaudit/auditcore/internal/config"
	"github.com/ctxaudit/auditcore/internal/events"
	"github.com/ctxaudit/auditcore/internal/index"
	"github.com/ctxaudit/auditcore/internal/logging"
	"github.com/ctxaudit/auditcore/internal/orchestrator"
	"github.com/ctxaudit/auditcore/internal/retrieval"
	"github.com/ctxaudit/auditcore/internal/sandbox"
	"github.com/ctxaudit/auditcore/internal/store"
	"github.com/ctxaudit/auditcore/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "auditcore",
	Short:   "Auditcore - multi-agent security audit orchestrator",
	Long:    `Auditcore coordinates recon, analysis and verification agents over an indexed codebase and streams audit progress to clients`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Auditcore %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and exit",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration OK\n")
		fmt.Printf("  listen:    %s:%d\n", cfg.ListenHost, cfg.ListenPort)
		fmt.Printf("  data path: %s\n", cfg.DataPath)
		fmt.Printf("  indexer:   %s\n", cfg.IndexerURL)
		fmt.Printf("  retrieval: %s\n", cfg.RetrievalURL)
		fmt.Printf("  sandbox:   %s\n", cfg.SandboxURL)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; reconfigured from config below.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "auditcore",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "auditcore",
	})

	log.Info().Str("version", Version).Msg("Starting auditcore server")

	st, err := store.New(store.Config{
		DataDir:       cfg.DataPath,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audit store")
	}

	publisher := events.NewPublisher(st)

	wsHub := websocket.NewHub()
	publisher.AddSink(wsHub)
	go wsHub.Run()

	indexClient := index.NewClient(cfg.IndexerURL, 30*time.Second)
	retrievalEngine := retrieval.NewEngine(cfg.RetrievalURL, 15*time.Second, st)
	sandboxRunner := sandbox.NewRunner(cfg.SandboxURL, cfg.SandboxSlots)

	manager := orchestrator.NewManager(cfg, st, publisher, indexClient, retrievalEngine, sandboxRunner)

	api.Version = Version
	router := api.NewRouter(cfg, manager, st, publisher, wsHub)

	// WriteTimeout stays disabled so SSE streams manage their own deadlines;
	// ReadHeaderTimeout keeps slow-header clients from pinning connections.
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().
			Str("host", cfg.ListenHost).
			Int("port", cfg.ListenPort).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Stop running audits before the store goes away.
	manager.Close()

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("Store shutdown error")
	}

	log.Info().Msg("Server stopped")
}
