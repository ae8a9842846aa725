// Workdeck runs the orchestration core: workspace management, zone triggers,
// the provider bridge, and the dashboard API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workdeck/pkg/bridge"
	"workdeck/pkg/config"
	"workdeck/pkg/events"
	"workdeck/pkg/logx"
	"workdeck/pkg/persistence"
	"workdeck/pkg/refcontext"
	"workdeck/pkg/webui"
	"workdeck/pkg/workspace"
	"workdeck/pkg/zone"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		projectDir  = flag.String("projectdir", ".", "Project directory")
		listenAddr  = flag.String("listen", "", "Dashboard listen address (overrides config)")
		seedFile    = flag.String("zones", "", "Path to a zone seed file applied at startup")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workdeck %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *debug {
		logx.SetDebug(true, nil)
	}

	os.Exit(run(*projectDir, *listenAddr, *seedFile))
}

// run contains the main application logic and returns an exit code so defers
// execute before the process exits.
func run(projectDir, listenAddr, seedFile string) int {
	logger := logx.NewLogger("workdeck")

	if projectDir == "." {
		logger.Warn("-projectdir not set, using the current directory")
	}

	if err := config.LoadConfig(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if listenAddr != "" {
		cfg.WebUI.ListenAddr = listenAddr
	}

	if err := persistence.Initialize(config.DatabasePath()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := persistence.Close(); closeErr != nil {
			logger.Warn("Failed to close database: %v", closeErr)
		}
	}()
	store := persistence.Ops()

	broker := events.NewBroker()
	defer broker.Close()

	if cfg.Events.JournalDir != "" {
		journal, journalErr := events.NewJournal(cfg.Events.JournalDir)
		if journalErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to open event journal: %v\n", journalErr)
			return 1
		}
		detach := journal.Attach(broker)
		defer func() {
			detach()
			if closeErr := journal.Close(); closeErr != nil {
				logger.Warn("Failed to close event journal: %v", closeErr)
			}
		}()
	}

	refs := refcontext.NewProvider(refcontext.NewGitHubFetcher(), cfg.Context.CacheTTL)

	providerBridge, err := bridge.New(cfg.Bridge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to construct provider bridge: %v\n", err)
		return 1
	}

	manager, err := workspace.NewManager(cfg.Workspaces, store, workspace.NewGitRunner(), broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to construct workspace manager: %v\n", err)
		return 1
	}

	zones := zone.NewService(store, broker)
	orch := zone.NewOrchestrator(store, providerBridge, refs, zone.NewActionRunner(), broker)

	if seedFile != "" {
		created, seedErr := zone.LoadSeed(seedFile, zones)
		if seedErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to apply zone seed: %v\n", seedErr)
			return 1
		}
		logger.Info("Applied zone seed %s (%d zones)", seedFile, len(created))
	}

	server := webui.New(cfg.WebUI, manager, zones, orch, providerBridge, refs, broker)
	server.Start()
	logger.Info("Workdeck %s ready (project %s)", version, projectDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	logger.Info("Received %s, shutting down", received)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Dashboard shutdown incomplete: %v", err)
		return 1
	}
	return 0
}
