// Command flm-controller is the Fleet Lifecycle Manager's central
// controller: it ingests agent heartbeats, tracks code drift, schedules
// update jobs, executes backups, and fans events out to operators over
// WebSockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/controller"
	"github.com/autobot-fleet/flm/internal/executor"
)

// Version is the controller version printed by -version and the usage
// text. It is a constant, so it cannot be overridden at link time.
const Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("flm-controller %s\n", Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	switch os.Getenv("FLM_LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := controller.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	db, err := controller.InitDatabase(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to open database")
		os.Exit(2)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	recoverErr := controller.RecoverNonTerminalState(ctx, db, log)
	cancel()
	if recoverErr != nil {
		log.Error().Err(recoverErr).Msg("failed to recover non-terminal state")
		os.Exit(2)
	}

	registry := controller.NewRegistry(db)
	drift := controller.NewDriftDetector(db)
	events := controller.NewEventLog(db, log)
	hub := controller.NewHub(log, nil)
	planner := controller.NewUpdatePlanner(db)
	metrics := controller.NewMetrics()

	newExecutor := func(node *controller.Node) executor.Executor {
		host := node.Hostname
		if node.IP.Valid && node.IP.String != "" {
			host = node.IP.String
		}
		user := cfg.SSHUser
		if node.SSHUser.Valid && node.SSHUser.String != "" {
			user = node.SSHUser.String
		}
		port := cfg.SSHPort
		if node.SSHPort.Valid && node.SSHPort.Int64 != 0 {
			port = int(node.SSHPort.Int64)
		}
		if cfg.SSHKeyPath == "" {
			// No SSH key configured: fall back to the local-shell variant,
			// which lets a single-node or all-in-one deployment exercise
			// jobs/backups against the controller's own host without SSH.
			return executor.NewLocalExecutor()
		}
		exec, err := executor.NewSSHExecutor(host, user, port, cfg.SSHKeyPath)
		if err != nil {
			log.Error().Err(err).Str("node_id", node.NodeID).Msg("failed to build SSH executor, falling back to local shell")
			return executor.NewLocalExecutor()
		}
		return exec
	}

	srv := controller.New(cfg, db, registry, drift, events, hub, planner, metrics, log, newExecutor)

	log.Info().Str("addr", cfg.ListenAddr).Msg("flm-controller starting")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("controller server failed")
			os.Exit(2)
		}
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during graceful shutdown")
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Printf(`Usage: flm-controller [options]

flm-controller %s - central controller for the Fleet Lifecycle Manager.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit

Environment variables:
  FLM_LISTEN_ADDR             HTTP listen address (default: :8000)
  FLM_DB_PATH                 SQLite database path
  FLM_BACKUP_DIR               Local backup artefact storage directory
  FLM_AGENT_TOKEN              Bearer token agents and operators present (required)
  FLM_SSH_USER                 Default SSH user for the remote command executor
  FLM_SSH_PORT                 Default SSH port
  FLM_SSH_KEY_PATH             SSH private key path (empty uses local-shell executor)
  FLM_CODE_SOURCE_NODE_ID       The code-source node's id
  FLM_HEARTBEAT_INTERVAL        Reference heartbeat interval for stale detection
  FLM_STALE_MULTIPLIER          Stale threshold multiplier
  FLM_STALE_MINIMUM             Stale threshold floor
  FLM_STALE_CLEANUP_INTERVAL    Stale sweep interval
  FLM_SAMPLER_RATIO             Trace sampler ratio (default: 1.0; parsed, not applied)
  FLM_LOG_LEVEL                 Log level: debug, info, warn, error
`, Version)
}
