// Command flm-agent is the Fleet Lifecycle Manager node daemon: it sends
// periodic heartbeats to the controller, buffers events across outages,
// and optionally runs the code-change notify-server on the code-source
// node.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/autobot-fleet/flm/internal/agent"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("flm-agent %s\n", agent.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := agent.LoadFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	switch os.Getenv("SLM_LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("node_id", cfg.NodeID).
		Str("admin_url", cfg.AdminURL).
		Msg("flm-agent starting")

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize agent")
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(); err != nil {
		log.Error().Err(err).Msg("agent failed")
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Printf(`Usage: flm-agent [options]

flm-agent %s - reports node health to a Fleet Lifecycle Manager controller.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit

Environment variables:
  SLM_NODE_ID               Node identifier (required)
  SLM_ADMIN_URL              Controller base URL (default: http://localhost:8000)
  SLM_AGENT_TOKEN            Bearer token sent to the controller
  SLM_HEARTBEAT_INTERVAL     Heartbeat interval, e.g. 30s (default: 30s)
  SLM_BUFFER_DB              Local event buffer path
  SLM_CODE_SOURCE            Set to "true" on the code-source node
  SLM_NOTIFY_PORT            Local notify-server port (code-source node only)
  SLM_SERVICES               Comma-separated services to report health for
  SLM_HOSTNAME               Override hostname detection
  SLM_INSECURE               Skip TLS verification (testing only)
  SLM_LOG_LEVEL              Log level: debug, info, warn, error
`, agent.Version)
}
