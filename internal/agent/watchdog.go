package agent

import (
	"net"
	"os"

	"github.com/rs/zerolog"
)

// Watchdog sends systemd sd_notify datagrams over $NOTIFY_SOCKET. It is a
// no-op when that variable is unset, so the agent behaves identically
// on and off systemd. Grounded in the original agent's sd_notify helper: a
// lightweight reimplementation that avoids depending on libsystemd.
type Watchdog struct {
	socketPath string
	log        zerolog.Logger
}

// NewWatchdog builds a Watchdog bound to the current $NOTIFY_SOCKET, if
// any.
func NewWatchdog(log zerolog.Logger) *Watchdog {
	return &Watchdog{socketPath: os.Getenv("NOTIFY_SOCKET"), log: log.With().Str("component", "watchdog").Logger()}
}

// NotifyReady signals systemd that startup has completed.
func (w *Watchdog) NotifyReady() { w.notify("READY=1") }

// NotifyAlive signals the watchdog keepalive, preventing a timeout
// restart.
func (w *Watchdog) NotifyAlive() { w.notify("WATCHDOG=1") }

// NotifyStopping signals systemd that graceful shutdown has begun.
func (w *Watchdog) NotifyStopping() { w.notify("STOPPING=1") }

func (w *Watchdog) notify(state string) {
	if w.socketPath == "" {
		return
	}

	addr := w.socketPath
	if addr[0] == '@' {
		addr = "\x00" + addr[1:]
	}

	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		w.log.Debug().Err(err).Msg("sd_notify dial failed")
		return
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte(state)); err != nil {
		w.log.Debug().Err(err).Msg("sd_notify write failed")
	}
}
