package api

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/motionworks/machined/internal/events"
	"github.com/motionworks/machined/internal/metrics"
	"github.com/motionworks/machined/internal/reactor"
)

// listenBacklog is deliberately small: front-ends hold one long-lived
// connection each.
const listenBacklog = 1

// ServerConfig configures the listener.
type ServerConfig struct {
	// SocketPath is the filesystem address to bind. Empty disables the
	// server entirely.
	SocketPath string

	// DebugInput is the batch-input file path; a host replaying debug
	// input does not serve the API.
	DebugInput string
}

// Server owns the bound Unix socket and the set of live connections.
// The socket's filesystem permissions are the trust boundary; there is
// no client authentication.
type Server struct {
	fd         int
	socketPath string
	enabled    bool

	reactor *reactor.Reactor
	router  *Router
	logger  *slog.Logger
	metrics *metrics.Metrics

	connections map[string]*Connection
}

// NewServer binds the control socket and starts accepting once the
// reactor runs. With no socket path configured, or in debug-input mode,
// the server is disabled and NewServer succeeds as a no-op.
func NewServer(cfg ServerConfig, r *reactor.Reactor, router *Router, bus *events.Bus,
	m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	s := &Server{
		fd:          -1,
		reactor:     r,
		router:      router,
		logger:      logger,
		metrics:     m,
		connections: make(map[string]*Connection),
	}

	if cfg.SocketPath == "" || cfg.DebugInput != "" {
		logger.Info("API server disabled")
		return s, nil
	}

	if err := removeStaleSocket(cfg.SocketPath); err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: cfg.SocketPath}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding %s: %w", cfg.SocketPath, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listening on %s: %w", cfg.SocketPath, err)
	}
	if err := r.RegisterFD(fd, s.onAcceptable); err != nil {
		unix.Close(fd)
		return nil, err
	}

	s.fd = fd
	s.socketPath = cfg.SocketPath
	s.enabled = true

	// Tear everything down when the host disconnects. The bus delivers
	// on the publisher's goroutine, so hop back onto the reactor.
	bus.Subscribe(func(events.DisconnectEvent) {
		r.Schedule(func(time.Time) {
			s.shutdown()
		})
	})

	logger.Info("API server listening", "path", cfg.SocketPath)
	return s, nil
}

// Enabled reports whether the server is bound and accepting.
func (s *Server) Enabled() bool {
	return s.enabled
}

// removeStaleSocket deletes a leftover socket file from a previous run.
// A missing file is fine; anything else is a startup failure.
func removeStaleSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}

// onAcceptable accepts one pending connection. A non-blocking accept
// finding nothing is not an error.
func (s *Server) onAcceptable(_ time.Time) {
	fd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return
	}
	c, err := newConnection(s, fd)
	if err != nil {
		s.logger.Error("Failed to register client connection", "error", err)
		return
	}
	s.connections[c.id] = c
}

// dropConnection forgets a closed connection.
func (s *Server) dropConnection(id string) {
	delete(s.connections, id)
}

// shutdown force-closes every live connection and the listener itself.
func (s *Server) shutdown() {
	for _, c := range s.connections {
		c.Close()
	}
	if s.fd >= 0 {
		s.reactor.UnregisterFD(s.fd)
		unix.Close(s.fd)
		s.fd = -1
		os.Remove(s.socketPath)
		s.logger.Info("API server stopped")
	}
}
