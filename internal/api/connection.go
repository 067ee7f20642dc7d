package api

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/motionworks/machined/internal/reactor"
)

const (
	// recvChunkSize bounds one non-blocking read.
	recvChunkSize = 4096

	// flushRetries bounds consecutive failed send attempts on one
	// stall; any partial success resets the counter.
	flushRetries = 10

	// flushRetryDelay is the scheduled pause between send attempts.
	flushRetryDelay = time.Millisecond
)

// Connection owns one accepted client socket: the inbound partial-frame
// buffer, the outbound send queue, and the flush state machine. All
// methods run on the reactor goroutine.
type Connection struct {
	id      string
	fd      int
	server  *Server
	reactor *reactor.Reactor
	router  *Router
	logger  *slog.Logger

	partial []byte
	out     []byte
	sending bool
	retries int
	closed  bool
}

// newConnection wraps an accepted non-blocking socket and registers it
// for readiness events.
func newConnection(s *Server, fd int) (*Connection, error) {
	c := &Connection{
		id:      uuid.NewString(),
		fd:      fd,
		server:  s,
		reactor: s.reactor,
		router:  s.router,
		logger:  s.logger,
		retries: flushRetries,
	}
	if err := s.reactor.RegisterFD(fd, c.onReadable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s.metrics.ActiveConnections.Inc()
	c.logger.Info("Client connection established", "conn", c.id)
	return c, nil
}

// ID returns the connection's opaque identity.
func (c *Connection) ID() string {
	return c.id
}

// IsClosed reports whether the connection has been torn down.
// Collaborators holding a stale reference check this before sending.
func (c *Connection) IsClosed() bool {
	return c.closed
}

// onReadable performs one non-blocking receive and dispatches every
// complete frame. Request processing is deferred to a scheduled task so
// a slow handler cannot stall the socket drain or other connections.
func (c *Connection) onReadable(_ time.Time) {
	buf := make([]byte, recvChunkSize)
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		switch err {
		case unix.EBADF:
			// Lost descriptor; fall through to the close path.
			n = 0
		case unix.EAGAIN, unix.EINTR:
			return
		default:
			// Transient receive error; retried on next readiness.
			return
		}
	}
	if n <= 0 {
		// Peer closed the socket.
		c.Close()
		return
	}

	frames, rest := splitFrames(c.partial, buf[:n])
	c.partial = rest
	for _, frame := range frames {
		c.logger.Debug("Request received", "data", string(frame))
		req, parseErr := parseRequest(c, frame)
		if parseErr != nil {
			// A malformed frame is dropped; well-formed frames on the
			// same connection continue to be processed.
			c.logger.Info("Error decoding request", "error", parseErr, "data", string(frame))
			c.server.metrics.DroppedFrames.Inc()
			continue
		}
		request := req
		c.reactor.Schedule(func(time.Time) {
			c.processRequest(request)
		})
	}
}

// processRequest runs one deferred request. The connection may have
// closed between scheduling and execution, in which case the task is a
// no-op.
func (c *Connection) processRequest(req *Request) {
	if c.closed {
		return
	}
	result := c.router.Dispatch(req)
	c.logger.Debug("Sending response", "request_id", req.id, "path", req.path)
	c.Send(map[string]any{"method": "response", "params": result})
}

// Send serializes data onto the outbound queue and schedules a flush if
// one is not already in progress. Never blocks.
func (c *Connection) Send(data any) {
	payload, err := encodeFrame(data)
	if err != nil {
		c.logger.Error("Failed to encode outbound message", "error", err)
		return
	}
	c.out = append(c.out, payload...)
	if !c.sending {
		c.sending = true
		c.reactor.Schedule(c.flush)
	}
}

// flush attempts a non-blocking send of the whole outbound buffer. On a
// retryable failure it reschedules itself after a short pause instead
// of spinning; exhausting the retry bound or hitting a non-retryable
// error closes the connection.
func (c *Connection) flush(_ time.Time) {
	if c.closed {
		c.sending = false
		return
	}
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if err != nil {
			if err == unix.EBADF || err == unix.EPIPE || c.retries == 0 {
				n = 0
			} else {
				c.retries--
				c.reactor.After(flushRetryDelay, c.flush)
				return
			}
		} else {
			c.retries = flushRetries
		}
		if n > 0 {
			c.out = c.out[n:]
		} else {
			c.logger.Info("Error sending data, closing connection", "conn", c.id)
			c.Close()
			break
		}
	}
	c.sending = false
	c.retries = flushRetries
}

// Close tears the connection down: deregisters the socket, closes it,
// and drops the listener's reference. Idempotent; safe from the read
// path, the flush path, and forced shutdown.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.logger.Info("Client connection closed", "conn", c.id)
	c.reactor.UnregisterFD(c.fd)
	unix.Close(c.fd)
	c.server.dropConnection(c.id)
	c.server.metrics.ActiveConnections.Dec()
}
