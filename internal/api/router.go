package api

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/motionworks/machined/internal/host"
	"github.com/motionworks/machined/internal/metrics"
)

// Handler processes one request. Returning nil accepts whatever the
// handler recorded on the request ("ok" when nothing was recorded); a
// *RequestError is reported to the client only; any other error (or a
// panic) additionally shuts the host down. That escalation is the
// fail-safe contract of machine control and must not be softened.
type Handler func(*Request) error

// HostController is the slice of the host the router depends on.
type HostController interface {
	StateMessage() (string, host.State)
	StartArgs() host.StartArgs
	InvokeShutdown(reason string)
}

// Router maps request paths to handlers and applies the
// fatal-versus-recoverable dispatch policy.
type Router struct {
	endpoints map[string]Handler
	hostCtl   HostController
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a router with the built-in endpoints registered.
func NewRouter(hostCtl HostController, m *metrics.Metrics, logger *slog.Logger) *Router {
	r := &Router{
		endpoints: make(map[string]Handler),
		hostCtl:   hostCtl,
		logger:    logger,
		metrics:   m,
	}
	r.endpoints["list_endpoints"] = r.handleListEndpoints
	r.endpoints["info"] = r.handleInfo
	r.endpoints["emergency_stop"] = r.handleEmergencyStop
	return r
}

// RegisterEndpoint adds a handler for path. Registration happens during
// host setup, before the socket opens to traffic; registering a path
// twice is an error.
func (r *Router) RegisterEndpoint(path string, handler Handler) error {
	if _, exists := r.endpoints[path]; exists {
		return fmt.Errorf("path %q already registered to an endpoint", path)
	}
	r.endpoints[path] = handler
	return nil
}

// Dispatch routes the request to its handler, classifies the outcome,
// and returns the sealed direct-reply envelope. Always returns exactly
// one response.
func (r *Router) Dispatch(req *Request) map[string]any {
	r.metrics.RequestsTotal.WithLabelValues(req.Path()).Inc()

	var err error
	handler, ok := r.endpoints[req.Path()]
	if !ok {
		err = NewRequestError("No registered callback for path '%s'", req.Path())
		r.logger.Info("Unknown request path", "path", req.Path())
	} else {
		err = r.invoke(handler, req)
	}

	var reqErr *RequestError
	switch {
	case err == nil:
	case errors.As(err, &reqErr):
		req.setError(reqErr)
		r.metrics.RequestErrorsTotal.WithLabelValues("recoverable").Inc()
	default:
		message := fmt.Sprintf("Internal error on request: %s", req.Path())
		r.logger.Error(message, "error", err)
		req.setError(NewRequestError("%s", err.Error()))
		r.metrics.RequestErrorsTotal.WithLabelValues("fatal").Inc()
		r.hostCtl.InvokeShutdown(message)
	}

	return req.finish()
}

// invoke runs the handler, converting a panic into an ordinary error so
// the fatal classification above applies to it.
func (r *Router) invoke(handler Handler, req *Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic on %s: %v", req.Path(), rec)
		}
	}()
	return handler(req)
}

// Endpoints returns the registered paths, sorted.
func (r *Router) Endpoints() []string {
	paths := make([]string, 0, len(r.endpoints))
	for path := range r.endpoints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (r *Router) handleListEndpoints(req *Request) error {
	return req.SetResult(map[string]any{"endpoints": r.Endpoints()})
}

func (r *Router) handleInfo(req *Request) error {
	message, state := r.hostCtl.StateMessage()
	hostname, _ := os.Hostname()
	executable, _ := os.Executable()
	args := r.hostCtl.StartArgs()

	return req.SetResult(map[string]any{
		"state":            string(state),
		"state_message":    message,
		"hostname":         hostname,
		"install_path":     filepath.Dir(executable),
		"executable_path":  executable,
		"log_file":         args.LogFile,
		"config_file":      args.ConfigFile,
		"software_version": args.SoftwareVersion,
		"cpu_info":         args.CPUInfo,
	})
}

func (r *Router) handleEmergencyStop(req *Request) error {
	r.hostCtl.InvokeShutdown("Shutdown due to emergency_stop request")
	return nil
}
