// Package host tracks the machine-control process's lifecycle state and
// announces transitions on the event bus. It is the shutdown authority:
// anything that needs to take the machine down calls InvokeShutdown.
package host

import (
	"log/slog"
	"sync"
	"time"

	"github.com/motionworks/machined/internal/events"
)

// State is the host lifecycle state.
type State string

// Host lifecycle states.
const (
	StateStartup  State = "startup"
	StateReady    State = "ready"
	StateShutdown State = "shutdown"
	StateError    State = "error"
)

// StartArgs carries process start metadata reported by the info endpoint.
type StartArgs struct {
	ApiSocket       string
	DebugInput      string
	ConfigFile      string
	LogFile         string
	SoftwareVersion string
	CPUInfo         string
}

// Host is the lifecycle hub shared by the control-plane server and the
// machine modules.
type Host struct {
	mu           sync.Mutex
	state        State
	stateMessage string

	bus       *events.Bus
	startArgs StartArgs
	logger    *slog.Logger
}

// New creates a host in the startup state.
func New(bus *events.Bus, startArgs StartArgs, logger *slog.Logger) *Host {
	return &Host{
		state:        StateStartup,
		stateMessage: "Host is starting up",
		bus:          bus,
		startArgs:    startArgs,
		logger:       logger,
	}
}

// SetReady transitions to the ready state and announces it. A host that
// already shut down stays shut down.
func (h *Host) SetReady() {
	h.mu.Lock()
	if h.state == StateShutdown {
		h.mu.Unlock()
		return
	}
	h.state = StateReady
	h.stateMessage = "Host is ready"
	h.mu.Unlock()

	h.logger.Info("Host ready")
	h.bus.Publish(events.ReadyEvent{Timestamp: timestamp()})
}

// RequestRestart announces that the object set is about to be rebuilt.
// The host drops back to startup until SetReady is called again.
func (h *Host) RequestRestart(reason string) {
	h.mu.Lock()
	if h.state == StateShutdown {
		h.mu.Unlock()
		return
	}
	h.state = StateStartup
	h.stateMessage = reason
	h.mu.Unlock()

	h.logger.Info("Restart requested", "reason", reason)
	h.bus.Publish(events.RestartRequestEvent{Timestamp: timestamp()})
}

// InvokeShutdown transitions to the shutdown state at most once and
// announces it. Machine control stops; the API server keeps serving so
// clients can observe the shutdown state.
func (h *Host) InvokeShutdown(reason string) {
	h.mu.Lock()
	if h.state == StateShutdown {
		h.mu.Unlock()
		return
	}
	h.state = StateShutdown
	h.stateMessage = reason
	h.mu.Unlock()

	h.logger.Error("Host shutdown invoked", "reason", reason)
	h.bus.Publish(events.ShutdownEvent{Reason: reason, Timestamp: timestamp()})
}

// Disconnect announces process teardown. Published once from main when
// the process is exiting; external-facing services close their sockets
// in response.
func (h *Host) Disconnect() {
	h.logger.Info("Host disconnecting")
	h.bus.Publish(events.DisconnectEvent{Timestamp: timestamp()})
}

// StateMessage returns the human-readable state message and the state.
func (h *Host) StateMessage() (string, State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateMessage, h.state
}

// StartArgs returns the process start metadata.
func (h *Host) StartArgs() StartArgs {
	return h.startArgs
}

// Status exposes the host itself as a subscribable status object.
func (h *Host) Status(_ time.Time) map[string]any {
	message, state := h.StateMessage()
	return map[string]any{
		"state":         string(state),
		"state_message": message,
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
