package events

// Event type constants for kelindar/event.
const (
	TypeReady uint32 = iota + 1
	TypeRestartRequest
	TypeDisconnect
	TypeShutdown
	TypeGcodeResponse
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// ReadyEvent announces that the host finished startup and all registered
// objects are usable.
type ReadyEvent struct {
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for ReadyEvent.
func (e ReadyEvent) Type() uint32 { return TypeReady }

// RestartRequestEvent announces that a host restart was requested and the
// object set is about to become invalid.
type RestartRequestEvent struct {
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for RestartRequestEvent.
func (e RestartRequestEvent) Type() uint32 { return TypeRestartRequest }

// DisconnectEvent announces that the host process is going down and all
// external-facing services must release their resources.
type DisconnectEvent struct {
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for DisconnectEvent.
func (e DisconnectEvent) Type() uint32 { return TypeDisconnect }

// ShutdownEvent announces an emergency transition into the shutdown state.
type ShutdownEvent struct {
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for ShutdownEvent.
func (e ShutdownEvent) Type() uint32 { return TypeShutdown }

// GcodeResponseEvent carries one line of gcode command output destined for
// consoles and subscribed API clients.
type GcodeResponseEvent struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for GcodeResponseEvent.
func (e GcodeResponseEvent) Type() uint32 { return TypeGcodeResponse }
