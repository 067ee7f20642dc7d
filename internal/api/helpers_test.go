package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/motionworks/machined/internal/host"
	"github.com/motionworks/machined/internal/metrics"
)

// fakeClient records everything sent to it.
type fakeClient struct {
	mu     sync.Mutex
	id     string
	closed bool
	sent   []any
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) Send(data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
}

func (f *fakeClient) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeClient) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeClient) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeHostController counts shutdown invocations.
type fakeHostController struct {
	mu        sync.Mutex
	shutdowns []string
}

func (f *fakeHostController) StateMessage() (string, host.State) {
	return "Host is ready", host.StateReady
}

func (f *fakeHostController) StartArgs() host.StartArgs {
	return host.StartArgs{
		ConfigFile:      "/etc/machined/machined.toml",
		LogFile:         "/var/log/machined.log",
		SoftwareVersion: "v0.1.0-test",
		CPUInfo:         "4 core test cpu",
	}
}

func (f *fakeHostController) InvokeShutdown(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns = append(f.shutdowns, reason)
}

func (f *fakeHostController) shutdownReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.shutdowns))
	copy(out, f.shutdowns)
	return out
}

func newTestRouter() (*Router, *fakeHostController) {
	ctl := &fakeHostController{}
	return NewRouter(ctl, metrics.New(), slog.Default()), ctl
}

// newTestRequest builds a request the way parseRequest would.
func newTestRequest(client Client, path string, args map[string]any) *Request {
	if args == nil {
		args = map[string]any{}
	}
	return &Request{client: client, id: float64(1), path: path, args: args}
}

// statusObject is a registry object with a fixed status snapshot.
type statusObject struct {
	fields map[string]any
}

func (s *statusObject) Status(_ time.Time) map[string]any {
	out := make(map[string]any, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}
