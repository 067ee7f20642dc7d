package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/motionworks/machined/internal/events"
	"github.com/motionworks/machined/internal/metrics"
	"github.com/motionworks/machined/internal/reactor"
	"github.com/motionworks/machined/internal/registry"
)

// serverHarness runs a full server stack on a live reactor: listener,
// router with built-ins, status tracker, and gcode relay.
type serverHarness struct {
	t    *testing.T
	path string
	ctl  *fakeHostController
	bus  *events.Bus
}

func startTestServer(t *testing.T) *serverHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	r, err := reactor.New(logger)
	if err != nil {
		t.Fatal(err)
	}

	ctl := &fakeHostController{}
	m := metrics.New()
	bus := events.New()
	router := NewRouter(ctl, m, logger)

	reg := registry.New()
	reg.Add("toolhead", &statusObject{fields: map[string]any{
		"position":   []any{0.0, 0.0, 0.0},
		"homed_axes": "xyz",
	}})
	st, err := NewStatusTracker(router, reg, r, bus, m, logger)
	if err != nil {
		t.Fatal(err)
	}
	st.handleReady(time.Now())
	if _, err := NewGcodeOutputRelay(router, bus, r, logger); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "api.sock")
	srv, err := NewServer(ServerConfig{SocketPath: path}, r, router, bus, m, logger)
	if err != nil {
		t.Fatal(err)
	}
	if !srv.Enabled() {
		t.Fatal("server not enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &serverHarness{t: t, path: path, ctl: ctl, bus: bus}
}

// apiClient speaks the wire protocol over a dialed connection.
type apiClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *serverHarness) dial() *apiClient {
	h.t.Helper()
	conn, err := net.Dial("unix", h.path)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(func() { conn.Close() })
	return &apiClient{t: h.t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *apiClient) sendRaw(data []byte) {
	c.t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatal(err)
	}
}

func (c *apiClient) send(id int, path string, args map[string]any) {
	c.t.Helper()
	frame, err := encodeFrame(map[string]any{"id": id, "path": path, "args": args})
	if err != nil {
		c.t.Fatal(err)
	}
	c.sendRaw(frame)
}

// read returns the next decoded wire message, failing after the deadline.
func (c *apiClient) read(timeout time.Duration) map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := c.r.ReadBytes(frameTerminator)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(frame[:len(frame)-1], &msg); err != nil {
		c.t.Fatalf("decoding frame %q: %v", frame, err)
	}
	return msg
}

// readResponse reads the next direct-response envelope and returns its
// params, skipping any interleaved status pushes.
func (c *apiClient) readResponse(timeout time.Duration) map[string]any {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		msg := c.read(time.Until(deadline))
		if msg["method"] == "response" {
			return msg["params"].(map[string]any)
		}
	}
}

func TestServerRequestResponse(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.send(42, "list_endpoints", nil)
	params := client.readResponse(2 * time.Second)

	if params["request_id"] != float64(42) {
		t.Errorf("request_id = %v, want 42", params["request_id"])
	}
	payload, ok := params["response"].(map[string]any)
	if !ok {
		t.Fatalf("response = %v", params["response"])
	}
	endpoints, _ := payload["endpoints"].([]any)
	found := false
	for _, e := range endpoints {
		if e == "objects/subscription" {
			found = true
		}
	}
	if !found {
		t.Errorf("endpoints = %v, want objects/subscription present", endpoints)
	}
}

func TestServerMalformedFrameDoesNotKillConnection(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.sendRaw([]byte("{this is not json\x03"))
	client.send(7, "info", nil)

	params := client.readResponse(2 * time.Second)
	if params["request_id"] != float64(7) {
		t.Errorf("request_id = %v, want 7", params["request_id"])
	}
	payload := params["response"].(map[string]any)
	if payload["state"] != "ready" {
		t.Errorf("state = %v, want ready", payload["state"])
	}
}

func TestServerPipelinedRequestsAnsweredInOrder(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	const count = 50
	for i := range count {
		client.send(i, "objects/status", map[string]any{"toolhead": nil})
	}
	for i := range count {
		params := client.readResponse(5 * time.Second)
		if params["request_id"] != float64(i) {
			t.Fatalf("response %d has request_id %v", i, params["request_id"])
		}
	}
}

func TestServerSubscriptionPushes(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.send(1, "objects/subscription", map[string]any{
		"toolhead":          []any{"homed_axes"},
		"response_template": map[string]any{"key": "sub-1"},
	})
	if params := client.readResponse(2 * time.Second); params["response"] != "ok" {
		t.Fatalf("subscription response = %v", params["response"])
	}

	// Two consecutive pushes, each carrying the template and the
	// filtered status.
	for range 2 {
		push := client.read(2 * time.Second)
		if push["key"] != "sub-1" {
			t.Errorf("push missing template key: %v", push)
		}
		status := push["params"].(map[string]any)["status"].(map[string]any)
		toolhead, ok := status["toolhead"].(map[string]any)
		if !ok || toolhead["homed_axes"] != "xyz" {
			t.Errorf("push status = %v", status)
		}
	}
}

func TestServerGcodeOutputPush(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.send(1, "subscribe_gcode_output", map[string]any{
		"response_template": map[string]any{"key": "gc-1"},
	})
	if params := client.readResponse(2 * time.Second); params["response"] != "ok" {
		t.Fatalf("subscribe response = %v", params["response"])
	}

	h.bus.Publish(events.GcodeResponseEvent{Message: "ok T:24.6"})

	push := client.read(2 * time.Second)
	if push["key"] != "gc-1" {
		t.Errorf("push missing template key: %v", push)
	}
	if got := push["params"].(map[string]any)["response"]; got != "ok T:24.6" {
		t.Errorf("pushed response = %v", got)
	}
}

func TestServerEmergencyStop(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.send(9, "emergency_stop", nil)
	if params := client.readResponse(2 * time.Second); params["response"] != "ok" {
		t.Fatalf("response = %v", params["response"])
	}

	reasons := h.ctl.shutdownReasons()
	if len(reasons) != 1 || !strings.Contains(reasons[0], "emergency_stop") {
		t.Errorf("shutdown reasons = %v", reasons)
	}
}

func TestServerDisconnectTearsDown(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.send(1, "info", nil)
	client.readResponse(2 * time.Second)

	h.bus.Publish(events.DisconnectEvent{})

	// The client sees EOF once the server drops the connection.
	client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.r.ReadBytes(frameTerminator); err == nil {
		t.Error("connection still open after disconnect")
	}

	// The socket file is removed.
	removed := false
	for range 40 {
		if _, err := os.Stat(h.path); os.IsNotExist(err) {
			removed = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !removed {
		t.Error("socket file still present after disconnect")
	}
}

func TestServerRemovesStaleSocketFile(t *testing.T) {
	// Simulate a crashed predecessor: a leftover file at the socket path
	// must be removed so the bind succeeds.
	path := filepath.Join(t.TempDir(), "api.sock")
	if err := os.WriteFile(path, []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := reactor.New(slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	router, _ := newTestRouter()
	srv, err := NewServer(ServerConfig{SocketPath: path}, r, router,
		events.New(), metrics.New(), slog.Default())
	if err != nil {
		t.Fatalf("NewServer over stale file: %v", err)
	}
	if !srv.Enabled() {
		t.Error("server not enabled")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Type() != os.ModeSocket {
		t.Errorf("path mode = %v, want socket", info.Mode())
	}
}

func TestServerDisabledModes(t *testing.T) {
	logger := slog.Default()
	tests := []struct {
		name string
		cfg  ServerConfig
	}{
		{"no socket path", ServerConfig{}},
		{"debug input replay", ServerConfig{
			SocketPath: filepath.Join(t.TempDir(), "api.sock"),
			DebugInput: "/tmp/testcase.batch",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := reactor.New(logger)
			if err != nil {
				t.Fatal(err)
			}
			router, _ := newTestRouter()
			srv, err := NewServer(tt.cfg, r, router, events.New(), metrics.New(), logger)
			if err != nil {
				t.Fatal(err)
			}
			if srv.Enabled() {
				t.Error("server should be disabled")
			}
			if tt.cfg.SocketPath != "" {
				if _, err := os.Stat(tt.cfg.SocketPath); !os.IsNotExist(err) {
					t.Error("disabled server bound the socket anyway")
				}
			}
		})
	}
}

func TestServerConcurrentClients(t *testing.T) {
	h := startTestServer(t)

	first := h.dial()
	second := h.dial()

	first.send(1, "info", nil)
	second.send(2, "info", nil)

	firstParams := first.readResponse(2 * time.Second)
	secondParams := second.readResponse(2 * time.Second)

	if firstParams["request_id"] != float64(1) {
		t.Errorf("first client got request_id %v", firstParams["request_id"])
	}
	if secondParams["request_id"] != float64(2) {
		t.Errorf("second client got request_id %v", secondParams["request_id"])
	}
}

func TestServerUnknownPathOverWire(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	client.send(3, "gcode/script", map[string]any{"script": "G28"})
	params := client.readResponse(2 * time.Second)

	wire, ok := params["response"].(map[string]any)
	if !ok {
		t.Fatalf("response = %v, want error payload", params["response"])
	}
	if wire["error"] != "WebRequestError" {
		t.Errorf("error kind = %v", wire["error"])
	}
	if msg, _ := wire["message"].(string); !strings.HasPrefix(msg, "No registered callback") {
		t.Errorf("message = %q", msg)
	}

	// The connection survives the error.
	client.send(4, "info", nil)
	if params := client.readResponse(2 * time.Second); params["request_id"] != float64(4) {
		t.Errorf("follow-up request_id = %v", params["request_id"])
	}
}

func TestServerLargeResponseFlushes(t *testing.T) {
	h := startTestServer(t)
	client := h.dial()

	// A response much larger than one receive chunk exercises the
	// partial-write flush path.
	client.send(1, "objects/status", map[string]any{"toolhead": nil})
	for i := 0; i < 200; i++ {
		client.send(i+10, "list_endpoints", nil)
	}

	seen := 0
	deadline := time.Now().Add(10 * time.Second)
	for seen < 201 && time.Now().Before(deadline) {
		client.readResponse(time.Until(deadline))
		seen++
	}
	if seen != 201 {
		t.Fatalf("received %d responses, want 201", seen)
	}
}
