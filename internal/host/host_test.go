package host

import (
	"log/slog"
	"testing"
	"time"

	"github.com/motionworks/machined/internal/events"
)

func newTestHost() (*Host, *events.Bus) {
	bus := events.New()
	h := New(bus, StartArgs{SoftwareVersion: "v0.1.0"}, slog.Default())
	return h, bus
}

func TestInitialState(t *testing.T) {
	h, _ := newTestHost()
	message, state := h.StateMessage()
	if state != StateStartup {
		t.Errorf("state = %v, want startup", state)
	}
	if message == "" {
		t.Error("state message should not be empty")
	}
}

func TestSetReadyPublishesEvent(t *testing.T) {
	h, bus := newTestHost()

	ready := make(chan events.ReadyEvent, 1)
	unsub := bus.Subscribe(func(e events.ReadyEvent) { ready <- e })
	defer unsub()

	h.SetReady()

	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("ReadyEvent not published")
	}

	_, state := h.StateMessage()
	if state != StateReady {
		t.Errorf("state = %v, want ready", state)
	}
}

func TestInvokeShutdownIsIdempotent(t *testing.T) {
	h, bus := newTestHost()

	shutdowns := make(chan events.ShutdownEvent, 2)
	unsub := bus.Subscribe(func(e events.ShutdownEvent) { shutdowns <- e })
	defer unsub()

	h.InvokeShutdown("Shutdown due to emergency_stop request")
	h.InvokeShutdown("second call must be ignored")

	select {
	case e := <-shutdowns:
		if e.Reason != "Shutdown due to emergency_stop request" {
			t.Errorf("Reason = %q", e.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("ShutdownEvent not published")
	}

	select {
	case <-shutdowns:
		t.Fatal("Second shutdown event published")
	case <-time.After(20 * time.Millisecond):
	}

	message, state := h.StateMessage()
	if state != StateShutdown {
		t.Errorf("state = %v, want shutdown", state)
	}
	if message != "Shutdown due to emergency_stop request" {
		t.Errorf("message = %q, first reason must stick", message)
	}
}

func TestSetReadyAfterShutdownIgnored(t *testing.T) {
	h, _ := newTestHost()
	h.InvokeShutdown("fatal")
	h.SetReady()
	_, state := h.StateMessage()
	if state != StateShutdown {
		t.Errorf("state = %v, want shutdown to be terminal", state)
	}
}

func TestRequestRestartDropsToStartup(t *testing.T) {
	h, bus := newTestHost()

	restarts := make(chan events.RestartRequestEvent, 1)
	unsub := bus.Subscribe(func(e events.RestartRequestEvent) { restarts <- e })
	defer unsub()

	h.SetReady()
	h.RequestRestart("Restart requested via gcode")

	select {
	case <-restarts:
	case <-time.After(time.Second):
		t.Fatal("RestartRequestEvent not published")
	}

	_, state := h.StateMessage()
	if state != StateStartup {
		t.Errorf("state = %v, want startup", state)
	}
}

func TestStatusSnapshot(t *testing.T) {
	h, _ := newTestHost()
	h.SetReady()

	status := h.Status(time.Now())
	if status["state"] != "ready" {
		t.Errorf("status state = %v, want ready", status["state"])
	}
	if _, ok := status["state_message"]; !ok {
		t.Error("status missing state_message")
	}
}
