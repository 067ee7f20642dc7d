package api

import (
	"log/slog"
	"maps"
	"time"

	"github.com/motionworks/machined/internal/events"
	"github.com/motionworks/machined/internal/reactor"
)

// GcodeOutputRelay streams gcode command output to subscribed clients.
// It attaches to the host's output feed lazily, on the first
// subscription, and keeps one push template per client.
type GcodeOutputRelay struct {
	bus     *events.Bus
	reactor *reactor.Reactor
	logger  *slog.Logger

	clients  map[string]*pushClient
	attached bool
}

// NewGcodeOutputRelay registers the subscribe_gcode_output endpoint.
func NewGcodeOutputRelay(router *Router, bus *events.Bus, r *reactor.Reactor,
	logger *slog.Logger) (*GcodeOutputRelay, error) {
	relay := &GcodeOutputRelay{
		bus:     bus,
		reactor: r,
		logger:  logger,
		clients: make(map[string]*pushClient),
	}
	if err := router.RegisterEndpoint("subscribe_gcode_output", relay.handleSubscribe); err != nil {
		return nil, err
	}
	return relay, nil
}

func (g *GcodeOutputRelay) handleSubscribe(req *Request) error {
	rawTemplate := req.GetOptional("response_template", map[string]any{})
	template, ok := rawTemplate.(map[string]any)
	if !ok {
		return NewRequestError("Invalid Argument [response_template]")
	}

	client := req.Client()
	g.clients[client.ID()] = &pushClient{client: client, template: template}

	if !g.attached {
		g.bus.Subscribe(func(e events.GcodeResponseEvent) {
			g.reactor.Schedule(func(time.Time) {
				g.broadcast(e.Message)
			})
		})
		g.attached = true
	}
	return nil
}

// broadcast pushes one output line to every live subscriber, wrapped in
// that subscriber's template under a response key.
func (g *GcodeOutputRelay) broadcast(message string) {
	for id, pc := range g.clients {
		if pc.client.IsClosed() {
			delete(g.clients, id)
			continue
		}
		push := make(map[string]any, len(pc.template)+1)
		maps.Copy(push, pc.template)
		push["params"] = map[string]any{"response": message}
		pc.client.Send(push)
	}
}
