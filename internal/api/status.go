package api

import (
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/motionworks/machined/internal/events"
	"github.com/motionworks/machined/internal/metrics"
	"github.com/motionworks/machined/internal/reactor"
	"github.com/motionworks/machined/internal/registry"
)

// statusRefreshInterval is the push period. It bounds push latency
// while amortizing the per-tick catalog scan across all subscribers.
const statusRefreshInterval = 250 * time.Millisecond

// notReadyMarker replaces the snapshot while the host is not ready.
const notReadyMarker = "Host Not Ready"

// pushClient pairs a subscribed connection with the opaque envelope the
// client asked to have every push wrapped in.
type pushClient struct {
	client   Client
	template map[string]any
}

// StatusTracker is the subscription engine: it maintains the catalog of
// queryable objects, merges clients' field subscriptions into one global
// interest table, and pushes a batched snapshot to every subscriber on a
// fixed interval. All state is reactor-owned.
type StatusTracker struct {
	registry *registry.Registry
	reactor  *reactor.Reactor
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// available is the catalog: object name to field names, rebuilt
	// wholesale on ready and cleared on restart request.
	available map[string][]string

	// subscriptions holds the merged global interest per object. An
	// empty (non-nil) field slice is the all-fields sentinel.
	subscriptions map[string][]string

	clients      map[string]*pushClient
	timer        *reactor.Timer
	timerStarted bool
	ready        bool
}

// NewStatusTracker wires the engine into the router and the host event
// stream. The push timer stays inactive until the first subscription.
func NewStatusTracker(router *Router, reg *registry.Registry, r *reactor.Reactor,
	bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) (*StatusTracker, error) {
	st := &StatusTracker{
		registry:      reg,
		reactor:       r,
		logger:        logger,
		metrics:       m,
		available:     make(map[string][]string),
		subscriptions: make(map[string][]string),
		clients:       make(map[string]*pushClient),
	}
	st.timer = r.RegisterTimer(st.tick)

	endpoints := map[string]Handler{
		"objects/list":              st.handleList,
		"objects/status":            st.handleStatus,
		"objects/subscription":      st.handleSubscription,
		"objects/list_subscription": st.handleListSubscription,
	}
	for path, handler := range endpoints {
		if err := router.RegisterEndpoint(path, handler); err != nil {
			return nil, err
		}
	}

	bus.Subscribe(func(events.ReadyEvent) {
		r.Schedule(st.handleReady)
	})
	bus.Subscribe(func(events.RestartRequestEvent) {
		r.Schedule(func(time.Time) {
			st.handleRestart()
		})
	})

	return st, nil
}

// handleReady rebuilds the catalog from every registered object that
// exposes status, invoking each accessor once for its key set.
func (st *StatusTracker) handleReady(now time.Time) {
	st.available = make(map[string][]string)
	for name, provider := range st.registry.StatusProviders() {
		fields := slices.Sorted(maps.Keys(provider.Status(now)))
		st.available[name] = fields
	}
	st.ready = true
	st.logger.Debug("Status catalog rebuilt", "objects", len(st.available))
}

// handleRestart invalidates the catalog and stops the push timer; it
// restarts lazily on the next subscription.
func (st *StatusTracker) handleRestart() {
	st.ready = false
	st.reactor.UpdateTimer(st.timer, reactor.Never)
	st.timerStarted = false
}

// snapshot computes the filtered status of every requested object that
// is present in the catalog. An empty field list requests all fields.
// Func-valued fields never appear in snapshots.
func (st *StatusTracker) snapshot(requested map[string][]string, now time.Time) map[string]any {
	if !st.ready {
		return map[string]any{"status": notReadyMarker}
	}

	result := make(map[string]any)
	for name, requestedFields := range requested {
		if _, inCatalog := st.available[name]; !inCatalog {
			// Stale subscriptions against removed objects are skipped
			// at push time, not eagerly purged.
			continue
		}
		obj, ok := st.registry.Lookup(name)
		if !ok {
			continue
		}
		provider, ok := obj.(registry.StatusProvider)
		if !ok {
			continue
		}

		status := provider.Status(now)
		fields := make(map[string]any)
		if len(requestedFields) == 0 {
			for key, value := range status {
				if !isCallable(value) {
					fields[key] = value
				}
			}
		} else {
			for _, key := range requestedFields {
				if value, present := status[key]; present && !isCallable(value) {
					fields[key] = value
				}
			}
		}
		result[name] = fields
	}
	return result
}

// isCallable reports whether a status value is a function. Objects may
// expose callables internally; they are never serializable.
func isCallable(v any) bool {
	return v != nil && reflect.ValueOf(v).Kind() == reflect.Func
}

// addSubscription merges a validated request into the global interest
// table: unknown objects are skipped, unknown fields dropped, and the
// all-fields sentinel wins any merge it participates in.
func (st *StatusTracker) addSubscription(sub map[string][]string) {
	for name, requestedFields := range sub {
		available, ok := st.available[name]
		if !ok {
			st.logger.Info("Object not available for subscription", "object", name)
			continue
		}

		if len(requestedFields) > 0 {
			valid := make([]string, 0, len(requestedFields))
			for _, field := range requestedFields {
				if slices.Contains(available, field) {
					valid = append(valid, field)
				} else {
					st.logger.Info("Removed invalid field from subscription",
						"object", name, "field", field)
				}
			}
			if len(valid) == 0 {
				continue
			}
			requestedFields = valid
		}

		existing, subscribed := st.subscriptions[name]
		switch {
		case !subscribed:
			if len(requestedFields) == 0 {
				requestedFields = []string{}
			}
			st.subscriptions[name] = requestedFields
		case len(requestedFields) == 0 || len(existing) == 0:
			st.subscriptions[name] = []string{}
		default:
			merged := slices.Clone(existing)
			for _, field := range requestedFields {
				if !slices.Contains(merged, field) {
					merged = append(merged, field)
				}
			}
			slices.Sort(merged)
			st.subscriptions[name] = merged
		}
	}
}

// tick pushes one shared snapshot to every subscribed client, forgetting
// clients whose connection has closed.
func (st *StatusTracker) tick(now time.Time) time.Time {
	status := st.snapshot(st.subscriptions, now)
	for id, pc := range st.clients {
		if pc.client.IsClosed() {
			delete(st.clients, id)
			continue
		}
		push := make(map[string]any, len(pc.template)+1)
		maps.Copy(push, pc.template)
		push["params"] = map[string]any{"status": status}
		pc.client.Send(push)
		st.metrics.PushesTotal.Inc()
	}
	return now.Add(statusRefreshInterval)
}

func (st *StatusTracker) handleList(req *Request) error {
	result := make(map[string]any, len(st.available))
	for name, fields := range st.available {
		result[name] = fields
	}
	return req.SetResult(result)
}

func (st *StatusTracker) handleStatus(req *Request) error {
	requested, err := parseObjectRequest(req.Args())
	if err != nil {
		return err
	}
	return req.SetResult(st.snapshot(requested, st.reactor.Now()))
}

func (st *StatusTracker) handleSubscription(req *Request) error {
	rawTemplate := req.GetOptional("response_template", map[string]any{})
	template, ok := rawTemplate.(map[string]any)
	if !ok {
		return NewRequestError("Invalid Argument [response_template]")
	}

	objectArgs := maps.Clone(req.Args())
	delete(objectArgs, "response_template")
	if len(objectArgs) == 0 {
		return NewRequestError("Invalid argument")
	}

	requested, err := parseObjectRequest(objectArgs)
	if err != nil {
		return err
	}
	st.addSubscription(requested)

	client := req.Client()
	st.clients[client.ID()] = &pushClient{client: client, template: template}

	if !st.timerStarted {
		st.reactor.UpdateTimer(st.timer, st.reactor.Now())
		st.timerStarted = true
	}
	return nil
}

func (st *StatusTracker) handleListSubscription(req *Request) error {
	result := make(map[string]any, len(st.subscriptions))
	for name, fields := range st.subscriptions {
		result[name] = fields
	}
	return req.SetResult(result)
}

// parseObjectRequest converts a raw argument map into object-to-fields
// form. A null or empty list value requests all fields; anything other
// than a list of strings is an invalid argument.
func parseObjectRequest(args map[string]any) (map[string][]string, error) {
	requested := make(map[string][]string, len(args))
	for name, value := range args {
		if value == nil {
			requested[name] = nil
			continue
		}
		list, ok := value.([]any)
		if !ok {
			return nil, NewRequestError("Invalid Argument [%s]", name)
		}
		fields := make([]string, 0, len(list))
		for _, item := range list {
			field, isString := item.(string)
			if !isString {
				return nil, NewRequestError("Invalid Argument [%s]", name)
			}
			fields = append(fields, field)
		}
		requested[name] = fields
	}
	return requested, nil
}
