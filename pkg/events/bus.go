// Package events is a workspace-scoped synchronous event bus. Handlers in one
// workspace never observe another workspace's events, which keeps multi-window
// sessions isolated without separate bus instances.
package events

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldtlabs/veldt/pkg/core"
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(ctx context.Context, event core.Event)

// Unsubscribe detaches a handler. Safe to call more than once.
type Unsubscribe func()

type workspaceBus struct {
	handlers map[core.EventType]map[int]Handler
}

// Bus routes events to handlers registered for a (workspace, event type)
// pair. Workspace buckets are created lazily on first subscribe and removed
// when their last handler detaches.
type Bus struct {
	mu         sync.RWMutex
	workspaces map[string]*workspaceBus
	nextID     int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{workspaces: make(map[string]*workspaceBus)}
}

// Subscribe registers a handler for one event type in one workspace and
// returns its detach function.
func (b *Bus) Subscribe(workspaceID string, eventType core.EventType, handler Handler) Unsubscribe {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	ws := b.workspaces[workspaceID]
	if ws == nil {
		ws = &workspaceBus{handlers: make(map[core.EventType]map[int]Handler)}
		b.workspaces[workspaceID] = ws
	}
	set := ws.handlers[eventType]
	if set == nil {
		set = make(map[int]Handler)
		ws.handlers[eventType] = set
	}
	id := b.nextID
	b.nextID++
	set[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(workspaceID, eventType, id)
		})
	}
}

func (b *Bus) remove(workspaceID string, eventType core.EventType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.workspaces[workspaceID]
	if ws == nil {
		return
	}
	set := ws.handlers[eventType]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(ws.handlers, eventType)
	}
	if len(ws.handlers) == 0 {
		delete(b.workspaces, workspaceID)
	}
}

// Publish delivers the event to every handler subscribed to its type in its
// workspace. Delivery is synchronous; a panicking handler is recovered and
// logged so one bad subscriber cannot take down the publisher or starve the
// remaining handlers.
func (b *Bus) Publish(ctx context.Context, event core.Event) {
	initBusMetrics()
	b.mu.RLock()
	var handlers []Handler
	if ws := b.workspaces[event.WorkspaceID]; ws != nil {
		if set := ws.handlers[event.Type]; len(set) > 0 {
			handlers = make([]Handler, 0, len(set))
			for _, h := range set {
				handlers = append(handlers, h)
			}
		}
	}
	b.mu.RUnlock()

	publishCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", string(event.Type)),
	))
	for _, h := range handlers {
		b.deliver(ctx, event, h)
	}
}

func (b *Bus) deliver(ctx context.Context, event core.Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanicCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event.type", string(event.Type)),
			))
			slog.Default().Error("events.handler.panic",
				slog.String("event_type", string(event.Type)),
				slog.String("workspace_id", event.WorkspaceID),
				slog.String("run_id", event.RunID),
				slog.Any("panic", r),
			)
		}
	}()
	h(ctx, event)
}

// DisposeWorkspace drops every subscription in the workspace. Returns the
// number of handlers removed.
func (b *Bus) DisposeWorkspace(workspaceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.workspaces[workspaceID]
	if ws == nil {
		return 0
	}
	removed := 0
	for _, set := range ws.handlers {
		removed += len(set)
	}
	delete(b.workspaces, workspaceID)
	return removed
}

// HandlerCount reports how many handlers the workspace currently holds.
func (b *Bus) HandlerCount(workspaceID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ws := b.workspaces[workspaceID]
	if ws == nil {
		return 0
	}
	n := 0
	for _, set := range ws.handlers {
		n += len(set)
	}
	return n
}

var (
	busMetricsOnce      sync.Once
	publishCounter      metric.Int64Counter
	handlerPanicCounter metric.Int64Counter
)

func initBusMetrics() {
	busMetricsOnce.Do(func() {
		meter := otel.Meter("veldt/events")
		publishCounter, _ = meter.Int64Counter("veldt.events.publish.count")
		handlerPanicCounter, _ = meter.Int64Counter("veldt.events.handler.panic.count")
	})
}
