package events

import (
	"context"
	"testing"

	"github.com/veldtlabs/veldt/pkg/core"
)

func TestPublishReachesSubscribers(t *testing.T) {
	bus := NewBus()
	var got []core.Event
	bus.Subscribe("ws1", core.EventRunCompleted, func(_ context.Context, e core.Event) {
		got = append(got, e)
	})

	bus.Publish(context.Background(), core.NewEvent(core.EventRunCompleted, "ws1", "r1", "agent-a", nil))
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].RunID != "r1" || got[0].WorkspaceID != "ws1" {
		t.Fatalf("unexpected event: %+v", got[0])
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	bus := NewBus()
	delivered := 0
	bus.Subscribe("ws1", core.EventRunStarted, func(_ context.Context, _ core.Event) {
		delivered++
	})

	bus.Publish(context.Background(), core.NewEvent(core.EventRunStarted, "ws2", "r1", "agent-a", nil))
	if delivered != 0 {
		t.Fatal("handler in ws1 must never see a ws2 event")
	}

	bus.Publish(context.Background(), core.NewEvent(core.EventRunStarted, "ws1", "r2", "agent-a", nil))
	if delivered != 1 {
		t.Fatalf("expected 1 delivery in ws1, got %d", delivered)
	}
}

func TestEventTypeFiltering(t *testing.T) {
	bus := NewBus()
	delivered := 0
	bus.Subscribe("ws1", core.EventRunFailed, func(_ context.Context, _ core.Event) {
		delivered++
	})
	bus.Publish(context.Background(), core.NewEvent(core.EventRunCompleted, "ws1", "r1", "agent-a", nil))
	if delivered != 0 {
		t.Fatal("handler must only see its subscribed type")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewBus()
	delivered := 0
	unsub := bus.Subscribe("ws1", core.EventRunCompleted, func(_ context.Context, _ core.Event) {
		delivered++
	})
	unsub()
	unsub()

	bus.Publish(context.Background(), core.NewEvent(core.EventRunCompleted, "ws1", "r1", "agent-a", nil))
	if delivered != 0 {
		t.Fatal("unsubscribed handler must not be invoked")
	}
	if bus.HandlerCount("ws1") != 0 {
		t.Fatal("empty workspace bucket must be removed")
	}
}

func TestUnsubscribeOnlyDetachesOwnHandler(t *testing.T) {
	bus := NewBus()
	var first, second int
	unsub := bus.Subscribe("ws1", core.EventStepCompleted, func(_ context.Context, _ core.Event) {
		first++
	})
	bus.Subscribe("ws1", core.EventStepCompleted, func(_ context.Context, _ core.Event) {
		second++
	})
	unsub()

	bus.Publish(context.Background(), core.NewEvent(core.EventStepCompleted, "ws1", "r1", "agent-a", nil))
	if first != 0 || second != 1 {
		t.Fatalf("expected only the remaining handler, got first=%d second=%d", first, second)
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := NewBus()
	survived := 0
	bus.Subscribe("ws1", core.EventBudgetExceeded, func(_ context.Context, _ core.Event) {
		panic("handler bug")
	})
	bus.Subscribe("ws1", core.EventBudgetExceeded, func(_ context.Context, _ core.Event) {
		survived++
	})

	bus.Publish(context.Background(), core.NewEvent(core.EventBudgetExceeded, "ws1", "r1", "agent-a", nil))
	if survived != 1 {
		t.Fatal("a panicking handler must not starve the remaining handlers")
	}
}

func TestDisposeWorkspace(t *testing.T) {
	bus := NewBus()
	delivered := 0
	bus.Subscribe("ws1", core.EventRunCreated, func(_ context.Context, _ core.Event) { delivered++ })
	bus.Subscribe("ws1", core.EventRunFailed, func(_ context.Context, _ core.Event) { delivered++ })
	bus.Subscribe("ws2", core.EventRunCreated, func(_ context.Context, _ core.Event) { delivered++ })

	if removed := bus.DisposeWorkspace("ws1"); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	bus.Publish(context.Background(), core.NewEvent(core.EventRunCreated, "ws1", "r1", "agent-a", nil))
	if delivered != 0 {
		t.Fatal("disposed workspace must deliver nothing")
	}

	bus.Publish(context.Background(), core.NewEvent(core.EventRunCreated, "ws2", "r2", "agent-a", nil))
	if delivered != 1 {
		t.Fatal("other workspaces must be unaffected by disposal")
	}
	if removed := bus.DisposeWorkspace("ws1"); removed != 0 {
		t.Fatalf("second disposal must remove nothing, got %d", removed)
	}
}

func TestNilHandlerIsIgnored(t *testing.T) {
	bus := NewBus()
	unsub := bus.Subscribe("ws1", core.EventRunCreated, nil)
	unsub()
	if bus.HandlerCount("ws1") != 0 {
		t.Fatal("nil handler must not be registered")
	}
}
