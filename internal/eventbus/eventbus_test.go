package eventbus

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/tasker-run/tasker/internal/taskerr"
)

func newTestBus() *Bus {
	return New(zap.NewNop())
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	bus := newTestBus()
	var received interface{}
	bus.Subscribe(EventTaskStarted, "recorder", func(ctx context.Context, name string, payload interface{}) error {
		received = payload
		return nil
	})

	if err := bus.Publish(context.Background(), EventTaskStarted, map[string]int{"task_id": 7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload, ok := received.(map[string]int)
	if !ok || payload["task_id"] != 7 {
		t.Fatalf("subscriber did not receive the published payload, got %#v", received)
	}
}

func TestPublishRejectsUnregisteredEvent(t *testing.T) {
	bus := newTestBus()
	err := bus.Publish(context.Background(), "workflow.not_a_real_event", nil)
	if err == nil {
		t.Fatal("expected an error publishing an unregistered event")
	}
	if _, ok := err.(*taskerr.ConfigurationError); !ok {
		t.Fatalf("expected *taskerr.ConfigurationError, got %T", err)
	}
}

func TestRegisterEventRequiresNamespace(t *testing.T) {
	bus := newTestBus()
	if err := bus.RegisterEvent("unnamespaced"); err == nil {
		t.Fatal("expected an error registering an event name without a dot")
	}
}

func TestRegisterEventRejectsReservedPrefixes(t *testing.T) {
	bus := newTestBus()
	for _, name := range []string{"task.custom_thing", "step.custom_thing", "workflow.custom_thing", "observability.custom_thing"} {
		if err := bus.RegisterEvent(name); err == nil {
			t.Errorf("expected an error registering %q, a reserved-prefix name", name)
		}
	}
}

func TestRegisterEventAllowsNamespacedCustomEvents(t *testing.T) {
	bus := newTestBus()
	if err := bus.RegisterEvent("tasker.custom.invoice_reviewed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	delivered := false
	bus.Subscribe("tasker.custom.invoice_reviewed", "subscriber", func(ctx context.Context, name string, payload interface{}) error {
		delivered = true
		return nil
	})
	if err := bus.Publish(context.Background(), "tasker.custom.invoice_reviewed", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delivered {
		t.Fatal("expected the custom event to reach its subscriber")
	}
}

func TestPublishContinuesAfterSubscriberErrorOrPanic(t *testing.T) {
	bus := newTestBus()
	var calledThird bool

	bus.Subscribe(EventTaskStarted, "erroring", func(ctx context.Context, name string, payload interface{}) error {
		return context.DeadlineExceeded
	})
	bus.Subscribe(EventTaskStarted, "panicking", func(ctx context.Context, name string, payload interface{}) error {
		panic("boom")
	})
	bus.Subscribe(EventTaskStarted, "well-behaved", func(ctx context.Context, name string, payload interface{}) error {
		calledThird = true
		return nil
	})

	if err := bus.Publish(context.Background(), EventTaskStarted, nil); err != nil {
		t.Fatalf("Publish itself should never fail due to a subscriber: %v", err)
	}
	if !calledThird {
		t.Fatal("expected delivery to continue past an erroring and a panicking subscriber")
	}
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "corr-123")
	id, ok := CorrelationID(ctx)
	if !ok || id != "corr-123" {
		t.Fatalf("got (%q, %v), want (\"corr-123\", true)", id, ok)
	}

	_, ok = CorrelationID(context.Background())
	if ok {
		t.Fatal("expected no correlation id on a bare context")
	}
}
