package events

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDispatchFanOut(t *testing.T) {
	bus := New(Options{Endpoint: "ws://unused"})

	var got []string
	bus.Subscribe(TypeTableUpdate, func(env Envelope) {
		got = append(got, "typed:"+env.Type)
	})
	bus.Subscribe(SubjectAll, func(env Envelope) {
		got = append(got, "wildcard:"+env.Type)
	})

	bus.dispatch(Envelope{Type: TypeTableUpdate})

	want := []string{"typed:table_update", "wildcard:table_update"}
	if len(got) != len(want) {
		t.Fatalf("handler invocations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("invocation %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDispatchRegistrationOrder(t *testing.T) {
	bus := New(Options{})

	var got []int
	for i := 0; i < 4; i++ {
		i := i
		bus.Subscribe(TypeTablesSnapshot, func(Envelope) {
			got = append(got, i)
		})
	}

	bus.dispatch(Envelope{Type: TypeTablesSnapshot})

	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order = %v, want ascending registration order", got)
		}
	}
	if len(got) != 4 {
		t.Fatalf("delivered to %d handlers, want 4", len(got))
	}
}

func TestDispatchSkipsOtherSubjects(t *testing.T) {
	bus := New(Options{})

	calls := 0
	bus.Subscribe(TypeOperationCancelled, func(Envelope) { calls++ })

	bus.dispatch(Envelope{Type: TypeTableUpdate})
	if calls != 0 {
		t.Errorf("handler for %q invoked %d times for a %q message",
			TypeOperationCancelled, calls, TypeTableUpdate)
	}
}

func TestUnsubscribeRemovesOnlyOwnHandler(t *testing.T) {
	bus := New(Options{})

	first, second := 0, 0
	unsub := bus.Subscribe(TypeTableUpdate, func(Envelope) { first++ })
	bus.Subscribe(TypeTableUpdate, func(Envelope) { second++ })

	unsub()
	bus.dispatch(Envelope{Type: TypeTableUpdate})

	if first != 0 {
		t.Errorf("unsubscribed handler invoked %d times", first)
	}
	if second != 1 {
		t.Errorf("remaining handler invoked %d times, want 1", second)
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := New(Options{})

	calls := 0
	unsub := bus.Subscribe(TypeTableUpdate, func(Envelope) { calls++ })
	bus.Subscribe(TypeTableUpdate, func(Envelope) { calls++ })

	unsub()
	unsub()
	bus.dispatch(Envelope{Type: TypeTableUpdate})

	if calls != 1 {
		t.Errorf("handlers invoked %d times after double unsubscribe, want 1", calls)
	}
}

func TestSyntheticErrorReachesWildcardOnly(t *testing.T) {
	bus := New(Options{})

	typedCalls := 0
	bus.Subscribe(TypeError, func(Envelope) { typedCalls++ })

	var wildcardGot Envelope
	wildcardCalls := 0
	bus.Subscribe(SubjectAll, func(env Envelope) {
		wildcardCalls++
		wildcardGot = env
	})

	bus.dispatchError(errors.New("connection reset"))

	if typedCalls != 0 {
		t.Errorf("typed error handler invoked %d times for synthetic error, want 0", typedCalls)
	}
	if wildcardCalls != 1 {
		t.Fatalf("wildcard handler invoked %d times, want 1", wildcardCalls)
	}
	if wildcardGot.Type != TypeError {
		t.Errorf("synthetic envelope type = %q, want %q", wildcardGot.Type, TypeError)
	}
	var payload map[string]string
	if err := json.Unmarshal(wildcardGot.Data, &payload); err != nil {
		t.Fatalf("synthetic envelope data not JSON: %v", err)
	}
	if payload["message"] != "connection reset" {
		t.Errorf("synthetic error message = %q", payload["message"])
	}
}

func TestPublishWhileDisconnectedIsNoOp(t *testing.T) {
	bus := New(Options{})

	// Must not panic or block; the frame is dropped.
	bus.Publish(Envelope{Type: TypeTableStatusUpdate})
	bus.PublishJSON(TypeTableUpdateRequest, map[string]string{"table_id": "t1"})
}

func TestDisconnectWithoutConnect(t *testing.T) {
	bus := New(Options{})
	if err := bus.Disconnect(); err != nil {
		t.Errorf("Disconnect() on never-connected bus = %v, want nil", err)
	}
}
