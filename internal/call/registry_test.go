package call

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistryDeliversInOrder(t *testing.T) {
	r := newRegistry(testLogger())

	var got []int
	r.subscribe(func(CallState) { got = append(got, 1) })
	r.subscribe(func(CallState) { got = append(got, 2) })
	r.subscribe(func(CallState) { got = append(got, 3) })

	r.notify(CallState{})

	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("delivery order = %v, want [1 2 3]", got)
	}
}

func TestRegistryUnsubscribeRemovesOnlyThatSubscription(t *testing.T) {
	r := newRegistry(testLogger())

	var first, second int
	cancel := r.subscribe(func(CallState) { first++ })
	r.subscribe(func(CallState) { second++ })

	r.notify(CallState{})
	cancel()
	cancel() // repeated cancel is a no-op
	r.notify(CallState{})

	if first != 1 {
		t.Errorf("cancelled subscriber invoked %d times, want 1", first)
	}
	if second != 2 {
		t.Errorf("remaining subscriber invoked %d times, want 2", second)
	}
}

func TestRegistryIsolatesPanickingSubscriber(t *testing.T) {
	r := newRegistry(testLogger())

	var delivered bool
	r.subscribe(func(CallState) { panic("subscriber bug") })
	r.subscribe(func(CallState) { delivered = true })

	r.notify(CallState{})

	if !delivered {
		t.Error("panicking subscriber prevented delivery to the next one")
	}
}
