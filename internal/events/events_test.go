package events

import (
	"sync"
	"testing"
)

func TestBus_PublishToAllSubscribers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	got := map[string]int{}
	bus.Subscribe(func(e Event) { mu.Lock(); got["a"]++; mu.Unlock() })
	bus.Subscribe(func(e Event) { mu.Lock(); got["b"]++; mu.Unlock() })

	bus.Publish(Event{JobID: "j1", Stage: StageRender})
	bus.Publish(Event{JobID: "j1", Stage: StageDone})

	if got["a"] != 2 || got["b"] != 2 {
		t.Errorf("deliveries = %v, want 2 each", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsub := bus.Subscribe(func(e Event) { calls++ })

	bus.Publish(Event{Stage: StageDecode})
	unsub()
	unsub()
	bus.Publish(Event{Stage: StageRender})

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBus_StampsTime(t *testing.T) {
	bus := NewBus()
	var seen Event
	bus.Subscribe(func(e Event) { seen = e })

	bus.Publish(Event{Stage: StageDecode})
	if seen.At.IsZero() {
		t.Error("At should be stamped")
	}
}

func TestBus_SubscribeFromHandler(t *testing.T) {
	bus := NewBus()
	bus.Subscribe(func(e Event) {
		bus.Subscribe(func(Event) {})
	})
	bus.Publish(Event{Stage: StageDecode})
}

func TestStage_Terminal(t *testing.T) {
	tests := map[Stage]bool{
		StageDecode:   false,
		StageCaptions: false,
		StageRender:   false,
		StageEncode:   false,
		StagePoster:   false,
		StageDone:     true,
		StageFailed:   true,
	}
	for stage, want := range tests {
		if got := stage.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", stage, got, want)
		}
	}
}
