package status

import (
	"testing"
	"time"

	"github.com/murmurapp/murmur/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{Idle, Draining, Idle}},
		{[]State{Offline, Idle, Draining, Degraded, Idle}},
		{[]State{Idle, Offline, Idle, Stopped}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, next := range tt.path {
			if err := m.Transition(next); err != nil {
				t.Fatalf("Transition(-> %s) error = %v", next, err)
			}
		}
		if got := m.Current(); got != tt.path[len(tt.path)-1] {
			t.Errorf("final state = %s, want %s", got, tt.path[len(tt.path)-1])
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Degraded); err == nil {
		t.Error("Transition(BOOTING -> DEGRADED) should fail")
	}
}

func TestSelfTransitionIsNoop(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Booting); err != nil {
		t.Errorf("self transition error = %v", err)
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("engine.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Idle); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if change.From != Booting || change.To != Idle {
			t.Errorf("change = %+v, want BOOTING -> IDLE", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}
