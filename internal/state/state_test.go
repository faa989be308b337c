package state

import "testing"

func TestHappyPathToExit(t *testing.T) {
	m := NewMachine()
	steps := []EventKind{EventSpawn, EventAck, EventExit}
	want := []State{Starting, Running, Exited}
	for i, ev := range steps {
		got, err := m.Apply(Event{Kind: ev, ExitCode: 0})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != want[i] {
			t.Fatalf("step %d: got %s, want %s", i, got, want[i])
		}
	}
	if !m.Current().Terminal() {
		t.Fatal("Exited should be terminal")
	}
	if m.Result().ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", m.Result().ExitCode)
	}
}

func TestStopRequestGoesThroughStopping(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, Event{Kind: EventSpawn})
	mustApply(t, m, Event{Kind: EventAck})
	mustApply(t, m, Event{Kind: EventStopRequest})
	if m.Current() != Stopping {
		t.Fatalf("expected Stopping, got %s", m.Current())
	}
	mustApply(t, m, Event{Kind: EventExit, ExitCode: 0})
	if m.Current() != Exited {
		t.Fatalf("expected Exited, got %s", m.Current())
	}
}

func TestSpawnErrorNeverEntersRunning(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, Event{Kind: EventSpawn})
	got, err := m.Apply(Event{Kind: EventSpawnError, Reason: "exec: no such file"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Failed {
		t.Fatalf("got %s, want Failed", got)
	}
	if m.Result().Reason == "" {
		t.Fatal("expected failure reason to be recorded")
	}
}

func TestCrashFromRunning(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, Event{Kind: EventSpawn})
	mustApply(t, m, Event{Kind: EventAck})
	got, err := m.Apply(Event{Kind: EventCrash, Signal: 9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != Crashed {
		t.Fatalf("got %s, want Crashed", got)
	}
	if m.Result().Signal != 9 {
		t.Fatalf("Signal = %d, want 9", m.Result().Signal)
	}
}

func TestRestartFromTerminalStates(t *testing.T) {
	for _, from := range []State{Exited, Failed, Crashed} {
		m := &Machine{current: from}
		got, err := m.Apply(Event{Kind: EventRestart})
		if err != nil {
			t.Fatalf("restart from %s: unexpected error: %v", from, err)
		}
		if got != Starting {
			t.Fatalf("restart from %s: got %s, want Starting", from, got)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine()
	_, err := m.Apply(Event{Kind: EventAck})
	if err == nil {
		t.Fatal("expected error applying ack from Init")
	}
	var invalid *ErrInvalidTransition
	if !errorsAs(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %T", err)
	}
	if m.Current() != Init {
		t.Fatalf("invalid transition must not move state, got %s", m.Current())
	}
}

func TestNoSkippingStartingToStopping(t *testing.T) {
	m := NewMachine()
	mustApply(t, m, Event{Kind: EventSpawn})
	// Stop requests only make sense once Running; Starting must reject it.
	if _, err := m.Apply(Event{Kind: EventStopRequest}); err == nil {
		t.Fatal("expected stop_request from Starting to be rejected")
	}
}

func mustApply(t *testing.T, m *Machine, ev Event) {
	t.Helper()
	if _, err := m.Apply(ev); err != nil {
		t.Fatalf("Apply(%v): %v", ev, err)
	}
}

func errorsAs(err error, target **ErrInvalidTransition) bool {
	e, ok := err.(*ErrInvalidTransition)
	if !ok {
		return false
	}
	*target = e
	return true
}
