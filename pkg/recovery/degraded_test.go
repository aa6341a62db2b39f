package recovery

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestDegradedGate_EnterExit(t *testing.T) {
	g := NewDegradedGate(zerolog.Nop())

	if g.Active() {
		t.Fatalf("new gate should be inactive")
	}

	g.Enter("disk full")
	if !g.Active() {
		t.Errorf("Active = false after Enter")
	}
	if g.Reason() != "disk full" {
		t.Errorf("Reason = %q, want %q", g.Reason(), "disk full")
	}

	g.Exit()
	if g.Active() {
		t.Errorf("Active = true after Exit")
	}
	if g.Reason() != "" {
		t.Errorf("Reason = %q, want empty", g.Reason())
	}
}

func TestDegradedGate_ExitIdempotent(t *testing.T) {
	g := NewDegradedGate(zerolog.Nop())

	transitions := 0
	g.Observe(func(active bool, _ string) {
		transitions++
	})

	g.Exit()
	g.Enter("boom")
	g.Exit()
	g.Exit()
	g.Exit()

	// One enter and one exit; redundant exits must not notify.
	if transitions != 2 {
		t.Errorf("observer called %d times, want 2", transitions)
	}
}

func TestDegradedGate_EnterIsLevelTriggered(t *testing.T) {
	g := NewDegradedGate(zerolog.Nop())

	transitions := 0
	g.Observe(func(bool, string) { transitions++ })

	g.Enter("first")
	g.Enter("second")

	if transitions != 1 {
		t.Errorf("observer called %d times, want 1", transitions)
	}
	if g.Reason() != "second" {
		t.Errorf("Reason = %q, want the latest reason", g.Reason())
	}
}

func TestDegradedGate_ObserverPanicTolerated(t *testing.T) {
	g := NewDegradedGate(zerolog.Nop())

	g.Observe(func(bool, string) { panic("observer bug") })

	notified := false
	g.Observe(func(active bool, reason string) {
		notified = true
	})

	g.Enter("boom")

	if !g.Active() {
		t.Errorf("gate not active after observer panic")
	}
	if !notified {
		t.Errorf("second observer not notified after first panicked")
	}
}
