package recovery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var syncDegradedMode = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "sync_degraded_mode",
	Help: "Whether the process-wide degraded mode is active (1) or not (0)",
})

// DegradedGate is the process-wide degraded mode flag. While active, new
// write operations are disabled across all sessions. Shared by injection,
// guarded by a single mutex.
type DegradedGate struct {
	mu        sync.Mutex
	active    bool
	reason    string
	observers []func(active bool, reason string)
	logger    zerolog.Logger
}

// NewDegradedGate creates an inactive gate.
func NewDegradedGate(logger zerolog.Logger) *DegradedGate {
	return &DegradedGate{logger: logger}
}

// Enter activates degraded mode with the given reason and notifies
// observers. Entering an already-active gate only updates the reason.
func (g *DegradedGate) Enter(reason string) {
	g.mu.Lock()
	wasActive := g.active
	g.active = true
	g.reason = reason
	observers := append([]func(bool, string){}, g.observers...)
	g.mu.Unlock()

	if wasActive {
		return
	}

	syncDegradedMode.Set(1)
	g.logger.Error().
		Str("reason", reason).
		Msg("Entering degraded mode - new write operations disabled")

	for _, fn := range observers {
		g.notify(fn, true, reason)
	}
}

// Exit deactivates degraded mode. Idempotent.
func (g *DegradedGate) Exit() {
	g.mu.Lock()
	wasActive := g.active
	g.active = false
	g.reason = ""
	observers := append([]func(bool, string){}, g.observers...)
	g.mu.Unlock()

	if !wasActive {
		return
	}

	syncDegradedMode.Set(0)
	g.logger.Info().Msg("Exiting degraded mode")

	for _, fn := range observers {
		g.notify(fn, false, "")
	}
}

// Active reports whether degraded mode is on.
func (g *DegradedGate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Reason returns the reason for the current degraded mode, or "".
func (g *DegradedGate) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Observe registers fn to be called on every mode transition.
func (g *DegradedGate) Observe(fn func(active bool, reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, fn)
}

// notify shields the gate from observer panics.
func (g *DegradedGate) notify(fn func(bool, string), active bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn().Interface("panic", r).Msg("Degraded mode observer panicked")
		}
	}()
	fn(active, reason)
}
