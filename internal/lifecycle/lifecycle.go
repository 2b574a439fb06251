// Package lifecycle tracks the small set of flags that gate admission and
// dispatch across the ingress server, relay engine, and control API. All
// mutation goes through State so the flags are serialized the same way the
// rest of the system serializes its in-memory queues.
package lifecycle

import (
	"sync"

	"github.com/fenilsonani/remailer/internal/logging"
)

// Snapshot is an immutable copy of the flags at one instant, safe to hand
// to callers without holding the State's lock.
type Snapshot struct {
	Ready           bool
	ListenerRunning bool
	ListenerPaused  bool
	SenderPaused    bool
	Scanning        bool
	TimerIntervalMs int
}

// TimerEnabled reports whether the relay engine should be armed. Per the
// corrected sense, the timer is enabled exactly when its interval is
// positive, not the inverse.
func (s Snapshot) TimerEnabled() bool {
	return s.TimerIntervalMs > 0
}

// State owns the admission flags described for the top-level coordinator.
type State struct {
	mu     sync.Mutex
	flags  Snapshot
	logger *logging.Logger
}

// New constructs a State with the timer interval fixed at startup. ready
// starts false until SetReady(true) is called once preconditions are met.
func New(timerIntervalMs int, logger *logging.Logger) *State {
	return &State{
		flags:  Snapshot{TimerIntervalMs: timerIntervalMs},
		logger: logger,
	}
}

// Snapshot returns a copy of the current flags.
func (st *State) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.flags
}

// SetReady marks the system ready (or not) once bootstrap has decided.
func (st *State) SetReady(ready bool) {
	st.mu.Lock()
	st.flags.Ready = ready
	st.mu.Unlock()
}

// SetListenerRunning records whether the ingress server is currently bound
// and accepting connections.
func (st *State) SetListenerRunning(running bool) {
	st.mu.Lock()
	st.flags.ListenerRunning = running
	st.mu.Unlock()
}

// SetScanning marks whether a spool rescan is in progress, so the relay
// engine can skip ticks that would race with the queue replacement.
func (st *State) SetScanning(scanning bool) {
	st.mu.Lock()
	st.flags.Scanning = scanning
	st.mu.Unlock()
}

// PauseListener toggles listenerPaused, logging only on an actual change.
func (st *State) PauseListener(paused bool) {
	st.setPause(&st.flags.ListenerPaused, paused, "listener")
}

// PauseSender toggles senderPaused, logging only on an actual change.
func (st *State) PauseSender(paused bool) {
	st.setPause(&st.flags.SenderPaused, paused, "sender")
}

func (st *State) setPause(flag *bool, paused bool, what string) {
	st.mu.Lock()
	changed := *flag != paused
	*flag = paused
	st.mu.Unlock()

	if changed && st.logger != nil {
		st.logger.Info("admission flag changed", "flag", what, "paused", paused)
	}
}

// Ready reports whether the system may accept connections and forward mail.
func (st *State) Ready() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.flags.Ready
}

// ListenerPaused reports whether C3 should reject new messages.
func (st *State) ListenerPaused() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.flags.ListenerPaused
}

// SenderPaused reports whether C4 ticks should be no-ops and direct-mode
// messages should be stored without forwarding.
func (st *State) SenderPaused() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.flags.SenderPaused
}

// Scanning reports whether a rescan is currently in progress.
func (st *State) Scanning() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.flags.Scanning
}

// TimerIntervalMs returns the fixed relay tick period.
func (st *State) TimerIntervalMs() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.flags.TimerIntervalMs
}

// TimerEnabled reports whether parking-mode ingress and the relay engine
// should be active.
func (st *State) TimerEnabled() bool {
	return st.TimerIntervalMs() > 0
}
