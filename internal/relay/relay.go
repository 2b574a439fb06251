// Package relay implements the timer-driven dispatcher that drains the
// parking queue one message at a time and forwards each to the upstream
// sender.
package relay

import (
	"sync"
	"time"

	"github.com/fenilsonani/remailer/internal/lifecycle"
	"github.com/fenilsonani/remailer/internal/logging"
	"github.com/fenilsonani/remailer/internal/metrics"
	"github.com/fenilsonani/remailer/internal/sender"
	"github.com/fenilsonani/remailer/internal/spool"
)

// Engine ticks at a fixed period and forwards at most one message per tick.
// At most one forward is ever in flight; the engine does not parallelize
// across messages.
type Engine struct {
	state  *lifecycle.State
	spool  *spool.Spool
	sender *sender.Sender
	sink   logging.EventSink
	logger *logging.Logger

	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool
}

// New constructs a relay Engine. sender may be nil; in that case Start never
// arms the ticker, matching "sender unavailable". tick itself does not check
// for a nil sender.
func New(state *lifecycle.State, sp *spool.Spool, snd *sender.Sender, sink logging.EventSink, logger *logging.Logger) *Engine {
	return &Engine{
		state:  state,
		spool:  sp,
		sender: snd,
		sink:   sink,
		logger: logger.Relay(),
	}
}

// Start arms the ticker at the interval recorded in state. If the interval
// is 0 (direct mode) or the sender is not ready, Start is a no-op: the
// relay engine only runs in parking mode against a live sender.
func (e *Engine) Start() {
	interval := e.state.TimerIntervalMs()
	if interval <= 0 || e.sender == nil || !e.sender.Ready() {
		return
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.ticker = time.NewTicker(time.Duration(interval) * time.Millisecond)
	e.stopCh = make(chan struct{})
	e.running = true
	ticker := e.ticker
	stopCh := e.stopCh
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				e.tickSafely()
			case <-stopCh:
				return
			}
		}
	}()
}

// tickSafely runs one tick, recovering a panic so a single bad message
// (or a bug in the sender/spool/sink path) doesn't take down the ticker
// goroutine: the engine proceeds at the next tick.
func (e *Engine) tickSafely() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovered from panic in relay tick", "panic", r)
		}
	}()
	e.tick()
}

// Stop clears the ticker. A forward already in flight completes or fails
// per upstream semantics; it is not interrupted.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	e.ticker.Stop()
	close(e.stopCh)
	e.running = false
}

// tick runs exactly one dispatch attempt, guarding against overlap with a
// rescan and against re-entrancy with its own mutex.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.SenderPaused() {
		return
	}
	if e.state.Scanning() && e.spool.DirectLen() > 0 {
		return
	}

	filename := e.spool.PopParking()
	if filename == "" {
		return
	}
	metrics.SetQueueDepth(string(spool.Parking), e.spool.ParkingLen())

	path := e.spool.Path(spool.Parking, filename)
	e.emit(logging.EventForwarding, filename)

	receipt, err := e.sender.Forward(path)
	if err == nil {
		e.onSuccess(filename, receipt)
		return
	}
	e.onFailure(filename, err)
}

func (e *Engine) onSuccess(filename string, receipt sender.Receipt) {
	if e.spool.BackupEnabled() {
		if err := e.spool.MoveToBackup(filename, spool.Parking); err != nil {
			e.logger.Error("failed to archive forwarded message", "filename", filename, "error", err)
		}
	} else if err := e.spool.Delete(filename, spool.Parking); err != nil {
		e.logger.Error("failed to remove forwarded message", "filename", filename, "error", err)
	}
	e.emitForwarded(filename, receipt)
}

// onFailure moves the file to error/ and re-appends the filename to the
// parking queue tail, preserving one more attempt on next startup via the
// on-disk entry while also allowing in-memory retry cycles.
func (e *Engine) onFailure(filename string, forwardErr error) {
	if err := e.spool.MoveToError(filename, spool.Parking); err != nil {
		e.logger.Error("failed to move failed message to error", "filename", filename, "error", err)
	}
	e.spool.PushBackParking(filename)
	metrics.SetQueueDepth(string(spool.Parking), e.spool.ParkingLen())
	e.emit(logging.EventError, filename)
	e.logger.Warn("forward failed, requeued", "filename", filename, "error", forwardErr)
}

func (e *Engine) emit(kind logging.EventKind, filename string) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(logging.Event{Kind: kind, At: time.Now(), Filename: filename, Queue: string(spool.Parking)})
}

func (e *Engine) emitForwarded(filename string, receipt sender.Receipt) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(logging.Event{
		Kind:     logging.EventForwarded,
		At:       time.Now(),
		Filename: filename,
		Queue:    string(spool.Parking),
		Fields:   map[string]any{"duration_seconds": float64(receipt.DurationMs) / 1000},
	})
}
