package logging

import "time"

// EventKind discriminates the variants of the source's callback-soup
// configuration fields (onReceiving, onSaving, onSaved, onReject,
// onForwarding, onForwarded, onError, onWarning) into a single capability.
type EventKind string

const (
	EventReceiving  EventKind = "receiving"
	EventSaving     EventKind = "saving"
	EventSaved      EventKind = "saved"
	EventReject     EventKind = "reject"
	EventForwarding EventKind = "forwarding"
	EventForwarded  EventKind = "forwarded"
	EventError      EventKind = "error"
	EventWarning    EventKind = "warning"
)

// Event is a single structured record describing something the ingress
// server or relay engine did.
type Event struct {
	Kind      EventKind
	At        time.Time
	SessionID string
	Filename  string
	Queue     string
	Err       error
	Fields    map[string]any
}

// EventSink receives Events. Implementations must not block the caller
// for long — the ingress session and the relay tick both emit inline.
type EventSink interface {
	Emit(Event)
}

// MultiSink fans a single Event out to several sinks, in order.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(ev Event) {
	for _, sink := range m {
		sink.Emit(ev)
	}
}

// LogSink adapts a *Logger to EventSink, giving every event a line in the
// configured log output.
type LogSink struct {
	Logger *Logger
}

// NewLogSink returns an EventSink backed by logger.
func NewLogSink(logger *Logger) *LogSink {
	return &LogSink{Logger: logger}
}

// Emit implements EventSink.
func (s *LogSink) Emit(ev Event) {
	if s == nil || s.Logger == nil {
		return
	}

	args := []any{"kind", string(ev.Kind)}
	if ev.SessionID != "" {
		args = append(args, "session_id", ev.SessionID)
	}
	if ev.Filename != "" {
		args = append(args, "filename", ev.Filename)
	}
	if ev.Queue != "" {
		args = append(args, "queue", ev.Queue)
	}
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}

	switch ev.Kind {
	case EventError:
		s.Logger.Error("relay event", append(args, "error", errString(ev.Err))...)
	case EventWarning, EventReject:
		s.Logger.Warn("relay event", args...)
	default:
		s.Logger.Info("relay event", args...)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
