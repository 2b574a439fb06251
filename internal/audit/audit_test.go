package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fenilsonani/remailer/internal/logging"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEmitPersistsEvent(t *testing.T) {
	l := openTestLog(t)

	l.Emit(logging.Event{Kind: logging.EventForwarded, SessionID: "s1", Filename: "f1.eml"})

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].Event != string(logging.EventForwarded) || entries[0].Filename != "f1.eml" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestEmitRecordsReasonFromErr(t *testing.T) {
	l := openTestLog(t)

	l.Emit(logging.Event{Kind: logging.EventError, Filename: "f2.eml", Err: errBoom})

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != errBoom.Error() {
		t.Fatalf("expected reason %q, got %+v", errBoom.Error(), entries)
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	l := openTestLog(t)

	l.Emit(logging.Event{Kind: logging.EventSaved, Filename: "first.eml"})
	l.Emit(logging.Event{Kind: logging.EventSaved, Filename: "second.eml"})

	entries, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 || entries[0].Filename != "second.eml" {
		t.Fatalf("expected newest first, got %+v", entries)
	}
}

func TestRecentDefaultsLimit(t *testing.T) {
	l := openTestLog(t)
	for i := 0; i < 3; i++ {
		l.Emit(logging.Event{Kind: logging.EventSaved, Filename: "x.eml"})
	}
	entries, err := l.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries with default limit, got %d", len(entries))
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
