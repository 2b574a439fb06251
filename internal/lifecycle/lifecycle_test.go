package lifecycle

import "testing"

func TestNewStartsNotReady(t *testing.T) {
	st := New(0, nil)
	if st.Ready() {
		t.Fatal("expected new state to start not ready")
	}
}

func TestSetReady(t *testing.T) {
	st := New(0, nil)
	st.SetReady(true)
	if !st.Ready() {
		t.Fatal("expected Ready() true after SetReady(true)")
	}
}

func TestTimerEnabledMatchesInterval(t *testing.T) {
	if New(0, nil).TimerEnabled() {
		t.Fatal("expected timer disabled when interval is 0")
	}
	if !New(60000, nil).TimerEnabled() {
		t.Fatal("expected timer enabled when interval is positive")
	}
}

func TestPauseListenerTogglesAndIsIdempotent(t *testing.T) {
	st := New(0, nil)
	if st.ListenerPaused() {
		t.Fatal("expected listener unpaused initially")
	}
	st.PauseListener(true)
	if !st.ListenerPaused() {
		t.Fatal("expected listener paused")
	}
	st.PauseListener(true)
	if !st.ListenerPaused() {
		t.Fatal("expected listener to remain paused")
	}
	st.PauseListener(false)
	if st.ListenerPaused() {
		t.Fatal("expected listener unpaused after resume")
	}
}

func TestPauseSender(t *testing.T) {
	st := New(60000, nil)
	st.PauseSender(true)
	if !st.SenderPaused() {
		t.Fatal("expected sender paused")
	}
}

func TestScanningFlag(t *testing.T) {
	st := New(0, nil)
	st.SetScanning(true)
	if !st.Scanning() {
		t.Fatal("expected scanning true")
	}
	st.SetScanning(false)
	if st.Scanning() {
		t.Fatal("expected scanning false")
	}
}

func TestSnapshotReflectsFlags(t *testing.T) {
	st := New(5000, nil)
	st.SetReady(true)
	st.SetListenerRunning(true)
	st.PauseSender(true)

	snap := st.Snapshot()
	if !snap.Ready || !snap.ListenerRunning || !snap.SenderPaused {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.TimerEnabled() {
		t.Fatal("expected TimerEnabled true on snapshot")
	}
}
