package control

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fenilsonani/remailer/internal/lifecycle"
	"github.com/fenilsonani/remailer/internal/logging"
	"github.com/fenilsonani/remailer/internal/spool"
)

func mustLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", Output: filepath.Join(t.TempDir(), "log.jsonl")})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return l
}

func newTestServer(t *testing.T) (*Server, *lifecycle.State, *spool.Spool) {
	t.Helper()
	sp := spool.New(t.TempDir(), true)
	if err := sp.Init(); err != nil {
		t.Fatalf("spool init: %v", err)
	}
	st := lifecycle.New(60000, mustLogger(t))
	st.SetReady(true)

	s := New(Config{APIKey: "secret", RateLimitPerMin: 0}, st, sp, nil, nil, mustLogger(t))
	return s, st, sp
}

func TestControlRejectsMissingAPIKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/remailer/query/status", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["message"] != "Access denied" {
		t.Fatalf("expected Access denied message, got %v", body)
	}
}

func TestControlStorageRequiresAPIKeyToo(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/remailer/query/storage", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for storage query without api_key, got %d", rr.Code)
	}
}

func TestControlStatusWithValidKey(t *testing.T) {
	s, _, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/remailer/query/status?api_key=secret", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, key := range []string{"listener", "sender", "storage", "timer"} {
		if _, ok := body[key]; !ok {
			t.Errorf("expected status response to contain %q, got %v", key, body)
		}
	}
}

func TestControlSuspendSenderTogglesFlag(t *testing.T) {
	s, st, _ := newTestServer(t)
	form := url.Values{"api_key": {"secret"}, "suspend_sender": {"true"}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/remailer/control", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !st.SenderPaused() {
		t.Fatal("expected sender paused after suspend_sender=true")
	}
}

func TestControlRequiresAtLeastOneFlag(t *testing.T) {
	s, _, _ := newTestServer(t)
	form := url.Values{"api_key": {"secret"}}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/remailer/control", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 when neither flag present, got %d", rr.Code)
	}
}

func TestControlStorageRescansAndReturnsSnapshot(t *testing.T) {
	s, _, sp := newTestServer(t)
	if _, err := sp.WriteStream(spool.Parking, strings.NewReader("From: a@example.com\r\nTo: b@example.com\r\n\r\nhi\r\n"), spool.Meta{SessionID: "s1", From: "a@example.com", Recipients: []string{"b@example.com"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/remailer/query/storage?api_key=secret", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string][]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["parking"]) != 1 {
		t.Fatalf("expected one parked file in snapshot, got %v", body["parking"])
	}
}
