package ingress

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/fenilsonani/remailer/internal/lifecycle"
	"github.com/fenilsonani/remailer/internal/logging"
	"github.com/fenilsonani/remailer/internal/sender"
	"github.com/fenilsonani/remailer/internal/spool"
)

func newTestSpool(t *testing.T) *spool.Spool {
	t.Helper()
	sp := spool.New(t.TempDir(), true)
	if err := sp.Init(); err != nil {
		t.Fatalf("spool init: %v", err)
	}
	return sp
}

func newSession(backend *Backend) *Session {
	return &Session{backend: backend, sessionID: "sess-1", ctx: context.Background()}
}

func TestGreetingDomainDefaultsWhenEmpty(t *testing.T) {
	if got := greetingDomain("", ""); got != "localhost" {
		t.Errorf("expected localhost, got %q", got)
	}
}

func TestGreetingDomainAppendsBanner(t *testing.T) {
	got := greetingDomain("mail.example.com", "no unauthenticated relaying")
	want := "mail.example.com no unauthenticated relaying"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDataRejectsWhenNotReady(t *testing.T) {
	st := lifecycle.New(0, nil)
	sp := newTestSpool(t)
	backend := &Backend{state: st, spool: sp, logger: mustLogger(t)}
	s := newSession(backend)

	err := s.Data(strings.NewReader("From: a@example.com\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected rejection when not ready")
	}
}

func TestDataRejectsWhenListenerPaused(t *testing.T) {
	st := lifecycle.New(0, nil)
	st.SetReady(true)
	st.PauseListener(true)
	sp := newTestSpool(t)
	backend := &Backend{state: st, spool: sp, logger: mustLogger(t)}
	s := newSession(backend)

	err := s.Data(strings.NewReader("From: a@example.com\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected rejection when listener paused")
	}
}

func TestDataParksWhenTimerEnabled(t *testing.T) {
	st := lifecycle.New(60000, nil)
	st.SetReady(true)
	sp := newTestSpool(t)
	backend := &Backend{state: st, spool: sp, logger: mustLogger(t)}
	s := newSession(backend)
	s.from = "a@example.com"
	s.rcpts = []string{"b@example.com"}

	if err := s.Data(strings.NewReader("From: a@example.com\r\nTo: b@example.com\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if sp.ParkingLen() != 1 {
		t.Fatalf("expected one parked message, got %d", sp.ParkingLen())
	}
}

func TestDataDirectModeStoresWithoutDispatchWhenSenderPaused(t *testing.T) {
	st := lifecycle.New(0, nil)
	st.SetReady(true)
	st.PauseSender(true)
	sp := newTestSpool(t)
	backend := &Backend{state: st, spool: sp, logger: mustLogger(t)}
	s := newSession(backend)
	s.from = "a@example.com"
	s.rcpts = []string{"b@example.com"}

	if err := s.Data(strings.NewReader("From: a@example.com\r\nTo: b@example.com\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
	if sp.DirectLen() != 1 {
		t.Fatalf("expected one stored direct message, got %d", sp.DirectLen())
	}
}

func TestDataDirectModeForwardsWhenSenderLive(t *testing.T) {
	addr, closer := fakeUpstream(t)
	defer closer()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	snd, err := sender.New(sender.Config{Host: host, Port: port}, nil, nil)
	if err != nil {
		t.Fatalf("sender.New: %v", err)
	}

	st := lifecycle.New(0, nil)
	st.SetReady(true)
	sp := newTestSpool(t)
	backend := &Backend{state: st, spool: sp, sender: snd, logger: mustLogger(t)}
	s := newSession(backend)
	s.from = "a@example.com"
	s.rcpts = []string{"b@example.com"}

	if err := s.Data(strings.NewReader("From: a@example.com\r\nTo: b@example.com\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}

	snap, err := sp.Rescan()
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(snap.DirectBackup) != 1 {
		t.Fatalf("expected message archived to direct backup, got snapshot %+v", snap)
	}
}

func TestDataUnavailableQueueRejectsAndDrains(t *testing.T) {
	st := lifecycle.New(0, nil)
	st.SetReady(true)
	sp := spool.New(t.TempDir(), true)
	// Deliberately skip Init so Direct is reported unavailable.
	backend := &Backend{state: st, spool: sp, logger: mustLogger(t)}
	s := newSession(backend)

	body := "From: a@example.com\r\nTo: b@example.com\r\n\r\nbody\r\n"
	r := strings.NewReader(body)
	if err := s.Data(r); err == nil {
		t.Fatal("expected rejection when direct queue unavailable")
	}
	if r.Len() != 0 {
		t.Fatalf("expected DATA body drained, %d bytes left", r.Len())
	}
}

func TestResetClearsEnvelope(t *testing.T) {
	s := &Session{from: "a@example.com", rcpts: []string{"b@example.com"}}
	s.Reset()
	if s.from != "" || s.rcpts != nil {
		t.Fatalf("expected envelope cleared, got from=%q rcpts=%v", s.from, s.rcpts)
	}
}

// fakeUpstream spins up a minimal accept-all go-smtp server for direct-mode
// dispatch tests, mirroring the sender package's own test harness.
func fakeUpstream(t *testing.T) (addr string, closer func()) {
	t.Helper()
	be := &acceptAllBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	return ln.Addr().String(), func() { srv.Close() }
}

type acceptAllBackend struct{}

func (b *acceptAllBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &acceptAllSession{}, nil
}

type acceptAllSession struct{}

func (s *acceptAllSession) AuthPlain(username, password string) error       { return nil }
func (s *acceptAllSession) Mail(from string, opts *gosmtp.MailOptions) error { return nil }
func (s *acceptAllSession) Rcpt(to string, opts *gosmtp.RcptOptions) error   { return nil }
func (s *acceptAllSession) Data(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
func (s *acceptAllSession) Reset()        {}
func (s *acceptAllSession) Logout() error { return nil }

func mustLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", Output: filepath.Join(t.TempDir(), "log.jsonl")})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return l
}
