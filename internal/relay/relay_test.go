package relay

import (
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

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

func mustLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New(logging.Config{Level: "error", Format: "json", Output: filepath.Join(t.TempDir(), "log.jsonl")})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return l
}

func parkMessage(t *testing.T, sp *spool.Spool, from string, to []string) string {
	t.Helper()
	body := "From: " + from + "\r\nTo: " + to[0] + "\r\n\r\nhello\r\n"
	filename, err := sp.WriteStream(spool.Parking, strings.NewReader(body), spool.Meta{SessionID: "s1", From: from, Recipients: to})
	if err != nil {
		t.Fatalf("write parking: %v", err)
	}
	sp.EnqueueParking(filename)
	return filename
}

func fakeUpstream(t *testing.T) (host string, port int, closer func()) {
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

	h, p, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		t.Fatal(err)
	}
	return h, portNum, func() { srv.Close() }
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

func TestTickSkipsWhenSenderPaused(t *testing.T) {
	sp := newTestSpool(t)
	st := lifecycle.New(60000, mustLogger(t))
	st.PauseSender(true)
	parkMessage(t, sp, "a@example.com", []string{"b@example.com"})

	e := New(st, sp, nil, nil, mustLogger(t))
	e.tick()

	if sp.ParkingLen() != 1 {
		t.Fatalf("expected message to remain parked, got len %d", sp.ParkingLen())
	}
}

func TestTickSkipsWhenScanningAndDirectNonEmpty(t *testing.T) {
	sp := newTestSpool(t)
	st := lifecycle.New(60000, mustLogger(t))
	st.SetScanning(true)
	sp.EnqueueDirect("placeholder.eml")
	parkMessage(t, sp, "a@example.com", []string{"b@example.com"})

	e := New(st, sp, nil, nil, mustLogger(t))
	e.tick()

	if sp.ParkingLen() != 1 {
		t.Fatalf("expected message to remain parked during scan, got len %d", sp.ParkingLen())
	}
}

func TestTickSafelyRecoversPanic(t *testing.T) {
	sp := newTestSpool(t)
	st := lifecycle.New(60000, mustLogger(t))
	parkMessage(t, sp, "a@example.com", []string{"b@example.com"})

	// A nil sender makes tick panic (see TestTickNoopWhenParkingEmpty's
	// comment); tickSafely must recover instead of taking the ticker
	// goroutine down.
	e := New(st, sp, nil, nil, mustLogger(t))
	e.tickSafely()
}

func TestTickNoopWhenParkingEmpty(t *testing.T) {
	sp := newTestSpool(t)
	st := lifecycle.New(60000, mustLogger(t))

	e := New(st, sp, nil, nil, mustLogger(t))
	e.tick() // must not panic with a nil sender when there is nothing to pop
}

func TestTickSuccessArchivesToBackup(t *testing.T) {
	host, port, closer := fakeUpstream(t)
	defer closer()

	sp := newTestSpool(t)
	st := lifecycle.New(60000, mustLogger(t))
	parkMessage(t, sp, "a@example.com", []string{"b@example.com"})

	snd, err := sender.New(sender.Config{Host: host, Port: port}, nil, nil)
	if err != nil {
		t.Fatalf("sender.New: %v", err)
	}

	e := New(st, sp, snd, nil, mustLogger(t))
	e.tick()

	snap, err := sp.Rescan()
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(snap.ParkingBackup) != 1 {
		t.Fatalf("expected one backed-up message, got snapshot %+v", snap)
	}
	if len(snap.Parking) != 0 {
		t.Fatalf("expected parking queue drained, got %+v", snap.Parking)
	}
}

func TestTickFailureMovesToErrorAndRequeues(t *testing.T) {
	sp := newTestSpool(t)
	st := lifecycle.New(60000, mustLogger(t))
	parkMessage(t, sp, "a@example.com", []string{"b@example.com"})

	// No upstream listening at this address: every forward attempt fails.
	snd, err := sender.New(sender.Config{Host: "127.0.0.1", Port: 1}, nil, nil)
	if err != nil {
		t.Fatalf("sender.New: %v", err)
	}

	e := New(st, sp, snd, nil, mustLogger(t))
	e.tick()

	if sp.ParkingLen() != 1 {
		t.Fatalf("expected message re-appended to parking tail, got len %d", sp.ParkingLen())
	}

	snap, err := sp.Rescan()
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(snap.Error) != 1 {
		t.Fatalf("expected one message moved to error, got snapshot %+v", snap)
	}
}

func TestStartIsNoopWhenTimerDisabled(t *testing.T) {
	sp := newTestSpool(t)
	st := lifecycle.New(0, mustLogger(t))
	e := New(st, sp, nil, nil, mustLogger(t))
	e.Start()
	defer e.Stop()
	time.Sleep(10 * time.Millisecond)
	// No assertion beyond "does not panic and Stop is safe to call."
}
