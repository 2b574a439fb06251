// Package ingress terminates inbound SMTP (or LMTP) sessions and applies
// the admission policy that decides whether a message is parked for timed
// delivery, dispatched immediately, or rejected.
package ingress

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/remailer/internal/lifecycle"
	"github.com/fenilsonani/remailer/internal/logging"
	"github.com/fenilsonani/remailer/internal/metrics"
	"github.com/fenilsonani/remailer/internal/sender"
	"github.com/fenilsonani/remailer/internal/spool"
)

// Config configures the ingress listener.
type Config struct {
	Address  string
	Port     int
	Secure   bool
	LMTP     bool
	Domain   string
	Greeting string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	TLSConfig *tls.Config
}

// Server wraps a go-smtp server bound to the admission policy in Backend.
type Server struct {
	cfg     Config
	mx      *smtp.Server
	backend *Backend
	ln      net.Listener
}

// New constructs the ingress server. The sender may be nil when no upstream
// host is configured; the backend treats it as permanently not-ready for
// direct-mode dispatch in that case.
func New(cfg Config, state *lifecycle.State, sp *spool.Spool, snd *sender.Sender, sink logging.EventSink, logger *logging.Logger) *Server {
	backend := &Backend{
		state:  state,
		spool:  sp,
		sender: snd,
		sink:   sink,
		logger: logger.Ingress(),
	}

	mx := smtp.NewServer(backend)
	mx.Domain = greetingDomain(cfg.Domain, cfg.Greeting)
	mx.LMTP = cfg.LMTP
	mx.ReadTimeout = cfg.ReadTimeout
	mx.WriteTimeout = cfg.WriteTimeout
	mx.AllowInsecureAuth = true // permissive per admission policy: offered, never required
	if cfg.Secure {
		mx.TLSConfig = cfg.TLSConfig
	}

	return &Server{cfg: cfg, mx: mx, backend: backend}
}

// greetingDomain builds the identity go-smtp advertises in its "220 ..."
// banner. go-smtp only templates a single Domain string into that line, and
// the configured greeting is banner text rather than a HELO identity, so it
// is appended to the domain rather than replacing it.
func greetingDomain(domain, greeting string) string {
	if domain == "" {
		domain = "localhost"
	}
	if greeting == "" {
		return domain
	}
	return domain + " " + greeting
}

// ListenAndServe binds the configured address/port and serves until Close.
// EADDRINUSE at bind time is retried once after 1 second; any other bind
// error, or a second EADDRINUSE, is fatal.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil && errors.Is(err, syscall.EADDRINUSE) {
		time.Sleep(1 * time.Second)
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("ingress: bind %s: %w", addr, err)
	}

	if s.cfg.Secure && s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}

	s.ln = ln
	go func() {
		_ = s.mx.Serve(ln)
	}()
	return nil
}

// Close stops accepting new sessions and tears down the underlying server.
func (s *Server) Close() error {
	if s.ln != nil {
		s.ln.Close()
	}
	return s.mx.Close()
}

// Backend implements smtp.Backend, applying the admission policy described
// for the ingress server before any message body is persisted.
type Backend struct {
	state  *lifecycle.State
	spool  *spool.Spool
	sender *sender.Sender
	sink   logging.EventSink
	logger *logging.Logger
}

// NewSession is invoked for each accepted connection.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := ""
	if c.Conn() != nil {
		remoteAddr = c.Conn().RemoteAddr().String()
	}
	sessionID := spool.NewSessionID()
	ctx := logging.WithSessionID(logging.WithRemoteAddr(context.Background(), remoteAddr), sessionID)

	return &Session{backend: b, sessionID: sessionID, remoteAddr: remoteAddr, ctx: ctx}, nil
}

// Session implements smtp.Session. Authentication is permissive: any
// credentials presented are accepted and no user identity is recorded;
// AUTH is never required to proceed.
type Session struct {
	backend    *Backend
	sessionID  string
	remoteAddr string
	from       string
	rcpts      []string
	ctx        context.Context
}

// AuthPlain always succeeds; the admission policy does not gate on identity.
func (s *Session) AuthPlain(username, password string) error {
	return nil
}

// Mail records the envelope sender. No MAIL FROM filtering is performed.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

// Rcpt records an envelope recipient. No RCPT TO filtering is performed.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data applies the admission policy table before persisting the body.
func (s *Session) Data(r io.Reader) error {
	b := s.backend

	if !b.state.Ready() {
		drain(r)
		b.emit(logging.EventReject, s.sessionID, "not ready")
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "service not ready"}
	}
	if b.state.ListenerPaused() {
		drain(r)
		b.emit(logging.EventReject, s.sessionID, "listener paused")
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 3, 1}, Message: "service temporarily paused"}
	}

	meta := spool.Meta{SessionID: s.sessionID, From: s.from, Recipients: s.rcpts, Received: time.Now()}

	if b.state.TimerEnabled() {
		return s.admitParking(r, meta)
	}
	return s.admitDirect(r, meta)
}

func (s *Session) admitParking(r io.Reader, meta spool.Meta) error {
	b := s.backend
	if !b.spool.Available(spool.Parking) {
		drain(r)
		b.emit(logging.EventReject, s.sessionID, "parking unavailable")
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "storage unavailable"}
	}

	b.emit(logging.EventReceiving, s.sessionID, "")
	filename, err := b.spool.WriteStream(spool.Parking, r, meta)
	if err != nil {
		b.logger.ErrorContext(s.ctx, "failed to persist parked message", err)
		b.emit(logging.EventError, s.sessionID, err.Error())
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "failed to persist message"}
	}

	b.spool.EnqueueParking(filename)
	metrics.SetQueueDepth(string(spool.Parking), b.spool.ParkingLen())
	b.emit(logging.EventSaved, s.sessionID, "")
	return nil
}

func (s *Session) admitDirect(r io.Reader, meta spool.Meta) error {
	b := s.backend
	if !b.spool.Available(spool.Direct) {
		drain(r)
		b.emit(logging.EventReject, s.sessionID, "direct unavailable")
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "storage unavailable"}
	}

	b.emit(logging.EventReceiving, s.sessionID, "")
	filename, err := b.spool.WriteStream(spool.Direct, r, meta)
	if err != nil {
		b.logger.ErrorContext(s.ctx, "failed to persist direct message", err)
		b.emit(logging.EventError, s.sessionID, err.Error())
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "failed to persist message"}
	}
	b.emit(logging.EventSaved, s.sessionID, "")

	if b.state.SenderPaused() || b.sender == nil {
		b.spool.EnqueueDirect(filename)
		metrics.SetQueueDepth(string(spool.Direct), b.spool.DirectLen())
		return nil
	}

	path := b.spool.Path(spool.Direct, filename)
	receipt, ferr := b.sender.Forward(path)
	if ferr == nil {
		if b.spool.BackupEnabled() {
			if err := b.spool.MoveToBackup(filename, spool.Direct); err != nil {
				b.logger.ErrorContext(s.ctx, "failed to archive forwarded message", err)
			}
		} else if err := b.spool.Delete(filename, spool.Direct); err != nil {
			b.logger.ErrorContext(s.ctx, "failed to remove forwarded message", err)
		}
		b.emitForwarded(s.sessionID, receipt)
		return nil
	}

	if err := b.spool.MoveToError(filename, spool.Direct); err != nil {
		b.logger.ErrorContext(s.ctx, "failed to move failed direct message to error", err)
	}
	b.emit(logging.EventError, s.sessionID, ferr.Error())
	return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 4, 0}, Message: "upstream delivery failed"}
}

// Reset clears envelope state between messages on the same connection.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout is a no-op; nothing is held open per-session.
func (s *Session) Logout() error {
	return nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}

func (b *Backend) emit(kind logging.EventKind, sessionID, reason string) {
	if b.sink == nil {
		return
	}
	fields := map[string]any{}
	if reason != "" {
		fields["reason"] = reason
	}
	b.sink.Emit(logging.Event{Kind: kind, At: time.Now(), SessionID: sessionID, Fields: fields})
}

func (b *Backend) emitForwarded(sessionID string, receipt sender.Receipt) {
	if b.sink == nil {
		return
	}
	b.sink.Emit(logging.Event{
		Kind:      logging.EventForwarded,
		At:        time.Now(),
		SessionID: sessionID,
		Fields:    map[string]any{"duration_seconds": float64(receipt.DurationMs) / 1000},
	})
}
