// Package sender wraps the upstream SMTP submission transport: it parses a
// spooled message and submits a freshly composed copy to the configured
// upstream host.
package sender

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/fenilsonani/remailer/internal/logging"
)

// Error kinds returned by New (ErrNotReady) and Forward (the others).
var (
	ErrNotReady          = errors.New("sender: not ready")
	ErrMalformedMessage  = errors.New("sender: malformed message")
	ErrUpstreamError     = errors.New("sender: upstream error")
)

// Auth holds upstream AUTH PLAIN/LOGIN credentials.
type Auth struct {
	User string
	Pass string
}

// DSN requests delivery status notifications from the upstream host.
type DSN struct {
	Notify []string
	Ret    string
}

// Config configures the upstream sender.
type Config struct {
	Host              string
	Port              int
	Secure            bool
	LMTP              bool
	IgnoreInvalidCert bool
	Auth              *Auth
	DSN               *DSN
	Log               bool

	CommandTimeout time.Duration
	HeloDomain     string
}

// Receipt describes the outcome of a successful forward.
type Receipt struct {
	From       string
	To         []string
	Size       int
	DurationMs int64
}

// Sender submits parsed spool files to an upstream SMTP host.
type Sender struct {
	cfg    Config
	sink   logging.EventSink
	logger *logging.Logger
	ready  bool
}

// New validates the configuration and constructs a Sender.
//
// Per the corrected readiness sense: New returns ErrNotReady when the
// sender cannot possibly connect (no host configured), not the inverse.
func New(cfg Config, sink logging.EventSink, logger *logging.Logger) (*Sender, error) {
	s := &Sender{cfg: cfg, sink: sink, logger: logger}
	s.ready = cfg.Host != "" && cfg.Port > 0
	if !s.ready {
		return s, fmt.Errorf("%w: host/port not configured", ErrNotReady)
	}
	return s, nil
}

// Ready reports whether the sender can construct an outbound connection.
func (s *Sender) Ready() bool {
	return s.ready
}

// Status summarizes the sender configuration for the control API.
type Status struct {
	Ready             bool
	Host              string
	Port              int
	Mode              string
	TLS               bool
	IgnoreInvalidCert bool
}

// Status returns the current sender status snapshot.
func (s *Sender) Status() Status {
	mode := "SMTP"
	if s.cfg.LMTP {
		mode = "LMTP"
	}
	return Status{
		Ready:             s.ready,
		Host:              s.cfg.Host,
		Port:              s.cfg.Port,
		Mode:              mode,
		TLS:               s.cfg.Secure,
		IgnoreInvalidCert: s.cfg.IgnoreInvalidCert,
	}
}

// parsedMessage is the extracted representation of a spooled RFC 5322 file.
type parsedMessage struct {
	from        string
	to          []string
	subject     string
	text        string
	html        string
	attachments []attachment
}

type attachment struct {
	filename    string
	contentType string
	data        []byte
}

// parse extracts from/to/subject/text/html/attachments from an RFC 5322
// message, per the upstream sender contract.
func parse(r io.Reader) (*parsedMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	from, err := mr.Header.AddressList("From")
	if err != nil || len(from) == 0 {
		return nil, fmt.Errorf("%w: missing From", ErrMalformedMessage)
	}
	to, err := mr.Header.AddressList("To")
	if err != nil || len(to) == 0 {
		return nil, fmt.Errorf("%w: missing or empty To", ErrMalformedMessage)
	}

	subject, _ := mr.Header.Subject()

	pm := &parsedMessage{from: from[0].Address}
	for _, addr := range to {
		pm.to = append(pm.to, addr.Address)
	}
	pm.subject = subject

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			ct, _, _ := h.ContentType()
			if strings.HasPrefix(ct, "text/html") {
				pm.html = string(body)
			} else {
				pm.text = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			ct, _, _ := h.ContentType()
			pm.attachments = append(pm.attachments, attachment{filename: filename, contentType: ct, data: body})
		}
	}

	return pm, nil
}

// compose writes pm as a freshly built RFC 5322 message. This is a
// compose-and-send, not a bit-for-bit relay.
func compose(w io.Writer, pm *parsedMessage) error {
	var h mail.Header
	h.SetDate(time.Now())
	fromAddrs, err := mail.ParseAddressList(pm.from)
	if err != nil || len(fromAddrs) == 0 {
		return fmt.Errorf("%w: invalid From: %v", ErrMalformedMessage, err)
	}
	h.SetAddressList("From", fromAddrs[:1])

	var toAddrs []*mail.Address
	for _, addr := range pm.to {
		parsed, err := mail.ParseAddressList(addr)
		if err != nil || len(parsed) == 0 {
			return fmt.Errorf("%w: invalid To: %v", ErrMalformedMessage, err)
		}
		toAddrs = append(toAddrs, parsed...)
	}
	h.SetAddressList("To", toAddrs)
	if pm.subject != "" {
		h.SetSubject(pm.subject)
	}

	mw, err := mail.CreateWriter(w, h)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if pm.text != "" || pm.html != "" {
		bw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if pm.text != "" {
			var ih mail.InlineHeader
			ih.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
			pw, err := bw.CreatePart(ih)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			if _, err := io.WriteString(pw, pm.text); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			pw.Close()
		}
		if pm.html != "" {
			var ih mail.InlineHeader
			ih.SetContentType("text/html", map[string]string{"charset": "utf-8"})
			pw, err := bw.CreatePart(ih)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			if _, err := io.WriteString(pw, pm.html); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			pw.Close()
		}
		bw.Close()
	}

	for _, at := range pm.attachments {
		var ah mail.AttachmentHeader
		ah.SetFilename(at.filename)
		if at.contentType != "" {
			ah.SetContentType(at.contentType, nil)
		}
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if _, err := aw.Write(at.data); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		aw.Close()
	}

	return mw.Close()
}

// Forward reads the spool file at path, parses it, and submits a composed
// copy to the upstream host.
func (s *Sender) Forward(path string) (Receipt, error) {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrUpstreamError, err)
	}
	defer f.Close()

	pm, err := parse(f)
	if err != nil {
		return Receipt{}, err
	}

	var buf strings.Builder
	if err := compose(&buf, pm); err != nil {
		return Receipt{}, err
	}

	s.emit(logging.Event{Kind: logging.EventForwarding, Fields: map[string]any{"path": path, "host": s.cfg.Host}})

	if err := s.submit(pm, buf.String()); err != nil {
		s.emit(logging.Event{Kind: logging.EventError, Err: err, Fields: map[string]any{"path": path}})
		return Receipt{}, fmt.Errorf("%w: %v", ErrUpstreamError, err)
	}

	return Receipt{
		From:       pm.from,
		To:         pm.to,
		Size:       buf.Len(),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// emit forwards a transport-level event to the sink when logging is enabled.
func (s *Sender) emit(ev logging.Event) {
	if !s.cfg.Log || s.sink == nil {
		return
	}
	s.sink.Emit(ev)
}

// dial opens the upstream connection. cfg.Secure means TLS from the first
// byte (implicit TLS, e.g. submissions on 465), not a plaintext connection
// upgraded later with STARTTLS.
func (s *Sender) dial(addr string) (*smtp.Client, error) {
	if !s.cfg.Secure {
		if s.cfg.LMTP {
			return smtp.DialLMTP(addr, nil)
		}
		return smtp.Dial(addr)
	}

	tlsCfg := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.IgnoreInvalidCert,
	}
	conn, err := tls.Dial("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("tls dial: %w", err)
	}
	if s.cfg.LMTP {
		return smtp.NewClientLMTP(conn, s.cfg.Host)
	}
	return smtp.NewClient(conn, s.cfg.Host)
}

// dsnRcptOptions builds the per-recipient NOTIFY= options from cfg.DSN.
// RET applies to the whole envelope rather than a single recipient and
// go-smtp's client does not surface a MAIL-level hook for it, so only
// NOTIFY is wired here.
func (s *Sender) dsnRcptOptions() *smtp.RcptOptions {
	if s.cfg.DSN == nil || len(s.cfg.DSN.Notify) == 0 {
		return nil
	}
	notify := make([]smtp.DSNNotify, len(s.cfg.DSN.Notify))
	for i, n := range s.cfg.DSN.Notify {
		notify[i] = smtp.DSNNotify(strings.ToUpper(n))
	}
	return &smtp.RcptOptions{Notify: notify}
}

func (s *Sender) submit(pm *parsedMessage, raw string) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	client, err := s.dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer client.Close()

	timeout := s.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client.CommandTimeout = timeout
	client.SubmissionTimeout = timeout

	helo := s.cfg.HeloDomain
	if helo == "" {
		helo = "localhost"
	}
	if err := client.Hello(helo); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if s.cfg.Auth != nil {
		var authMethod sasl.Client
		if ok, mechs := client.Extension("AUTH"); ok && strings.Contains(mechs, "LOGIN") && !strings.Contains(mechs, "PLAIN") {
			authMethod = sasl.NewLoginClient(s.cfg.Auth.User, s.cfg.Auth.Pass)
		} else {
			authMethod = sasl.NewPlainClient("", s.cfg.Auth.User, s.cfg.Auth.Pass)
		}
		if err := client.Auth(authMethod); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(pm.from, nil); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	rcptOpts := s.dsnRcptOptions()
	for _, rcpt := range pm.to {
		if err := client.Rcpt(rcpt, rcptOpts); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := io.WriteString(w, raw); err != nil {
		w.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	return client.Quit()
}
