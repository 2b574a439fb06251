// Package control implements the relay's local HTTP control surface: a
// shared-secret-gated API for pausing the listener or sender and for
// querying status and storage snapshots.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fenilsonani/remailer/internal/audit"
	"github.com/fenilsonani/remailer/internal/lifecycle"
	"github.com/fenilsonani/remailer/internal/logging"
	"github.com/fenilsonani/remailer/internal/metrics"
	"github.com/fenilsonani/remailer/internal/sender"
	"github.com/fenilsonani/remailer/internal/spool"
)

// ErrUnauthorized names the missing-or-invalid api_key error kind. withAuth
// does not return it; it answers such requests with 401 "Access denied".
var ErrUnauthorized = errors.New("control: unauthorized")

// ListenerStatus reports on the ingress server for the status snapshot.
type ListenerStatus struct {
	Ready   bool
	Running bool
	Address string
	Port    int
	Mode    string
	TLS     bool
}

// Config configures the control server.
type Config struct {
	Address        string
	Port           int
	APIKey         string
	MaxBodyBytes   int64
	RateLimitPerMin int

	ListenerStatus func() ListenerStatus
}

// Server is the HTTP control surface described for C6.
type Server struct {
	cfg     Config
	state   *lifecycle.State
	spool   *spool.Spool
	sender  *sender.Sender
	history History
	logger  *logging.Logger
	limiter *RateLimiter

	httpSrv *http.Server
}

// History is implemented by the audit log to back the supplemental
// delivery-history query. With a nil History that endpoint answers 200
// with an empty list.
type History interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// New constructs the control server.
func New(cfg Config, state *lifecycle.State, sp *spool.Spool, snd *sender.Sender, history History, logger *logging.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 * 1024 * 1024
	}
	rl := NewRateLimiter(cfg.RateLimitPerMin, time.Minute, 5*time.Minute)

	s := &Server{
		cfg:     cfg,
		state:   state,
		spool:   sp,
		sender:  snd,
		history: history,
		logger:  logger.Control(),
		limiter: rl,
	}

	mux := http.NewServeMux()
	mux.Handle("/api/remailer/control", s.withAuth(s.handleControl))
	mux.Handle("/api/remailer/query/status", s.withAuth(s.handleStatus))
	mux.Handle("/api/remailer/query/storage", s.withAuth(s.handleStorage))
	mux.Handle("/api/remailer/query/history", s.withAuth(s.handleHistory))

	handler := s.withPanicRecovery(s.withRequestLogging(mux))
	s.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler: handler,
	}
	return s
}

// Handler returns the composed HTTP handler, useful for tests that want to
// drive the API via httptest without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// ListenAndServe binds and serves the control API until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	go func() {
		_ = s.httpSrv.Serve(ln)
	}()
	return nil
}

// Close shuts down the control server.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// withAuth enforces the api_key shared secret on every endpoint, including
// the storage query: the source's unsecured bootstrap variant is not
// reproduced here.
func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.limiter.IsBlocked(ip) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"message": "Too many attempts"})
			return
		}

		key := r.URL.Query().Get("api_key")
		if key == "" {
			key = r.FormValue("api_key")
		}

		if key == "" || key != s.cfg.APIKey {
			s.limiter.RecordFailure(ip)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Access denied"})
			return
		}

		s.limiter.RecordSuccess(ip)
		next(w, r)
	})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid request body"})
		return
	}

	senderRaw := r.FormValue("suspend_sender")
	listenerRaw := r.FormValue("suspend_listener")
	if senderRaw == "" && listenerRaw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "at least one of suspend_sender or suspend_listener is required"})
		return
	}

	if senderRaw != "" {
		if v, err := strconv.ParseBool(senderRaw); err == nil {
			s.state.PauseSender(v)
		}
	}
	if listenerRaw != "" {
		if v, err := strconv.ParseBool(listenerRaw); err == nil {
			s.state.PauseListener(v)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`"done"`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Snapshot()

	listener := ListenerStatus{}
	if s.cfg.ListenerStatus != nil {
		listener = s.cfg.ListenerStatus()
	}

	senderStatus := sender.Status{}
	if s.sender != nil {
		senderStatus = s.sender.Status()
	}

	storageReady := s.spool.Available(spool.Parking) && s.spool.Available(spool.Direct)

	body := map[string]any{
		"listener": map[string]any{
			"ready":   listener.Ready,
			"running": listener.Running,
			"address": listener.Address,
			"port":    listener.Port,
			"mode":    listener.Mode,
			"TLS":     listener.TLS,
		},
		"sender": map[string]any{
			"ready":     senderStatus.Ready,
			"running":   !snap.SenderPaused,
			"host":      senderStatus.Host,
			"port":      senderStatus.Port,
			"mode":      senderStatus.Mode,
			"TLS":       senderStatus.TLS,
			"ignoreCRT": senderStatus.IgnoreInvalidCert,
		},
		"storage": map[string]any{
			"ready": storageReady,
		},
		"timer": map[string]any{
			"enabled": snap.TimerEnabled(),
			"sec":     snap.TimerIntervalMs / 1000,
		},
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	s.state.SetScanning(true)
	snap, err := s.spool.Rescan()
	s.state.SetScanning(false)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	metrics.SetQueueDepth(string(spool.Parking), len(snap.Parking))
	metrics.SetQueueDepth(string(spool.Direct), len(snap.Direct))
	metrics.SetQueueDepth(string(spool.Error), len(snap.Error))
	metrics.SetQueueDepth(string(spool.ParkingBackup), len(snap.ParkingBackup))
	metrics.SetQueueDepth(string(spool.DirectBackup), len(snap.DirectBackup))

	writeJSON(w, http.StatusOK, map[string]any{
		"parking":       orEmpty(snap.Parking),
		"direct":        orEmpty(snap.Direct),
		"error":         orEmpty(snap.Error),
		"parkingBackup": orEmpty(snap.ParkingBackup),
		"directBackup":  orEmpty(snap.DirectBackup),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func orEmpty(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) withPanicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in control handler", "error", err, "path", r.URL.Path)
				writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("control request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
