package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fenilsonani/remailer/internal/audit"
	"github.com/fenilsonani/remailer/internal/config"
	"github.com/fenilsonani/remailer/internal/control"
	"github.com/fenilsonani/remailer/internal/ingress"
	"github.com/fenilsonani/remailer/internal/lifecycle"
	"github.com/fenilsonani/remailer/internal/logging"
	"github.com/fenilsonani/remailer/internal/metrics"
	"github.com/fenilsonani/remailer/internal/relay"
	"github.com/fenilsonani/remailer/internal/sender"
	"github.com/fenilsonani/remailer/internal/spool"
	"github.com/fenilsonani/remailer/internal/tlsutil"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "remailer",
	Short: "Store-and-forward SMTP relay",
	Long: `A local store-and-forward mail relay:
- Accepts SMTP or LMTP on an ingress listener
- Parks messages on disk or forwards them immediately
- Retries parked messages on a timer against an upstream submission host
- Exposes an HTTP control API for pausing, status, and storage queries`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}
		if isControlClientCommand(cmd) {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

func isControlClientCommand(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "status", "storage", "pause", "resume":
		return true
	}
	return false
}

// resources tracks everything serveCmd starts. cleanup tears them down in
// this order: control server, ingress server, relay engine, audit log.
type resources struct {
	logger     *logging.Logger
	auditLog   *audit.Log
	ingressSrv *ingress.Server
	controlSrv *control.Server
	relayEng   *relay.Engine
}

func (r *resources) cleanup() {
	if r.logger != nil {
		r.logger.Info("shutting down")
	}

	if r.controlSrv != nil {
		if err := r.controlSrv.Close(); err != nil {
			r.logf("control server shutdown error", err)
		}
	}
	if r.ingressSrv != nil {
		if err := r.ingressSrv.Close(); err != nil {
			r.logf("ingress server shutdown error", err)
		}
	}
	if r.relayEng != nil {
		r.relayEng.Stop()
	}
	if r.auditLog != nil {
		if err := r.auditLog.Close(); err != nil {
			r.logf("audit log close error", err)
		}
	}

	if r.logger != nil {
		r.logger.Info("shutdown complete")
	}
}

func (r *resources) logf(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err.Error())
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		res := &resources{}
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "panic during relay operation: %v\n", r)
				res.cleanup()
				panic(r)
			}
		}()

		logger, err := logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		res.logger = logger
		logger.Info("relay starting")

		sp := spool.New(cfg.SpoolRoot("."), cfg.Relay.BackupEnabled)
		if err := sp.Init(); err != nil {
			res.cleanup()
			return fmt.Errorf("failed to initialize spool: %w", err)
		}
		logger.Info("spool initialized", "root", sp.Root())

		sinks := logging.MultiSink{logging.NewLogSink(logger)}
		sinks = append(sinks, metrics.NewSink())

		if cfg.Audit.Enabled {
			auditLog, err := audit.Open(cfg.Audit.DatabasePath)
			if err != nil {
				res.cleanup()
				return fmt.Errorf("failed to open audit log: %w", err)
			}
			res.auditLog = auditLog
			sinks = append(sinks, auditLog)
			logger.Info("audit log opened", "path", cfg.Audit.DatabasePath)
		}

		state := lifecycle.New(cfg.TimerIntervalMs(), logger)

		var snd *sender.Sender
		if cfg.Sender.SMTPHost != "" {
			sndCfg := sender.Config{
				Host:              cfg.Sender.SMTPHost,
				Port:              cfg.Sender.SMTPPort,
				Secure:            cfg.Sender.SMTPSecure,
				LMTP:              cfg.Sender.LMTP,
				IgnoreInvalidCert: cfg.Sender.IgnoreInvalidCert,
				Log:               cfg.Relay.LogEnabled,
				CommandTimeout:    cfg.Sender.CommandTimeoutDuration(),
			}
			if cfg.Sender.Auth != nil {
				sndCfg.Auth = &sender.Auth{User: cfg.Sender.Auth.User, Pass: cfg.Sender.Auth.Pass}
			}
			if cfg.Sender.DSN != nil {
				sndCfg.DSN = &sender.DSN{Notify: cfg.Sender.DSN.Notify, Ret: cfg.Sender.DSN.Ret}
			}
			snd, err = sender.New(sndCfg, sinks, logger)
			if err != nil {
				logger.Warn("sender not ready", "error", err.Error())
			} else {
				logger.Info("sender configured", "host", cfg.Sender.SMTPHost, "port", cfg.Sender.SMTPPort)
			}
		}

		// Ready exactly when at least one admission path can actually
		// persist or forward a message: the spool must accept writes, and
		// if a sender was configured it must report Ready (host and port
		// set; no connection is attempted here).
		ready := sp.Available(spool.Parking) || sp.Available(spool.Direct)
		if cfg.Sender.SMTPHost != "" && (snd == nil || !snd.Ready()) {
			ready = false
		}
		state.SetReady(ready)
		if !ready {
			logger.Warn("starting not ready: spool unavailable or sender misconfigured")
		}

		if snap, err := sp.Rescan(); err != nil {
			logger.Warn("initial spool rescan failed", "error", err.Error())
		} else {
			metrics.SetQueueDepth(string(spool.Parking), len(snap.Parking))
			metrics.SetQueueDepth(string(spool.Direct), len(snap.Direct))
			metrics.SetQueueDepth(string(spool.Error), len(snap.Error))
			metrics.SetQueueDepth(string(spool.ParkingBackup), len(snap.ParkingBackup))
			metrics.SetQueueDepth(string(spool.DirectBackup), len(snap.DirectBackup))
		}

		tlsCfg := &cfg.Listener
		var tlsManager *tlsutil.Manager
		if tlsCfg.Secure {
			tlsManager, err = tlsutil.New(tlsutil.Config{
				CertFile: tlsCfg.CertFile,
				KeyFile:  tlsCfg.KeyFile,
				AutoTLS:  tlsCfg.AutoTLS,
				Hostname: tlsCfg.Hostname,
				CacheDir: tlsCfg.CacheDir,
				Email:    tlsCfg.Email,
			})
			if err != nil {
				res.cleanup()
				return fmt.Errorf("failed to initialize listener TLS: %w", err)
			}
		}

		ingressCfg := ingress.Config{
			Address:      cfg.Listener.Address,
			Port:         cfg.Listener.Port,
			Secure:       cfg.Listener.Secure,
			LMTP:         cfg.Listener.LMTP,
			Domain:       cfg.Listener.Hostname,
			Greeting:     cfg.Listener.Greeting,
			ReadTimeout:  cfg.Listener.ReadTimeoutDuration(),
			WriteTimeout: cfg.Listener.WriteTimeoutDuration(),
		}
		if tlsManager != nil {
			ingressCfg.TLSConfig = tlsManager.TLSConfig()
		}
		ingressSrv := ingress.New(ingressCfg, state, sp, snd, sinks, logger)
		res.ingressSrv = ingressSrv

		if err := ingressSrv.ListenAndServe(); err != nil {
			res.cleanup()
			return fmt.Errorf("failed to start ingress server: %w", err)
		}
		state.SetListenerRunning(true)
		logger.Info("ingress server started", "address", cfg.Listener.Address, "port", cfg.Listener.Port)

		relayEng := relay.New(state, sp, snd, sinks, logger)
		res.relayEng = relayEng
		relayEng.Start()
		if state.TimerEnabled() {
			logger.Info("relay engine armed", "interval_ms", cfg.TimerIntervalMs())
		}

		if cfg.Control.Enabled {
			controlCfg := control.Config{
				Address:         cfg.Control.Address,
				Port:            cfg.Control.Port,
				APIKey:          cfg.Control.APIKey,
				MaxBodyBytes:    cfg.Control.MaxBodyBytes,
				RateLimitPerMin: cfg.Control.RateLimitPerMin,
				ListenerStatus: func() control.ListenerStatus {
					mode := "SMTP"
					if cfg.Listener.LMTP {
						mode = "LMTP"
					}
					return control.ListenerStatus{
						Ready:   state.Ready(),
						Running: true,
						Address: cfg.Listener.Address,
						Port:    cfg.Listener.Port,
						Mode:    mode,
						TLS:     cfg.Listener.Secure,
					}
				},
			}
			var history control.History
			if res.auditLog != nil {
				history = res.auditLog
			}
			controlSrv := control.New(controlCfg, state, sp, snd, history, logger)
			res.controlSrv = controlSrv
			if err := controlSrv.ListenAndServe(); err != nil {
				res.cleanup()
				return fmt.Errorf("failed to start control server: %w", err)
			}
			logger.Info("control server started", "address", cfg.Control.Address, "port", cfg.Control.Port)
		}

		logger.Info("relay is running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())

		res.cleanup()
		logger.Info("relay stopped")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("remailer v0.1.0")
	},
}

// --- control API client subcommands ---

var controlAddr string
var controlAPIKey string

func controlURL(path string) string {
	return fmt.Sprintf("http://%s%s", controlAddr, path)
}

func doControlGet(path string, query url.Values) (*http.Response, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", controlAPIKey)
	return http.Get(controlURL(path) + "?" + query.Encode())
}

func doControlPost(path string, form url.Values) (*http.Response, error) {
	form.Set("api_key", controlAPIKey)
	return http.PostForm(controlURL(path), form)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading control API response: %w", err)
	}
	fmt.Println(string(body))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("control API returned %s", resp.Status)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query relay status over the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doControlGet("/api/remailer/query/status", nil)
		if err != nil {
			return err
		}
		return printResponse(resp)
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Trigger a spool rescan and print the resulting snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := doControlGet("/api/remailer/query/storage", nil)
		if err != nil {
			return err
		}
		return printResponse(resp)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the listener and/or sender",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSuspend(cmd, true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the listener and/or sender",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSuspend(cmd, false)
	},
}

var pauseListener, pauseSender bool

func runSuspend(cmd *cobra.Command, suspend bool) error {
	if !pauseListener && !pauseSender {
		return fmt.Errorf("at least one of --listener or --sender is required")
	}
	form := url.Values{}
	if pauseListener {
		form.Set("suspend_listener", strconv.FormatBool(suspend))
	}
	if pauseSender {
		form.Set("suspend_sender", strconv.FormatBool(suspend))
	}
	resp, err := doControlPost("/api/remailer/control", form)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	for _, c := range []*cobra.Command{statusCmd, storageCmd, pauseCmd, resumeCmd} {
		c.Flags().StringVar(&controlAddr, "addr", "127.0.0.1:8081", "control API address")
		c.Flags().StringVar(&controlAPIKey, "api-key", "", "control API shared secret")
		rootCmd.AddCommand(c)
	}
	pauseCmd.Flags().BoolVar(&pauseListener, "listener", false, "pause the ingress listener")
	pauseCmd.Flags().BoolVar(&pauseSender, "sender", false, "pause the relay sender")
	resumeCmd.Flags().BoolVar(&pauseListener, "listener", false, "resume the ingress listener")
	resumeCmd.Flags().BoolVar(&pauseSender, "sender", false, "resume the relay sender")
}
